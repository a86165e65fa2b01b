package delegation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/better-wallet/spendguard/pkg/types"
)

// signedPayload is the part of a delegation the delegator signs. Status,
// signature and ledger fields are not covered.
type signedPayload struct {
	ID        string                `json:"id"`
	Delegator string                `json:"delegator"`
	Delegatee string                `json:"delegatee"`
	Scope     types.DelegationScope `json:"scope"`
	CreatedAt string                `json:"created_at"`
	ExpiresAt string                `json:"expires_at,omitempty"`
	Nonce     string                `json:"nonce"`
}

// CanonicalPayload returns the RFC 8785 canonical JSON the delegator signs.
func CanonicalPayload(d *types.Delegation) ([]byte, error) {
	p := signedPayload{
		ID:        d.ID,
		Delegator: d.Delegator,
		Delegatee: d.Delegatee,
		Scope:     d.Scope,
		CreatedAt: formatTime(d.CreatedAt),
		Nonce:     d.Nonce,
	}
	if d.ExpiresAt != nil {
		p.ExpiresAt = formatTime(*d.ExpiresAt)
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal delegation payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize delegation payload: %w", err)
	}
	return canonical, nil
}

// formatTime pins UTC and microsecond precision so a payload rebuilt from
// Postgres matches the one signed at creation.
func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)
}
