package types

import "time"

// DelegationStatus is the lifecycle state of a delegation.
type DelegationStatus string

const (
	DelegationStatusPending DelegationStatus = "pending"
	DelegationStatusActive  DelegationStatus = "active"
	DelegationStatusRevoked DelegationStatus = "revoked"
	DelegationStatusExpired DelegationStatus = "expired"
)

// DelegationScope bounds what a delegatee may do. Empty lists and unset
// limits impose no restriction.
type DelegationScope struct {
	Policies        []string `json:"policies,omitempty"`
	MaxAmount       string   `json:"max_amount,omitempty"`
	TimeLimit       int64    `json:"time_limit,omitempty"` // seconds from CreatedAt
	AllowedActions  []string `json:"allowed_actions,omitempty"`
	AllowedNetworks []string `json:"allowed_networks,omitempty"`
}

// Delegation grants scoped authority from a delegator to a delegatee.
// Delegator and Delegatee are opaque identities (wallet address or DID).
type Delegation struct {
	ID               string           `json:"id"`
	Delegator        string           `json:"delegator"`
	Delegatee        string           `json:"delegatee"`
	Scope            DelegationScope  `json:"scope"`
	Status           DelegationStatus `json:"status"`
	CreatedAt        time.Time        `json:"created_at"`
	ExpiresAt        *time.Time       `json:"expires_at,omitempty"`
	RevokedAt        *time.Time       `json:"revoked_at,omitempty"`
	RevocationReason string           `json:"revocation_reason,omitempty"`
	Signature        string           `json:"signature,omitempty"`
	Nonce            string           `json:"nonce"`
	LedgerTxID       string           `json:"ledger_tx_id,omitempty"`
}

// Clone returns a copy that shares no mutable state with d.
func (d *Delegation) Clone() *Delegation {
	cp := *d
	if d.ExpiresAt != nil {
		t := *d.ExpiresAt
		cp.ExpiresAt = &t
	}
	if d.RevokedAt != nil {
		t := *d.RevokedAt
		cp.RevokedAt = &t
	}
	cp.Scope.Policies = append([]string(nil), d.Scope.Policies...)
	cp.Scope.AllowedActions = append([]string(nil), d.Scope.AllowedActions...)
	cp.Scope.AllowedNetworks = append([]string(nil), d.Scope.AllowedNetworks...)
	return &cp
}

// VerificationContext describes the action a delegatee wants to take.
type VerificationContext struct {
	PolicyID string `json:"policy_id,omitempty"`
	Amount   string `json:"amount,omitempty"`
	Action   string `json:"action,omitempty"`
	Network  string `json:"network,omitempty"`
}

// DelegationVerification is the outcome of VerifyDelegation.
type DelegationVerification struct {
	Valid      bool        `json:"valid"`
	Reason     string      `json:"reason,omitempty"`
	Expired    bool        `json:"expired,omitempty"`
	Revoked    bool        `json:"revoked,omitempty"`
	Delegation *Delegation `json:"delegation,omitempty"`
}
