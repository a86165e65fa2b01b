// Package ledger registers policy, delegation and audit records with an
// external append-only ledger. Registration is best-effort: nothing on the
// decision path waits for it.
package ledger

import (
	"context"
	"time"
)

// Receipt acknowledges a registered record.
type Receipt struct {
	TransactionID      string    `json:"transaction_id"`
	ConsensusTimestamp time.Time `json:"consensus_timestamp"`
}

// Ledger is the external registry collaborator.
type Ledger interface {
	RegisterRecord(ctx context.Context, topic string, payload []byte) (Receipt, error)
}
