package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/better-wallet/spendguard/internal/delegation"
	"github.com/better-wallet/spendguard/pkg/types"
)

// DelegationRepository implements delegation.Store.
type DelegationRepository struct {
	store *Store
}

// NewDelegationRepository creates a new DelegationRepository
func NewDelegationRepository(store *Store) *DelegationRepository {
	return &DelegationRepository{store: store}
}

var _ delegation.Store = (*DelegationRepository)(nil)

const delegationColumns = `id, delegator, delegatee, scope, status, created_at, expires_at,
		revoked_at, revocation_reason, signature, nonce, ledger_tx_id`

// Create creates a new delegation
func (r *DelegationRepository) Create(ctx context.Context, d *types.Delegation) error {
	scopeJSON, err := json.Marshal(d.Scope)
	if err != nil {
		return fmt.Errorf("failed to marshal delegation scope: %w", err)
	}

	query := `
		INSERT INTO delegations (` + delegationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.store.pool.Exec(ctx, query,
		d.ID,
		d.Delegator,
		d.Delegatee,
		scopeJSON,
		d.Status,
		d.CreatedAt,
		d.ExpiresAt,
		d.RevokedAt,
		d.RevocationReason,
		d.Signature,
		d.Nonce,
		d.LedgerTxID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("delegation %s already exists", d.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create delegation: %w", err)
	}
	return nil
}

// Get retrieves a delegation by ID
func (r *DelegationRepository) Get(ctx context.Context, id string) (*types.Delegation, error) {
	query := `SELECT ` + delegationColumns + ` FROM delegations WHERE id = $1`

	d, err := scanDelegation(r.store.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delegation by ID: %w", err)
	}
	return d, nil
}

// Update writes the lifecycle columns. Parties, scope and nonce are fixed at
// creation.
func (r *DelegationRepository) Update(ctx context.Context, d *types.Delegation) error {
	query := `
		UPDATE delegations
		SET status = $2, expires_at = $3, revoked_at = $4, revocation_reason = $5,
		    signature = $6, ledger_tx_id = $7
		WHERE id = $1
	`
	tag, err := r.store.pool.Exec(ctx, query,
		d.ID,
		d.Status,
		d.ExpiresAt,
		d.RevokedAt,
		d.RevocationReason,
		d.Signature,
		d.LedgerTxID,
	)
	if err != nil {
		return fmt.Errorf("failed to update delegation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delegation %s not found", d.ID)
	}
	return nil
}

// List retrieves delegations with filtering and pagination
func (r *DelegationRepository) List(ctx context.Context, filter delegation.ListFilter) ([]*types.Delegation, error) {
	query := `SELECT ` + delegationColumns + ` FROM delegations WHERE 1=1`

	args := make([]interface{}, 0)
	argCount := 1

	if filter.Delegator != "" {
		query += fmt.Sprintf(" AND delegator = $%d", argCount)
		args = append(args, filter.Delegator)
		argCount++
	}
	if filter.Delegatee != "" {
		query += fmt.Sprintf(" AND delegatee = $%d", argCount)
		args = append(args, filter.Delegatee)
		argCount++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, filter.Status)
		argCount++
	}

	query += " ORDER BY created_at, id"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := r.store.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query delegations: %w", err)
	}
	defer rows.Close()

	out := []*types.Delegation{}
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delegation: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDelegation(row pgx.Row) (*types.Delegation, error) {
	var (
		d         types.Delegation
		scopeJSON []byte
	)
	err := row.Scan(
		&d.ID,
		&d.Delegator,
		&d.Delegatee,
		&scopeJSON,
		&d.Status,
		&d.CreatedAt,
		&d.ExpiresAt,
		&d.RevokedAt,
		&d.RevocationReason,
		&d.Signature,
		&d.Nonce,
		&d.LedgerTxID,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(scopeJSON, &d.Scope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delegation scope: %w", err)
	}
	return &d, nil
}
