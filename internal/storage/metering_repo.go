package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/better-wallet/spendguard/internal/metering"
	"github.com/better-wallet/spendguard/pkg/types"
)

// MeteringRepository implements metering.Store. Debits lock the account row
// so the budget check and the record insert commit together.
type MeteringRepository struct {
	store *Store
}

// NewMeteringRepository creates a new MeteringRepository
func NewMeteringRepository(store *Store) *MeteringRepository {
	return &MeteringRepository{store: store}
}

var _ metering.Store = (*MeteringRepository)(nil)

const accountColumns = `session_id, currency, initial_budget::text, total_spent::text,
		request_count, created_at, updated_at`

// CreateAccount opens a budget account.
func (r *MeteringRepository) CreateAccount(ctx context.Context, a *metering.Account) error {
	query := `
		INSERT INTO metering_accounts (
			session_id, currency, initial_budget, total_spent, request_count, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.store.pool.Exec(ctx, query,
		a.SessionID,
		a.Currency,
		numeric(a.InitialBudget),
		numeric(a.TotalSpent),
		a.RequestCount,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return metering.ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("failed to create metering account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by session ID
func (r *MeteringRepository) GetAccount(ctx context.Context, sessionID string) (*metering.Account, error) {
	a, err := getAccount(ctx, r.store.pool, sessionID, false)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metering account: %w", err)
	}
	return a, nil
}

// Debit appends rec and adds its amount to the account total.
func (r *MeteringRepository) Debit(ctx context.Context, rec *types.SpendingRecord) (*metering.Account, error) {
	amount := types.CloneAmount(rec.Amount)

	var out *metering.Account
	err := r.store.withTx(ctx, func(tx pgx.Tx) error {
		a, err := getAccount(ctx, tx, rec.SessionID, true)
		if errors.Is(err, pgx.ErrNoRows) {
			return metering.ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock metering account: %w", err)
		}
		if amount.Cmp(a.Remaining()) > 0 {
			return metering.ErrInsufficientBudget
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO spending_records (
				record_id, session_id, request_id, amount, currency, recorded_at, endpoint, method, success
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			rec.RecordID,
			rec.SessionID,
			rec.RequestID,
			numeric(amount),
			rec.Currency,
			rec.Timestamp,
			rec.Endpoint,
			rec.Method,
			rec.Success,
		)
		if err != nil {
			return fmt.Errorf("failed to insert spending record: %w", err)
		}

		a.TotalSpent = new(big.Int).Add(a.TotalSpent, amount)
		a.RequestCount++
		a.UpdatedAt = rec.Timestamp
		_, err = tx.Exec(ctx, `
			UPDATE metering_accounts
			SET total_spent = $2, request_count = $3, updated_at = $4
			WHERE session_id = $1
		`, a.SessionID, numeric(a.TotalSpent), a.RequestCount, a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to debit metering account: %w", err)
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetBudget replaces the initial budget, refusing one below total spent.
func (r *MeteringRepository) SetBudget(ctx context.Context, sessionID string, budget *big.Int, now time.Time) (*metering.Account, error) {
	var out *metering.Account
	err := r.store.withTx(ctx, func(tx pgx.Tx) error {
		a, err := getAccount(ctx, tx, sessionID, true)
		if errors.Is(err, pgx.ErrNoRows) {
			return metering.ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock metering account: %w", err)
		}
		if budget.Cmp(a.TotalSpent) < 0 {
			return metering.ErrBudgetBelowSpent
		}

		a.InitialBudget = types.CloneAmount(budget)
		a.UpdatedAt = now
		_, err = tx.Exec(ctx, `
			UPDATE metering_accounts SET initial_budget = $2, updated_at = $3 WHERE session_id = $1
		`, sessionID, numeric(budget), now)
		if err != nil {
			return fmt.Errorf("failed to update budget: %w", err)
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListRecords pages through a session's records, oldest first.
func (r *MeteringRepository) ListRecords(ctx context.Context, sessionID string, limit, offset int) ([]*types.SpendingRecord, error) {
	query := `
		SELECT record_id, session_id, request_id, amount::text, currency, recorded_at, endpoint, method, success
		FROM spending_records
		WHERE session_id = $1
		ORDER BY recorded_at, record_id
	`
	args := []interface{}{sessionID}
	argCount := 2
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, limit)
		argCount++
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, offset)
	}

	rows, err := r.store.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query spending records: %w", err)
	}
	defer rows.Close()

	out := []*types.SpendingRecord{}
	for rows.Next() {
		var (
			rec    types.SpendingRecord
			amount string
		)
		if err := rows.Scan(
			&rec.RecordID,
			&rec.SessionID,
			&rec.RequestID,
			&amount,
			&rec.Currency,
			&rec.Timestamp,
			&rec.Endpoint,
			&rec.Method,
			&rec.Success,
		); err != nil {
			return nil, fmt.Errorf("failed to scan spending record: %w", err)
		}
		if rec.Amount, err = parseNumeric(amount); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func getAccount(ctx context.Context, db DBTX, sessionID string, forUpdate bool) (*metering.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM metering_accounts WHERE session_id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var (
		a             metering.Account
		budget, spent string
	)
	err := db.QueryRow(ctx, query, sessionID).Scan(
		&a.SessionID,
		&a.Currency,
		&budget,
		&spent,
		&a.RequestCount,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if a.InitialBudget, err = parseNumeric(budget); err != nil {
		return nil, err
	}
	if a.TotalSpent, err = parseNumeric(spent); err != nil {
		return nil, err
	}
	return &a, nil
}
