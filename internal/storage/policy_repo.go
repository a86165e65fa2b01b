package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/better-wallet/spendguard/internal/logger"
	"github.com/better-wallet/spendguard/internal/policy"
	"github.com/better-wallet/spendguard/pkg/types"
)

// PolicyRepository implements policy.Store.
type PolicyRepository struct {
	store *Store
}

// NewPolicyRepository creates a new PolicyRepository
func NewPolicyRepository(store *Store) *PolicyRepository {
	return &PolicyRepository{store: store}
}

var _ policy.Store = (*PolicyRepository)(nil)

const policyColumns = `id, name, type, config, status, user_id, agent_id,
		created_at, updated_at, expires_at, created_by, tags`

// Create creates a new policy
func (r *PolicyRepository) Create(ctx context.Context, p *types.Policy) error {
	configJSON, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal policy config: %w", err)
	}

	query := `
		INSERT INTO policies (` + policyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.store.pool.Exec(ctx, query,
		p.ID,
		p.Name,
		p.Type,
		configJSON,
		p.Status,
		p.UserID,
		p.AgentID,
		p.CreatedAt,
		p.UpdatedAt,
		p.ExpiresAt,
		p.CreatedBy,
		tagsOrEmpty(p.Tags),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("policy %s already exists", p.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create policy: %w", err)
	}
	return nil
}

// Get retrieves a policy by ID
func (r *PolicyRepository) Get(ctx context.Context, id string) (*types.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE id = $1`

	p, err := scanPolicy(ctx, r.store.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy by ID: %w", err)
	}
	return p, nil
}

// Update replaces every mutable column of an existing policy.
func (r *PolicyRepository) Update(ctx context.Context, p *types.Policy) error {
	configJSON, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal policy config: %w", err)
	}

	query := `
		UPDATE policies
		SET name = $2, type = $3, config = $4, status = $5, user_id = $6, agent_id = $7,
		    updated_at = $8, expires_at = $9, created_by = $10, tags = $11
		WHERE id = $1
	`
	tag, err := r.store.pool.Exec(ctx, query,
		p.ID,
		p.Name,
		p.Type,
		configJSON,
		p.Status,
		p.UserID,
		p.AgentID,
		p.UpdatedAt,
		p.ExpiresAt,
		p.CreatedBy,
		tagsOrEmpty(p.Tags),
	)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("policy %s does not exist", p.ID)
	}
	return nil
}

// Delete removes a policy and, by cascade, its usage stats.
func (r *PolicyRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.store.pool.Exec(ctx, `DELETE FROM policies WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	return nil
}

// List retrieves policies with filtering and pagination
func (r *PolicyRepository) List(ctx context.Context, filter policy.ListFilter) ([]*types.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE 1=1`

	args := make([]interface{}, 0)
	argCount := 1

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argCount)
		args = append(args, filter.UserID)
		argCount++
	}
	if filter.AgentID != "" {
		query += fmt.Sprintf(" AND agent_id = $%d", argCount)
		args = append(args, filter.AgentID)
		argCount++
	}
	if filter.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argCount)
		args = append(args, filter.Type)
		argCount++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, filter.Status)
		argCount++
	}
	if filter.Tag != "" {
		query += fmt.Sprintf(" AND $%d = ANY(tags)", argCount)
		args = append(args, filter.Tag)
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
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	policies := []*types.Policy{}
	for rows.Next() {
		p, err := scanPolicy(ctx, rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// GetUsage returns the usage stats of a policy, or nil when none were saved.
func (r *PolicyRepository) GetUsage(ctx context.Context, policyID string) (*types.PolicyUsageStats, error) {
	query := `
		SELECT policy_id, total_spent::text, total_transactions, current_period_spent::text,
		       current_period_transactions, period_start, last_used, violations
		FROM policy_usage
		WHERE policy_id = $1
	`

	var s types.PolicyUsageStats
	err := r.store.pool.QueryRow(ctx, query, policyID).Scan(
		&s.PolicyID,
		&s.TotalSpent,
		&s.TotalTransactions,
		&s.CurrentPeriodSpent,
		&s.CurrentPeriodTransactions,
		&s.PeriodStart,
		&s.LastUsed,
		&s.Violations,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy usage: %w", err)
	}
	return &s, nil
}

// SaveUsage upserts the usage stats of a policy.
func (r *PolicyRepository) SaveUsage(ctx context.Context, s *types.PolicyUsageStats) error {
	total, err := numericString(s.TotalSpent)
	if err != nil {
		return fmt.Errorf("invalid total_spent: %w", err)
	}
	period, err := numericString(s.CurrentPeriodSpent)
	if err != nil {
		return fmt.Errorf("invalid current_period_spent: %w", err)
	}

	query := `
		INSERT INTO policy_usage (
			policy_id, total_spent, total_transactions, current_period_spent,
			current_period_transactions, period_start, last_used, violations
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (policy_id) DO UPDATE SET
			total_spent = EXCLUDED.total_spent,
			total_transactions = EXCLUDED.total_transactions,
			current_period_spent = EXCLUDED.current_period_spent,
			current_period_transactions = EXCLUDED.current_period_transactions,
			period_start = EXCLUDED.period_start,
			last_used = EXCLUDED.last_used,
			violations = EXCLUDED.violations
	`
	_, err = r.store.pool.Exec(ctx, query,
		s.PolicyID,
		total,
		s.TotalTransactions,
		period,
		s.CurrentPeriodTransactions,
		s.PeriodStart,
		s.LastUsed,
		s.Violations,
	)
	if err != nil {
		return fmt.Errorf("failed to save policy usage: %w", err)
	}
	return nil
}

// scanPolicy decodes one row. A config that no longer decodes is left nil so
// the evaluator rejects the policy instead of the whole listing failing.
func scanPolicy(ctx context.Context, row pgx.Row) (*types.Policy, error) {
	var (
		p          types.Policy
		configJSON []byte
		expiresAt  *time.Time
	)
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Type,
		&configJSON,
		&p.Status,
		&p.UserID,
		&p.AgentID,
		&p.CreatedAt,
		&p.UpdatedAt,
		&expiresAt,
		&p.CreatedBy,
		&p.Tags,
	)
	if err != nil {
		return nil, err
	}
	p.ExpiresAt = expiresAt

	cfg, err := types.DecodePolicyConfig(p.Type, configJSON)
	if err != nil {
		logger.Warn(ctx, "stored policy config does not decode", "policy_id", p.ID, "error", err)
	} else {
		p.Config = cfg
	}
	return &p, nil
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
