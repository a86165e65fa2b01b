package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/better-wallet/spendguard/internal/session"
	"github.com/better-wallet/spendguard/pkg/types"
)

// SessionRepository implements session.Store.
type SessionRepository struct {
	store *Store
}

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(store *Store) *SessionRepository {
	return &SessionRepository{store: store}
}

var _ session.Store = (*SessionRepository)(nil)

const sessionColumns = `session_id, agent_id, delegator_id, delegation_id, status, created_at,
		last_activity_at, expires_at, currency, max_budget::text, total_spent::text,
		remaining_budget::text, request_count, policy_violations, metadata`

// Create creates a new session
func (r *SessionRepository) Create(ctx context.Context, s *types.Session) error {
	violations, metadata, err := sessionJSON(s)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (
			session_id, agent_id, delegator_id, delegation_id, status, created_at,
			last_activity_at, expires_at, currency, max_budget, total_spent,
			remaining_budget, request_count, policy_violations, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = r.store.pool.Exec(ctx, query,
		s.SessionID,
		s.AgentID,
		s.DelegatorID,
		s.DelegationID,
		s.Status,
		s.CreatedAt,
		s.LastActivityAt,
		s.ExpiresAt,
		s.Currency,
		numeric(s.MaxBudget),
		numeric(s.TotalSpent),
		numeric(s.RemainingBudget),
		s.RequestCount,
		violations,
		metadata,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("session %s already exists", s.SessionID)
	}
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID
func (r *SessionRepository) Get(ctx context.Context, id string) (*types.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = $1`

	s, err := scanSession(r.store.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session by ID: %w", err)
	}
	return s, nil
}

// Update writes the mutable session columns.
func (r *SessionRepository) Update(ctx context.Context, s *types.Session) error {
	violations, metadata, err := sessionJSON(s)
	if err != nil {
		return err
	}

	query := `
		UPDATE sessions
		SET status = $2, last_activity_at = $3, expires_at = $4, max_budget = $5,
		    total_spent = $6, remaining_budget = $7, request_count = $8,
		    policy_violations = $9, metadata = $10
		WHERE session_id = $1
	`
	tag, err := r.store.pool.Exec(ctx, query,
		s.SessionID,
		s.Status,
		s.LastActivityAt,
		s.ExpiresAt,
		numeric(s.MaxBudget),
		numeric(s.TotalSpent),
		numeric(s.RemainingBudget),
		s.RequestCount,
		violations,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s not found", s.SessionID)
	}
	return nil
}

// List retrieves sessions with filtering and pagination
func (r *SessionRepository) List(ctx context.Context, filter session.ListFilter) ([]*types.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`

	args := make([]interface{}, 0)
	argCount := 1

	if filter.AgentID != "" {
		query += fmt.Sprintf(" AND agent_id = $%d", argCount)
		args = append(args, filter.AgentID)
		argCount++
	}
	if filter.DelegatorID != "" {
		query += fmt.Sprintf(" AND delegator_id = $%d", argCount)
		args = append(args, filter.DelegatorID)
		argCount++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, filter.Status)
		argCount++
	}

	query += " ORDER BY created_at, session_id"

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
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	out := []*types.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func sessionJSON(s *types.Session) (violations, metadata []byte, err error) {
	v := s.PolicyViolations
	if v == nil {
		v = []types.PolicyViolation{}
	}
	violations, err = json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal policy violations: %w", err)
	}
	m := s.Metadata
	if m == nil {
		m = map[string]string{}
	}
	metadata, err = json.Marshal(m)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal session metadata: %w", err)
	}
	return violations, metadata, nil
}

func scanSession(row pgx.Row) (*types.Session, error) {
	var (
		s                           types.Session
		maxBudget, spent, remaining string
		violations, metadata        []byte
	)
	err := row.Scan(
		&s.SessionID,
		&s.AgentID,
		&s.DelegatorID,
		&s.DelegationID,
		&s.Status,
		&s.CreatedAt,
		&s.LastActivityAt,
		&s.ExpiresAt,
		&s.Currency,
		&maxBudget,
		&spent,
		&remaining,
		&s.RequestCount,
		&violations,
		&metadata,
	)
	if err != nil {
		return nil, err
	}

	if s.MaxBudget, err = parseNumeric(maxBudget); err != nil {
		return nil, err
	}
	if s.TotalSpent, err = parseNumeric(spent); err != nil {
		return nil, err
	}
	if s.RemainingBudget, err = parseNumeric(remaining); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(violations, &s.PolicyViolations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy violations: %w", err)
	}
	if len(s.PolicyViolations) == 0 {
		s.PolicyViolations = nil
	}
	if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session metadata: %w", err)
	}
	if len(s.Metadata) == 0 {
		s.Metadata = nil
	}
	return &s, nil
}
