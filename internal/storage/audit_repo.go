package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/better-wallet/spendguard/internal/audit"
	"github.com/better-wallet/spendguard/pkg/types"
)

// AuditRepository persists audit records. It is an audit.Sink.
type AuditRepository struct {
	store *Store
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(store *Store) *AuditRepository {
	return &AuditRepository{store: store}
}

var _ audit.Sink = (*AuditRepository)(nil)

const insertAuditRecord = `
	INSERT INTO audit_records (
		id, type, session_id, agent_id, user_id, request_id, resource_id,
		endpoint, method, amount, reason, policy_results, metadata, recorded_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (id) DO NOTHING
`

// WriteBatch inserts records in one round trip. Replayed ids are ignored.
func (r *AuditRepository) WriteBatch(ctx context.Context, records []types.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		var results, metadata []byte
		var err error
		if len(rec.PolicyResults) > 0 {
			if results, err = json.Marshal(rec.PolicyResults); err != nil {
				return fmt.Errorf("failed to marshal policy results: %w", err)
			}
		}
		if len(rec.Metadata) > 0 {
			if metadata, err = json.Marshal(rec.Metadata); err != nil {
				return fmt.Errorf("failed to marshal audit metadata: %w", err)
			}
		}
		batch.Queue(insertAuditRecord,
			rec.ID,
			rec.Type,
			rec.SessionID,
			rec.AgentID,
			rec.UserID,
			rec.RequestID,
			rec.ResourceID,
			rec.Endpoint,
			rec.Method,
			rec.Amount,
			rec.Reason,
			results,
			metadata,
			rec.Timestamp,
		)
	}

	if err := r.store.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to write audit batch: %w", err)
	}
	return nil
}

// QueryOptions represents options for querying audit records
type QueryOptions struct {
	SessionID  string
	AgentID    string
	ResourceID string
	Type       types.AuditRecordType
	Limit      int
	Offset     int
}

// Query retrieves audit records, newest first.
func (r *AuditRepository) Query(ctx context.Context, opts QueryOptions) ([]types.AuditRecord, error) {
	query := `
		SELECT id, type, session_id, agent_id, user_id, request_id, resource_id,
		       endpoint, method, amount, reason, policy_results, metadata, recorded_at
		FROM audit_records
		WHERE 1=1
	`

	args := make([]interface{}, 0)
	argCount := 1

	if opts.SessionID != "" {
		query += fmt.Sprintf(" AND session_id = $%d", argCount)
		args = append(args, opts.SessionID)
		argCount++
	}
	if opts.AgentID != "" {
		query += fmt.Sprintf(" AND agent_id = $%d", argCount)
		args = append(args, opts.AgentID)
		argCount++
	}
	if opts.ResourceID != "" {
		query += fmt.Sprintf(" AND resource_id = $%d", argCount)
		args = append(args, opts.ResourceID)
		argCount++
	}
	if opts.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argCount)
		args = append(args, opts.Type)
		argCount++
	}

	query += " ORDER BY recorded_at DESC, id"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, opts.Limit)
		argCount++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, opts.Offset)
	}

	rows, err := r.store.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var out []types.AuditRecord
	for rows.Next() {
		var (
			rec               types.AuditRecord
			results, metadata []byte
		)
		err := rows.Scan(
			&rec.ID,
			&rec.Type,
			&rec.SessionID,
			&rec.AgentID,
			&rec.UserID,
			&rec.RequestID,
			&rec.ResourceID,
			&rec.Endpoint,
			&rec.Method,
			&rec.Amount,
			&rec.Reason,
			&results,
			&metadata,
			&rec.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		if len(results) > 0 {
			if err := json.Unmarshal(results, &rec.PolicyResults); err != nil {
				return nil, fmt.Errorf("failed to unmarshal policy results: %w", err)
			}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit metadata: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
