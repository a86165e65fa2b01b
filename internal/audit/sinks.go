package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/better-wallet/spendguard/pkg/types"
)

// SlogSink writes each record as a structured log line.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(l *slog.Logger) *SlogSink {
	if l == nil {
		l = slog.Default()
	}
	return &SlogSink{log: l.With("component", "audit")}
}

func (s *SlogSink) WriteBatch(ctx context.Context, records []types.AuditRecord) error {
	for _, r := range records {
		s.log.InfoContext(ctx, "audit",
			"audit_id", r.ID,
			"type", r.Type,
			"session_id", r.SessionID,
			"agent_id", r.AgentID,
			"user_id", r.UserID,
			"request_id", r.RequestID,
			"resource_id", r.ResourceID,
			"endpoint", r.Endpoint,
			"method", r.Method,
			"amount", r.Amount,
			"reason", r.Reason,
			"timestamp", r.Timestamp,
		)
	}
	return nil
}

// Recorder is the ledger queue the LedgerSink forwards to.
type Recorder interface {
	Record(topic string, payload []byte) bool
}

// LedgerSink registers every record on the audit topic.
type LedgerSink struct {
	recorder Recorder
}

func NewLedgerSink(r Recorder) *LedgerSink {
	return &LedgerSink{recorder: r}
}

func (s *LedgerSink) WriteBatch(_ context.Context, records []types.AuditRecord) error {
	shed := 0
	for _, r := range records {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal audit record %s: %w", r.ID, err)
		}
		if !s.recorder.Record(types.TopicAudit, payload) {
			shed++
		}
	}
	if shed > 0 {
		return fmt.Errorf("ledger shed %d of %d audit records", shed, len(records))
	}
	return nil
}

// MemorySink keeps records in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []types.AuditRecord
	batches int
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) WriteBatch(_ context.Context, records []types.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	s.batches++
	return nil
}

func (s *MemorySink) Records() []types.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.AuditRecord(nil), s.records...)
}

func (s *MemorySink) Batches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

// MultiSink writes to every sink, even when an earlier one fails.
type MultiSink []Sink

func (m MultiSink) WriteBatch(ctx context.Context, records []types.AuditRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteBatch(ctx, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
