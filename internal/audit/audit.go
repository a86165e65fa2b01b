// Package audit collects decision and lifecycle records off the hot path
// and writes them to one or more sinks in batches.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/better-wallet/spendguard/internal/logger"
	"github.com/better-wallet/spendguard/internal/metrics"
	"github.com/better-wallet/spendguard/pkg/types"
)

// Sink persists a batch of records.
type Sink interface {
	WriteBatch(ctx context.Context, records []types.AuditRecord) error
}

// Options tune buffering and batching. WriteTimeout bounds a single sink write.
type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
	Metrics       *metrics.Metrics
}

// Logger is a non-blocking audit trail. Log never waits on a sink; records
// that do not fit in the buffer are shed and counted.
type Logger struct {
	sink Sink
	opts Options
	ch   chan types.AuditRecord

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewLogger(sink Sink, opts Options) *Logger {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Logger{
		sink: sink,
		opts: opts,
		ch:   make(chan types.AuditRecord, opts.BufferSize),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (l *Logger) Start() {
	l.wg.Add(1)
	go l.worker()
}

// Stop stops accepting records and waits for the buffer to be flushed.
func (l *Logger) Stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.ch)
	l.mu.Unlock()

	l.wg.Wait()
}

// Log enqueues rec, filling in ID and Timestamp when unset.
func (l *Logger) Log(ctx context.Context, rec types.AuditRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	if rec.RequestID == "" {
		rec.RequestID = logger.GetRequestID(ctx)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		logger.Warn(ctx, "audit record dropped: logger is stopped", "audit_id", rec.ID, "type", rec.Type)
		l.opts.Metrics.ObserveAudit("shed", 1)
		return
	}

	select {
	case l.ch <- rec:
		l.opts.Metrics.SetAuditBufferDepth(len(l.ch))
	default:
		logger.Error(ctx, "audit buffer overflow", "audit_id", rec.ID, "type", rec.Type, "session_id", rec.SessionID)
		l.opts.Metrics.ObserveAudit("shed", 1)
	}
}

func (l *Logger) worker() {
	defer l.wg.Done()

	batch := make([]types.AuditRecord, 0, l.opts.BatchSize)
	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// the caller's context may already be gone
		ctx, cancel := context.WithTimeout(context.Background(), l.opts.WriteTimeout)
		err := l.sink.WriteBatch(ctx, batch)
		cancel()
		if err != nil {
			logger.Error(context.Background(), "audit flush failed", "records", len(batch), "error", err)
			l.opts.Metrics.ObserveAudit("failed", len(batch))
		} else {
			l.opts.Metrics.ObserveAudit("written", len(batch))
		}
		batch = make([]types.AuditRecord, 0, l.opts.BatchSize)
		l.opts.Metrics.SetAuditBufferDepth(len(l.ch))
	}

	for {
		select {
		case rec, ok := <-l.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= l.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
