package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnavailable is returned by MemoryLedger while failures are injected.
var ErrUnavailable = errors.New("ledger unavailable")

// Entry is one record held by MemoryLedger.
type Entry struct {
	Topic   string
	Payload []byte
	Receipt Receipt
}

// MemoryLedger is an in-process append-only ledger for development and tests.
type MemoryLedger struct {
	mu       sync.Mutex
	entries  []Entry
	failures int
	calls    int
	now      func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{now: func() time.Time { return time.Now().UTC() }}
}

// FailNext makes the next n registrations fail with ErrUnavailable.
func (l *MemoryLedger) FailNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = n
}

func (l *MemoryLedger) RegisterRecord(ctx context.Context, topic string, payload []byte) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.failures > 0 {
		l.failures--
		return Receipt{}, ErrUnavailable
	}

	r := Receipt{
		TransactionID:      fmt.Sprintf("0.0.%d", len(l.entries)+1),
		ConsensusTimestamp: l.now(),
	}
	l.entries = append(l.entries, Entry{
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
		Receipt: r,
	})
	return r, nil
}

// Entries returns the records registered under topic, or all when empty.
func (l *MemoryLedger) Entries(topic string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if topic == "" || e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

// Calls counts every RegisterRecord attempt, failed ones included.
func (l *MemoryLedger) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}
