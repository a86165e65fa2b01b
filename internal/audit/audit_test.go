package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/spendguard/internal/logger"
	"github.com/better-wallet/spendguard/internal/metrics"
	"github.com/better-wallet/spendguard/pkg/types"
)

func TestLogger_FlushesOnStop(t *testing.T) {
	sink := NewMemorySink()
	l := NewLogger(sink, Options{BatchSize: 100, FlushInterval: time.Hour})
	l.Start()

	ctx := logger.WithRequestID(context.Background(), "req-1")
	for i := 0; i < 5; i++ {
		l.Log(ctx, types.AuditRecord{Type: types.AuditPaymentProcessed, SessionID: "s1"})
	}
	l.Stop()

	records := sink.Records()
	require.Len(t, records, 5)
	for _, r := range records {
		assert.NotEmpty(t, r.ID)
		assert.False(t, r.Timestamp.IsZero())
		assert.Equal(t, "req-1", r.RequestID)
	}
	assert.Equal(t, 1, sink.Batches())
}

func TestLogger_BatchesBySize(t *testing.T) {
	sink := NewMemorySink()
	l := NewLogger(sink, Options{BatchSize: 3, FlushInterval: time.Hour})
	l.Start()

	for i := 0; i < 7; i++ {
		l.Log(context.Background(), types.AuditRecord{Type: types.AuditPaymentDenied})
	}
	l.Stop()

	assert.Len(t, sink.Records(), 7)
	assert.Equal(t, 3, sink.Batches())
}

func TestLogger_FlushesOnInterval(t *testing.T) {
	sink := NewMemorySink()
	l := NewLogger(sink, Options{BatchSize: 100, FlushInterval: 10 * time.Millisecond})
	l.Start()
	defer l.Stop()

	l.Log(context.Background(), types.AuditRecord{Type: types.AuditPolicyCreated})

	assert.Eventually(t, func() bool { return len(sink.Records()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestLogger_ShedsWhenFullOrStopped(t *testing.T) {
	m := metrics.New(nil)
	sink := NewMemorySink()
	l := NewLogger(sink, Options{BufferSize: 2, Metrics: m})

	// worker not started yet
	for i := 0; i < 4; i++ {
		l.Log(context.Background(), types.AuditRecord{Type: types.AuditRequestExecuted})
	}
	assert.Equal(t, float64(2), testutil.ToFloat64(m.AuditRecords.WithLabelValues("shed")))

	l.Start()
	l.Stop()
	l.Stop()

	l.Log(context.Background(), types.AuditRecord{Type: types.AuditRequestExecuted})
	assert.Len(t, sink.Records(), 2)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.AuditRecords.WithLabelValues("shed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.AuditRecords.WithLabelValues("written")))
}

func TestLogger_ConcurrentLog(t *testing.T) {
	sink := NewMemorySink()
	l := NewLogger(sink, Options{BatchSize: 10, FlushInterval: time.Millisecond})
	l.Start()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Log(context.Background(), types.AuditRecord{Type: types.AuditPaymentProcessed})
			}
		}()
	}
	wg.Wait()
	l.Stop()

	assert.Len(t, sink.Records(), 400)
}

type failingSink struct{}

func (failingSink) WriteBatch(context.Context, []types.AuditRecord) error {
	return errors.New("disk full")
}

// stuckSink blocks every write until its context ends.
type stuckSink struct {
	deadlines chan bool
}

func (s stuckSink) WriteBatch(ctx context.Context, _ []types.AuditRecord) error {
	_, ok := ctx.Deadline()
	s.deadlines <- ok
	<-ctx.Done()
	return ctx.Err()
}

func TestLogger_WriteTimeout(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		within  time.Duration
	}{
		{name: "short", timeout: 20 * time.Millisecond, within: 2 * time.Second},
		{name: "longer", timeout: 100 * time.Millisecond, within: 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := stuckSink{deadlines: make(chan bool, 1)}
			m := metrics.New(prometheus.NewRegistry())
			l := NewLogger(sink, Options{BatchSize: 10, FlushInterval: time.Hour, WriteTimeout: tt.timeout, Metrics: m})
			l.Start()
			l.Log(context.Background(), types.AuditRecord{Type: types.AuditPaymentProcessed})

			stopped := make(chan struct{})
			go func() {
				l.Stop()
				close(stopped)
			}()

			select {
			case <-stopped:
			case <-time.After(tt.within):
				t.Fatal("Stop blocked on a stuck sink")
			}
			assert.True(t, <-sink.deadlines, "sink write carries a deadline")
			assert.Equal(t, float64(1), testutil.ToFloat64(m.AuditRecords.WithLabelValues("failed")))
		})
	}
}

func TestNewLogger_DefaultWriteTimeout(t *testing.T) {
	l := NewLogger(NewMemorySink(), Options{})
	assert.Equal(t, 5*time.Second, l.opts.WriteTimeout)
}

func TestMultiSink(t *testing.T) {
	mem := NewMemorySink()
	multi := MultiSink{failingSink{}, mem}

	err := multi.WriteBatch(context.Background(), []types.AuditRecord{{ID: "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, mem.Records(), 1, "later sinks still receive the batch")

	assert.NoError(t, MultiSink{mem}.WriteBatch(context.Background(), nil))
}

func TestSlogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSlogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, sink.WriteBatch(context.Background(), []types.AuditRecord{{
		ID:        "a1",
		Type:      types.AuditPaymentDenied,
		SessionID: "s1",
		Reason:    "Amount exceeds maximum allowed",
	}}))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "audit", line["component"])
	assert.Equal(t, "a1", line["audit_id"])
	assert.Equal(t, string(types.AuditPaymentDenied), line["type"])
	assert.Equal(t, "Amount exceeds maximum allowed", line["reason"])
}

type stubRecorder struct {
	accept  bool
	topics  []string
	payload [][]byte
}

func (s *stubRecorder) Record(topic string, payload []byte) bool {
	s.topics = append(s.topics, topic)
	s.payload = append(s.payload, payload)
	return s.accept
}

func TestLedgerSink(t *testing.T) {
	rec := &stubRecorder{accept: true}
	sink := NewLedgerSink(rec)

	require.NoError(t, sink.WriteBatch(context.Background(), []types.AuditRecord{{ID: "a"}, {ID: "b"}}))
	assert.Equal(t, []string{types.TopicAudit, types.TopicAudit}, rec.topics)

	var got types.AuditRecord
	require.NoError(t, json.Unmarshal(rec.payload[1], &got))
	assert.Equal(t, "b", got.ID)

	rec.accept = false
	err := sink.WriteBatch(context.Background(), []types.AuditRecord{{ID: "c"}})
	assert.Error(t, err)
}
