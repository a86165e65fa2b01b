package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/spendguard/internal/metrics"
)

func fastOptions(m *metrics.Metrics) RecorderOptions {
	return RecorderOptions{
		BufferSize:  16,
		Workers:     1,
		MaxAttempts: 5,
		Timeout:     time.Second,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Metrics:     m,
	}
}

func TestMemoryLedger(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	r1, err := l.RegisterRecord(ctx, "policies", []byte("a"))
	require.NoError(t, err)
	r2, err := l.RegisterRecord(ctx, "audit", []byte("b"))
	require.NoError(t, err)
	assert.NotEqual(t, r1.TransactionID, r2.TransactionID)

	assert.Len(t, l.Entries(""), 2)
	require.Len(t, l.Entries("audit"), 1)
	assert.Equal(t, []byte("b"), l.Entries("audit")[0].Payload)

	l.FailNext(1)
	_, err = l.RegisterRecord(ctx, "audit", nil)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, l.Calls())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = l.RegisterRecord(cancelled, "audit", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecorder_RetriesUntilRegistered(t *testing.T) {
	l := NewMemoryLedger()
	l.FailNext(3)
	m := metrics.New(nil)

	rec := NewRecorder(l, fastOptions(m))
	rec.Start()

	var got Receipt
	var wg sync.WaitGroup
	wg.Add(1)
	require.True(t, rec.RecordThen("delegations", []byte(`{"id":"d1"}`), func(r Receipt) {
		got = r
		wg.Done()
	}))
	wg.Wait()

	require.NoError(t, rec.Stop(context.Background()))

	assert.Equal(t, 4, l.Calls())
	assert.NotEmpty(t, got.TransactionID)
	assert.Len(t, l.Entries("delegations"), 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LedgerRegistrations.WithLabelValues("delegations", "ok")))
}

func TestRecorder_GivesUpAfterMaxAttempts(t *testing.T) {
	l := NewMemoryLedger()
	l.FailNext(100)
	m := metrics.New(nil)

	rec := NewRecorder(l, fastOptions(m))
	rec.Start()
	require.True(t, rec.Record("policies", []byte("p")))
	require.NoError(t, rec.Stop(context.Background()))

	assert.Equal(t, 5, l.Calls())
	assert.Empty(t, l.Entries(""))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LedgerRegistrations.WithLabelValues("policies", "failed")))
}

type statusLedger struct {
	calls atomic.Int32
	code  int
}

func (s *statusLedger) RegisterRecord(context.Context, string, []byte) (Receipt, error) {
	s.calls.Add(1)
	return Receipt{}, &StatusError{Code: s.code}
}

func TestRecorder_PermanentErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		code      int
		wantCalls int32
	}{
		{http.StatusBadRequest, 1},
		{http.StatusTooManyRequests, 5},
		{http.StatusBadGateway, 5},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			l := &statusLedger{code: tt.code}
			rec := NewRecorder(l, fastOptions(nil))
			rec.Start()
			rec.Record("audit", nil)
			require.NoError(t, rec.Stop(context.Background()))
			assert.Equal(t, tt.wantCalls, l.calls.Load())
		})
	}
}

func TestRecorder_ShedsWhenFull(t *testing.T) {
	m := metrics.New(nil)
	opts := fastOptions(m)
	opts.BufferSize = 1
	rec := NewRecorder(NewMemoryLedger(), opts)

	// workers not started, so the queue stays full
	assert.True(t, rec.Record("audit", []byte("1")))
	assert.False(t, rec.Record("audit", []byte("2")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LedgerRegistrations.WithLabelValues("audit", "shed")))

	rec.Start()
	require.NoError(t, rec.Stop(context.Background()))
	assert.False(t, rec.Record("audit", []byte("3")), "stopped recorder must shed")
}

func TestRecorder_StopDrainsQueue(t *testing.T) {
	l := NewMemoryLedger()
	rec := NewRecorder(l, fastOptions(nil))

	for i := 0; i < 10; i++ {
		require.True(t, rec.Record("audit", []byte{byte(i)}))
	}
	rec.Start()
	require.NoError(t, rec.Stop(context.Background()))
	assert.Len(t, l.Entries("audit"), 10)
}

func TestHTTPLedger_RegisterRecord(t *testing.T) {
	var gotAuth string
	var gotReq registerRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(Receipt{TransactionID: "0.0.42", ConsensusTimestamp: time.Unix(1700000000, 0).UTC()})
	}))
	defer srv.Close()

	l := NewHTTPLedger(HTTPConfig{Endpoint: srv.URL, APIKey: "secret", Timeout: time.Second, RequestsPerSecond: 100}, nil)

	r, err := l.RegisterRecord(context.Background(), "policies", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.42", r.TransactionID)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "policies", gotReq.Topic)
	assert.JSONEq(t, `{"a":1}`, string(gotReq.Payload))
}

func TestHTTPLedger_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := metrics.New(nil)
	l := NewHTTPLedger(HTTPConfig{Endpoint: srv.URL, Timeout: time.Second}, m)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := l.RegisterRecord(ctx, "audit", nil)
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusInternalServerError, se.Code)
	}

	_, err := l.RegisterRecord(ctx, "audit", nil)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(6), hits.Load())
	assert.Equal(t, float64(gobreaker.StateOpen), testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("ledger")))
}

func TestHTTPLedger_ClientErrorsDoNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	l := NewHTTPLedger(HTTPConfig{Endpoint: srv.URL, Timeout: time.Second}, nil)
	for i := 0; i < 10; i++ {
		_, err := l.RegisterRecord(context.Background(), "audit", nil)
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.True(t, se.Permanent())
	}
}
