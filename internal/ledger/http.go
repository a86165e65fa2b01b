package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/better-wallet/spendguard/internal/logger"
	"github.com/better-wallet/spendguard/internal/metrics"
)

// StatusError is a non-2xx answer from the relay.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ledger relay returned %d: %s", e.Code, e.Body)
}

// Permanent reports whether retrying cannot help.
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusTooManyRequests
}

// HTTPConfig configures HTTPLedger.
type HTTPConfig struct {
	Endpoint          string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// HTTPLedger posts records as JSON to a registry relay, paced by a token
// bucket and guarded by a circuit breaker.
type HTTPLedger struct {
	endpoint string
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
	cb       *gobreaker.CircuitBreaker
}

func NewHTTPLedger(cfg HTTPConfig, m *metrics.Metrics) *HTTPLedger {
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ledger",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			// client errors say nothing about relay health
			var se *StatusError
			return err == nil || (errors.As(err, &se) && se.Permanent())
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), "circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			m.SetBreakerState(name, float64(to))
		},
	})

	return &HTTPLedger{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(limit, burst),
		cb:       cb,
	}
}

type registerRequest struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}

func (l *HTTPLedger) RegisterRecord(ctx context.Context, topic string, payload []byte) (Receipt, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return Receipt{}, fmt.Errorf("ledger rate limit wait: %w", err)
	}

	res, err := l.cb.Execute(func() (interface{}, error) {
		return l.post(ctx, topic, payload)
	})
	if err != nil {
		return Receipt{}, err
	}
	return res.(Receipt), nil
}

func (l *HTTPLedger) post(ctx context.Context, topic string, payload []byte) (Receipt, error) {
	body, err := json.Marshal(registerRequest{Topic: topic, Payload: payload})
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal ledger request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("build ledger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if l.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.apiKey)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("ledger request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Receipt{}, fmt.Errorf("read ledger response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Receipt{}, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}

	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return Receipt{}, fmt.Errorf("decode ledger receipt: %w", err)
	}
	if r.TransactionID == "" {
		return Receipt{}, fmt.Errorf("ledger receipt missing transaction_id")
	}
	return r, nil
}
