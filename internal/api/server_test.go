package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/spendguard/internal/config"
	"github.com/better-wallet/spendguard/internal/metrics"
	"github.com/better-wallet/spendguard/internal/middleware"
)

func newTestServer(checks map[string]Checker) (*Server, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	return NewServer(config.ServerConfig{Addr: ":0"}, reg, checks), m
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
}

func TestReady(t *testing.T) {
	tests := []struct {
		name     string
		checks   map[string]Checker
		wantCode int
		wantBody readiness
	}{
		{
			name:     "no checks",
			wantCode: http.StatusOK,
			wantBody: readiness{Status: "ok", Checks: map[string]string{}},
		},
		{
			name: "all healthy",
			checks: map[string]Checker{
				"postgres": func(context.Context) error { return nil },
				"redis":    func(context.Context) error { return nil },
			},
			wantCode: http.StatusOK,
			wantBody: readiness{Status: "ok", Checks: map[string]string{"postgres": "ok", "redis": "ok"}},
		},
		{
			name: "one failing",
			checks: map[string]Checker{
				"postgres": func(context.Context) error { return nil },
				"redis":    func(context.Context) error { return errors.New("dial tcp: refused") },
			},
			wantCode: http.StatusServiceUnavailable,
			wantBody: readiness{Status: "unavailable", Checks: map[string]string{"postgres": "ok", "redis": "dial tcp: refused"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(tt.checks)
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			var got readiness
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.wantBody.Status, got.Status)
			for k, v := range tt.wantBody.Checks {
				assert.Equal(t, v, got.Checks[k])
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, m := newTestServer(nil)
	m.ObserveDecision("allow")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "spendguard_"), "metrics are exposed")
}

func TestRequestIDIsPropagated(t *testing.T) {
	s, _ := newTestServer(nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(middleware.RequestIDHeader, "upstream-1")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "upstream-1", rec.Header().Get(middleware.RequestIDHeader))
}
