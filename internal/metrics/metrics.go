// Package metrics holds the Prometheus collectors shared by the enforcement
// pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Decisions          *prometheus.CounterVec
	EvaluationDuration *prometheus.HistogramVec
	CacheLookups       *prometheus.CounterVec

	DelegationVerifications *prometheus.CounterVec

	SpendTotal      *prometheus.CounterVec
	BudgetRejected  prometheus.Counter
	RequestDuration *prometheus.HistogramVec
	ActiveSessions  prometheus.Gauge
	EventsDropped   prometheus.Counter

	LedgerRegistrations *prometheus.CounterVec
	LedgerQueueDepth    prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec

	AuditRecords     *prometheus.CounterVec
	AuditBufferDepth prometheus.Gauge
}

// New registers every collector with reg. A nil reg gets a private registry,
// which keeps tests from colliding on the global one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spendguard_enforcement_decisions_total",
			Help: "Enforcement decisions by action.",
		}, []string{"action"}),

		EvaluationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spendguard_policy_evaluation_duration_seconds",
			Help:    "Latency of per-type policy checks.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"policy_type"}),

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spendguard_evaluation_cache_lookups_total",
			Help: "Evaluation cache lookups by result (hit, miss).",
		}, []string{"result"}),

		DelegationVerifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spendguard_delegation_verifications_total",
			Help: "Delegation verifications by outcome.",
		}, []string{"valid"}),

		SpendTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spendguard_spend_atomic_units_total",
			Help: "Recorded spend in atomic currency units.",
		}, []string{"currency"}),

		BudgetRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "spendguard_budget_rejections_total",
			Help: "Requests rejected for insufficient session budget.",
		}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spendguard_session_request_duration_seconds",
			Help:    "End-to-end ExecuteRequest latency.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "spendguard_active_sessions",
			Help: "Sessions currently in the active state.",
		}),

		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "spendguard_runtime_events_dropped_total",
			Help: "Runtime events dropped because a subscriber was full.",
		}),

		LedgerRegistrations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spendguard_ledger_registrations_total",
			Help: "Ledger registrations by topic and status (ok, failed, shed).",
		}, []string{"topic", "status"}),

		LedgerQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "spendguard_ledger_queue_depth",
			Help: "Registrations waiting in the recorder queue.",
		}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spendguard_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),

		AuditRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spendguard_audit_records_total",
			Help: "Audit records by status (written, failed, shed).",
		}, []string{"status"}),

		AuditBufferDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "spendguard_audit_buffer_depth",
			Help: "Audit records waiting to be flushed.",
		}),
	}
}

func (m *Metrics) ObserveDecision(action string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveEvaluation(policyType string, seconds float64) {
	if m == nil {
		return
	}
	m.EvaluationDuration.WithLabelValues(policyType).Observe(seconds)
}

func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
	} else {
		m.CacheLookups.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) ObserveDelegation(valid bool) {
	if m == nil {
		return
	}
	if valid {
		m.DelegationVerifications.WithLabelValues("true").Inc()
	} else {
		m.DelegationVerifications.WithLabelValues("false").Inc()
	}
}

// AddSpend adds amount to the spend counter. Amounts beyond float64 precision
// are approximated; the ledger of record is the metering store.
func (m *Metrics) AddSpend(currency string, amount float64) {
	if m == nil {
		return
	}
	m.SpendTotal.WithLabelValues(currency).Add(amount)
}

func (m *Metrics) IncBudgetRejected() {
	if m == nil {
		return
	}
	m.BudgetRejected.Inc()
}

func (m *Metrics) ObserveRequest(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) AddActiveSessions(delta float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(delta)
}

func (m *Metrics) IncEventsDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *Metrics) ObserveLedger(topic, status string) {
	if m == nil {
		return
	}
	m.LedgerRegistrations.WithLabelValues(topic, status).Inc()
}

func (m *Metrics) SetLedgerQueueDepth(n int) {
	if m == nil {
		return
	}
	m.LedgerQueueDepth.Set(float64(n))
}

func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

func (m *Metrics) ObserveAudit(status string, n int) {
	if m == nil {
		return
	}
	m.AuditRecords.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) SetAuditBufferDepth(n int) {
	if m == nil {
		return
	}
	m.AuditBufferDepth.Set(float64(n))
}
