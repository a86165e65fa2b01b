package types

import (
	"math/big"
	"time"
)

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "active"
	SessionStatusPaused     SessionStatus = "paused"
	SessionStatusExpired    SessionStatus = "expired"
	SessionStatusTerminated SessionStatus = "terminated"
)

// PolicyViolation is a denial recorded against a session.
type PolicyViolation struct {
	RequestID string        `json:"request_id"`
	PolicyID  string        `json:"policy_id,omitempty"`
	Type      ViolationType `json:"type"`
	Reason    string        `json:"reason"`
	Timestamp time.Time     `json:"timestamp"`
}

// Session is one agent's bounded run of metered requests.
type Session struct {
	SessionID        string            `json:"session_id"`
	AgentID          string            `json:"agent_id"`
	DelegatorID      string            `json:"delegator_id"`
	DelegationID     string            `json:"delegation_id,omitempty"`
	Status           SessionStatus     `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	LastActivityAt   time.Time         `json:"last_activity_at"`
	ExpiresAt        *time.Time        `json:"expires_at,omitempty"`
	Currency         string            `json:"currency"`
	MaxBudget        *big.Int          `json:"max_budget"`
	TotalSpent       *big.Int          `json:"total_spent"`
	RemainingBudget  *big.Int          `json:"remaining_budget"`
	RequestCount     int64             `json:"request_count"`
	PolicyViolations []PolicyViolation `json:"policy_violations,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	cp := *s
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		cp.ExpiresAt = &t
	}
	cp.MaxBudget = CloneAmount(s.MaxBudget)
	cp.TotalSpent = CloneAmount(s.TotalSpent)
	cp.RemainingBudget = CloneAmount(s.RemainingBudget)
	cp.PolicyViolations = append([]PolicyViolation(nil), s.PolicyViolations...)
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// SpendingRecord is an immutable ledger entry for one metered request.
type SpendingRecord struct {
	RecordID  string    `json:"record_id"`
	SessionID string    `json:"session_id"`
	RequestID string    `json:"request_id"`
	Amount    *big.Int  `json:"amount"`
	Currency  string    `json:"currency"`
	Timestamp time.Time `json:"timestamp"`
	Endpoint  string    `json:"endpoint"`
	Method    string    `json:"method"`
	Success   bool      `json:"success"`
}

// RequestContext describes one proposed outgoing request.
type RequestContext struct {
	RequestID    string            `json:"request_id"`
	UserID       string            `json:"user_id,omitempty"`
	AgentID      string            `json:"agent_id,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	DelegationID string            `json:"delegation_id,omitempty"`
	PolicyID     string            `json:"policy_id,omitempty"`
	Endpoint     string            `json:"endpoint"`
	Method       string            `json:"method"`
	Amount       *big.Int          `json:"amount,omitempty"`
	Currency     string            `json:"currency,omitempty"`
	Action       string            `json:"action,omitempty"`
	Network      string            `json:"network,omitempty"`
	Origin       string            `json:"origin,omitempty"`
	UserAgent    string            `json:"user_agent,omitempty"`
	IPAddress    string            `json:"ip_address,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         []byte            `json:"-"`
	Timestamp    time.Time         `json:"timestamp"`
}

// AmountOrZero returns the request amount, treating nil as zero.
func (r *RequestContext) AmountOrZero() *big.Int {
	if r.Amount == nil {
		return new(big.Int)
	}
	return r.Amount
}

// FetchResponse is what the payment fetcher returned for an executed request.
type FetchResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
}

// RequestResult is the outcome of ExecuteRequest.
type RequestResult struct {
	Success     bool               `json:"success"`
	RequestID   string             `json:"request_id"`
	SessionID   string             `json:"session_id"`
	Cost        *big.Int           `json:"cost,omitempty"`
	Response    *FetchResponse     `json:"response,omitempty"`
	Error       string             `json:"error,omitempty"`
	Enforcement *EnforcementResult `json:"enforcement,omitempty"`
	Duration    time.Duration      `json:"duration"`
}

// RuntimeEventType names a session lifecycle notification.
type RuntimeEventType string

const (
	EventSessionStarted  RuntimeEventType = "session_started"
	EventSessionPaused   RuntimeEventType = "session_paused"
	EventSessionEnded    RuntimeEventType = "session_ended"
	EventSessionExpired  RuntimeEventType = "session_expired"
	EventRequestExecuted RuntimeEventType = "request_executed"
	EventRequestDenied   RuntimeEventType = "request_denied"
	EventBudgetExceeded  RuntimeEventType = "budget_exceeded"
)

// RuntimeEvent is published by the session manager to subscribers.
type RuntimeEvent struct {
	Type      RuntimeEventType  `json:"type"`
	SessionID string            `json:"session_id"`
	AgentID   string            `json:"agent_id"`
	RequestID string            `json:"request_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data,omitempty"`
}

// CostBreakdown aggregates spend for one endpoint and method.
type CostBreakdown struct {
	Endpoint     string   `json:"endpoint"`
	Method       string   `json:"method"`
	RequestCount int64    `json:"request_count"`
	TotalCost    *big.Int `json:"total_cost"`
}

// MeteringData summarises a session's spend.
type MeteringData struct {
	SessionID       string          `json:"session_id"`
	Currency        string          `json:"currency"`
	InitialBudget   *big.Int        `json:"initial_budget"`
	TotalSpent      *big.Int        `json:"total_spent"`
	RemainingBudget *big.Int        `json:"remaining_budget"`
	RequestCount    int64           `json:"request_count"`
	AverageCost     *big.Int        `json:"average_cost"`
	CostBreakdown   []CostBreakdown `json:"cost_breakdown"`
}
