package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// PolicyType identifies which rule family a policy belongs to.
type PolicyType string

const (
	PolicyTypeSpendingLimit PolicyType = "spending_limit"
	PolicyTypeRateLimit     PolicyType = "rate_limit"
	PolicyTypeAccessControl PolicyType = "access_control"
	PolicyTypeTimeBased     PolicyType = "time_based"
)

// AllPolicyTypes returns every policy type in enforcement priority order.
func AllPolicyTypes() []PolicyType {
	return []PolicyType{
		PolicyTypeTimeBased,
		PolicyTypeAccessControl,
		PolicyTypeRateLimit,
		PolicyTypeSpendingLimit,
	}
}

// IsValidPolicyType reports whether t is a known policy type.
func IsValidPolicyType(t PolicyType) bool {
	for _, known := range AllPolicyTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// PolicyStatus is the lifecycle state of a policy.
type PolicyStatus string

const (
	PolicyStatusActive  PolicyStatus = "active"
	PolicyStatusPaused  PolicyStatus = "paused"
	PolicyStatusRevoked PolicyStatus = "revoked"
	PolicyStatusExpired PolicyStatus = "expired"
)

// TimeWindow is the accounting period of a spending limit.
type TimeWindow string

const (
	TimeWindowDaily   TimeWindow = "daily"
	TimeWindowWeekly  TimeWindow = "weekly"
	TimeWindowMonthly TimeWindow = "monthly"
	TimeWindowCustom  TimeWindow = "custom"
)

// PolicyConfig is the type-specific body of a policy. The set of
// implementations is closed: only the config structs in this package
// satisfy it.
type PolicyConfig interface {
	PolicyType() PolicyType
	isPolicyConfig()
}

// SpendingLimitConfig caps the amount a single request may spend.
// Amounts are decimal strings in atomic currency units.
type SpendingLimitConfig struct {
	MaxAmount           string     `json:"max_amount"`
	Currency            string     `json:"currency,omitempty"`
	TimeWindow          TimeWindow `json:"time_window"`
	CustomWindowHours   int        `json:"custom_window_hours,omitempty"`
	PerTransactionLimit string     `json:"per_transaction_limit,omitempty"`
	AllowedEndpoints    []string   `json:"allowed_endpoints,omitempty"`
	BlockedEndpoints    []string   `json:"blocked_endpoints,omitempty"`
}

// RateLimitConfig caps request counts per fixed window. Zero disables a window.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute,omitempty"`
	RequestsPerHour   int `json:"requests_per_hour,omitempty"`
	RequestsPerDay    int `json:"requests_per_day,omitempty"`
	BurstLimit        int `json:"burst_limit,omitempty"`
}

// AccessControlConfig restricts who may call through the agent.
type AccessControlConfig struct {
	AllowedOrigins        []string `json:"allowed_origins,omitempty"`
	AllowedUserAgents     []string `json:"allowed_user_agents,omitempty"`
	IPRanges              []string `json:"ip_ranges,omitempty"`
	RequireAuthentication bool     `json:"require_authentication,omitempty"`
	AuthenticationHeader  string   `json:"authentication_header,omitempty"`
}

// HourRange is an inclusive range of hours of the day (0-23).
type HourRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// TimeBasedConfig restricts when requests may be made.
type TimeBasedConfig struct {
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	AllowedDays  []int      `json:"allowed_days,omitempty"` // 0 = Sunday
	AllowedHours *HourRange `json:"allowed_hours,omitempty"`
	Timezone     string     `json:"timezone,omitempty"`
}

func (*SpendingLimitConfig) PolicyType() PolicyType { return PolicyTypeSpendingLimit }
func (*RateLimitConfig) PolicyType() PolicyType     { return PolicyTypeRateLimit }
func (*AccessControlConfig) PolicyType() PolicyType { return PolicyTypeAccessControl }
func (*TimeBasedConfig) PolicyType() PolicyType     { return PolicyTypeTimeBased }

func (*SpendingLimitConfig) isPolicyConfig() {}
func (*RateLimitConfig) isPolicyConfig()     {}
func (*AccessControlConfig) isPolicyConfig() {}
func (*TimeBasedConfig) isPolicyConfig()     {}

// Policy is a rule attached to a (user, agent) pair. Empty UserID or AgentID
// matches any user or agent.
type Policy struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Type      PolicyType   `json:"type"`
	Config    PolicyConfig `json:"config"`
	Status    PolicyStatus `json:"status"`
	UserID    string       `json:"user_id,omitempty"`
	AgentID   string       `json:"agent_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
	CreatedBy string       `json:"created_by"`
	Tags      []string     `json:"tags,omitempty"`
}

// Usable reports whether the policy may take part in a decision at now.
func (p *Policy) Usable(now time.Time) bool {
	if p.Status != PolicyStatusActive {
		return false
	}
	return p.ExpiresAt == nil || now.Before(*p.ExpiresAt)
}

// AppliesTo reports whether the policy is attached to the given pair.
func (p *Policy) AppliesTo(userID, agentID string) bool {
	if p.UserID != "" && p.UserID != userID {
		return false
	}
	if p.AgentID != "" && p.AgentID != agentID {
		return false
	}
	return true
}

// Clone returns a deep enough copy for store isolation. Config values are
// treated as immutable once stored, so they are shared.
func (p *Policy) Clone() *Policy {
	cp := *p
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		cp.ExpiresAt = &t
	}
	cp.Tags = append([]string(nil), p.Tags...)
	return &cp
}

type policyJSON struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      PolicyType      `json:"type"`
	Config    json.RawMessage `json:"config"`
	Status    PolicyStatus    `json:"status"`
	UserID    string          `json:"user_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	CreatedBy string          `json:"created_by"`
	Tags      []string        `json:"tags,omitempty"`
}

// UnmarshalJSON decodes the config variant selected by the type tag.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var raw policyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cfg, err := DecodePolicyConfig(raw.Type, raw.Config)
	if err != nil {
		return err
	}
	*p = Policy{
		ID:        raw.ID,
		Name:      raw.Name,
		Type:      raw.Type,
		Config:    cfg,
		Status:    raw.Status,
		UserID:    raw.UserID,
		AgentID:   raw.AgentID,
		CreatedAt: raw.CreatedAt,
		UpdatedAt: raw.UpdatedAt,
		ExpiresAt: raw.ExpiresAt,
		CreatedBy: raw.CreatedBy,
		Tags:      raw.Tags,
	}
	return nil
}

// DecodePolicyConfig decodes raw JSON into the config struct for t.
func DecodePolicyConfig(t PolicyType, raw json.RawMessage) (PolicyConfig, error) {
	var cfg PolicyConfig
	switch t {
	case PolicyTypeSpendingLimit:
		cfg = &SpendingLimitConfig{}
	case PolicyTypeRateLimit:
		cfg = &RateLimitConfig{}
	case PolicyTypeAccessControl:
		cfg = &AccessControlConfig{}
	case PolicyTypeTimeBased:
		cfg = &TimeBasedConfig{}
	default:
		return nil, fmt.Errorf("unknown policy type %q", t)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("config is required for policy type %q", t)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", t, err)
	}
	return cfg, nil
}

// PolicyUsageStats tracks running totals for a single policy.
type PolicyUsageStats struct {
	PolicyID                  string     `json:"policy_id"`
	TotalSpent                string     `json:"total_spent"`
	TotalTransactions         int64      `json:"total_transactions"`
	CurrentPeriodSpent        string     `json:"current_period_spent"`
	CurrentPeriodTransactions int64      `json:"current_period_transactions"`
	PeriodStart               time.Time  `json:"period_start"`
	LastUsed                  *time.Time `json:"last_used,omitempty"`
	Violations                int64      `json:"violations"`
}

// ViolationType classifies why a policy denied an action.
type ViolationType string

const (
	ViolationSpendingLimit       ViolationType = "spending_limit"
	ViolationPerTransactionLimit ViolationType = "per_transaction_limit"
	ViolationEndpointBlocked     ViolationType = "endpoint_blocked"
	ViolationRateLimit           ViolationType = "rate_limit"
	ViolationAccessDenied        ViolationType = "access_denied"
	ViolationTimeRestriction     ViolationType = "time_restriction"
	ViolationPolicyInactive      ViolationType = "policy_inactive"
	ViolationEvaluationError     ViolationType = "evaluation_error"
	ViolationDelegationInvalid   ViolationType = "delegation_invalid"
	ViolationBudgetExceeded      ViolationType = "budget_exceeded"
)

// Severity ranks violations for operators.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Violation is a structured denial detail.
type Violation struct {
	Type      ViolationType `json:"type"`
	Severity  Severity      `json:"severity"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable"`
}

// PolicyEvaluationResult is the outcome of evaluating one policy.
type PolicyEvaluationResult struct {
	Allowed           bool        `json:"allowed"`
	Reason            string      `json:"reason,omitempty"`
	RemainingAmount   *string     `json:"remaining_amount,omitempty"`
	RemainingRequests *int        `json:"remaining_requests,omitempty"`
	ResetTime         *time.Time  `json:"reset_time,omitempty"`
	Violations        []Violation `json:"violations,omitempty"`
}

// HasViolation reports whether the result carries a violation of type t.
func (r PolicyEvaluationResult) HasViolation(t ViolationType) bool {
	for _, v := range r.Violations {
		if v.Type == t {
			return true
		}
	}
	return false
}

// RateUsage is the number of requests already admitted in the current
// minute, hour and day windows of a rate-limit policy.
type RateUsage struct {
	Minute int64 `json:"minute"`
	Hour   int64 `json:"hour"`
	Day    int64 `json:"day"`
}
