package types

import "time"

// EnforcementAction is the verdict handed back to callers.
type EnforcementAction string

const (
	ActionAllow     EnforcementAction = "allow"
	ActionDeny      EnforcementAction = "deny"
	ActionChallenge EnforcementAction = "challenge"
	ActionRateLimit EnforcementAction = "rate_limit"
)

// PolicyCheckResult ties an evaluation result to the policy that produced it.
type PolicyCheckResult struct {
	PolicyID   string                 `json:"policy_id"`
	PolicyName string                 `json:"policy_name,omitempty"`
	PolicyType PolicyType             `json:"policy_type"`
	Result     PolicyEvaluationResult `json:"result"`
	Cached     bool                   `json:"cached,omitempty"`
}

// EnforcementResult is the single decision for a proposed action. Build it
// with Allow or Deny so it is never half populated.
type EnforcementResult struct {
	Allowed              bool                `json:"allowed"`
	Action               EnforcementAction   `json:"action"`
	Reason               string              `json:"reason,omitempty"`
	PolicyResults        []PolicyCheckResult `json:"policy_results"`
	TotalRemainingAmount *string             `json:"total_remaining_amount,omitempty"`
	NextResetTime        *time.Time          `json:"next_reset_time,omitempty"`
}

// Allow builds an allowing result.
func Allow(results []PolicyCheckResult) EnforcementResult {
	if results == nil {
		results = []PolicyCheckResult{}
	}
	return EnforcementResult{
		Allowed:       true,
		Action:        ActionAllow,
		PolicyResults: results,
	}
}

// Deny builds a denying result. An empty reason is replaced so callers can
// always rely on Reason being set when Allowed is false.
func Deny(action EnforcementAction, reason string, results []PolicyCheckResult) EnforcementResult {
	if action == ActionAllow || action == "" {
		action = ActionDeny
	}
	if reason == "" {
		reason = "Denied by policy"
	}
	if results == nil {
		results = []PolicyCheckResult{}
	}
	return EnforcementResult{
		Allowed:       false,
		Action:        action,
		Reason:        reason,
		PolicyResults: results,
	}
}

// Violations flattens the violations of every policy result.
func (r EnforcementResult) Violations() []Violation {
	var out []Violation
	for _, pr := range r.PolicyResults {
		out = append(out, pr.Result.Violations...)
	}
	return out
}

// AuditRecordType names an audit trail entry.
type AuditRecordType string

const (
	AuditPaymentProcessed    AuditRecordType = "payment_processed"
	AuditPaymentDenied       AuditRecordType = "payment_denied"
	AuditPolicyCreated       AuditRecordType = "policy_created"
	AuditPolicyUpdated       AuditRecordType = "policy_updated"
	AuditPolicyRevoked       AuditRecordType = "policy_revoked"
	AuditDelegationCreated   AuditRecordType = "delegation_created"
	AuditDelegationActivated AuditRecordType = "delegation_activated"
	AuditDelegationRevoked   AuditRecordType = "delegation_revoked"
	AuditDelegationExpired   AuditRecordType = "delegation_expired"
	AuditRequestExecuted     AuditRecordType = "request_executed"
	AuditBudgetExceeded      AuditRecordType = "budget_exceeded"
)

// AuditRecord is one append-only audit trail entry.
type AuditRecord struct {
	ID            string              `json:"id"`
	Type          AuditRecordType     `json:"type"`
	SessionID     string              `json:"session_id,omitempty"`
	AgentID       string              `json:"agent_id,omitempty"`
	UserID        string              `json:"user_id,omitempty"`
	RequestID     string              `json:"request_id,omitempty"`
	ResourceID    string              `json:"resource_id,omitempty"`
	Endpoint      string              `json:"endpoint,omitempty"`
	Method        string              `json:"method,omitempty"`
	Amount        string              `json:"amount,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	PolicyResults []PolicyCheckResult `json:"policy_results,omitempty"`
	Metadata      map[string]string   `json:"metadata,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
}
