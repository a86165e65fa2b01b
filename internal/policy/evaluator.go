package policy

import (
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/better-wallet/spendguard/internal/validation"
	"github.com/better-wallet/spendguard/pkg/types"
)

// EvaluationContext is everything an evaluator may look at. RateUsage is
// filled by the caller from the window counters so evaluation stays pure.
type EvaluationContext struct {
	Request   *types.RequestContext
	Now       time.Time
	RateUsage types.RateUsage
}

// compiledEntry holds parsed config artefacts for one policy version.
type compiledEntry struct {
	updatedAt time.Time
	networks  []*net.IPNet
	location  *time.Location
}

// Evaluator maps (policy, context) to an allow/deny result.
// It is safe for concurrent use.
type Evaluator struct {
	// compiled maps policy ID to parsed IP ranges / timezone, invalidated by UpdatedAt
	compiled sync.Map // map[string]*compiledEntry
}

// NewEvaluator creates a new policy evaluator
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate checks policy usability and then dispatches on the config variant.
// Any malformed config yields a deny with an evaluation_error violation.
func (e *Evaluator) Evaluate(p *types.Policy, ec EvaluationContext) types.PolicyEvaluationResult {
	if p == nil {
		return evaluationError(fmt.Errorf("policy is nil"))
	}
	if ec.Request == nil {
		return evaluationError(fmt.Errorf("request context is nil"))
	}
	if ec.Now.IsZero() {
		ec.Now = time.Now()
	}

	if p.Status != types.PolicyStatusActive {
		return deny(fmt.Sprintf("Policy is %s", p.Status), types.ViolationPolicyInactive, false)
	}
	if p.ExpiresAt != nil && !ec.Now.Before(*p.ExpiresAt) {
		return deny("Policy has expired", types.ViolationPolicyInactive, false)
	}
	if p.Config == nil {
		return evaluationError(fmt.Errorf("config is missing"))
	}
	if p.Config.PolicyType() != p.Type {
		return evaluationError(fmt.Errorf("config is %s but policy type is %s", p.Config.PolicyType(), p.Type))
	}

	switch cfg := p.Config.(type) {
	case *types.SpendingLimitConfig:
		return e.evaluateSpendingLimit(cfg, ec)
	case *types.RateLimitConfig:
		return e.evaluateRateLimit(cfg, ec)
	case *types.AccessControlConfig:
		return e.evaluateAccessControl(p, cfg, ec)
	case *types.TimeBasedConfig:
		return e.evaluateTimeBased(p, cfg, ec)
	default:
		return evaluationError(fmt.Errorf("no evaluator for config %T", p.Config))
	}
}

func (e *Evaluator) evaluateSpendingLimit(cfg *types.SpendingLimitConfig, ec EvaluationContext) types.PolicyEvaluationResult {
	maxAmount, err := types.ParseAmount(cfg.MaxAmount)
	if err != nil {
		return evaluationError(fmt.Errorf("max_amount: %w", err))
	}
	var perTx *big.Int
	if cfg.PerTransactionLimit != "" {
		perTx, err = types.ParseAmount(cfg.PerTransactionLimit)
		if err != nil {
			return evaluationError(fmt.Errorf("per_transaction_limit: %w", err))
		}
	}
	resetTime, err := windowReset(cfg, ec.Now)
	if err != nil {
		return evaluationError(err)
	}

	amount := ec.Request.AmountOrZero()
	if amount.Sign() < 0 {
		return evaluationError(fmt.Errorf("request amount is negative"))
	}

	if perTx != nil && amount.Cmp(perTx) > 0 {
		return deny("Amount exceeds per-transaction limit", types.ViolationPerTransactionLimit, false)
	}
	if len(cfg.AllowedEndpoints) > 0 && !matchAnyEndpoint(cfg.AllowedEndpoints, ec.Request.Endpoint) {
		return deny("Endpoint not in allowed list", types.ViolationEndpointBlocked, false)
	}
	if matchAnyEndpoint(cfg.BlockedEndpoints, ec.Request.Endpoint) {
		return deny("Endpoint is blocked", types.ViolationEndpointBlocked, false)
	}
	if amount.Cmp(maxAmount) > 0 {
		return deny("Amount exceeds maximum allowed", types.ViolationSpendingLimit, false)
	}

	remaining := new(big.Int).Sub(maxAmount, amount).String()
	return types.PolicyEvaluationResult{
		Allowed:         true,
		RemainingAmount: &remaining,
		ResetTime:       &resetTime,
	}
}

// windowReset returns the end of the spending window containing now.
func windowReset(cfg *types.SpendingLimitConfig, now time.Time) (time.Time, error) {
	utc := now.UTC()
	switch cfg.TimeWindow {
	case types.TimeWindowDaily:
		return time.Date(utc.Year(), utc.Month(), utc.Day()+1, 0, 0, 0, 0, time.UTC), nil
	case types.TimeWindowWeekly:
		return utc.Add(7 * 24 * time.Hour), nil
	case types.TimeWindowMonthly:
		return time.Date(utc.Year(), utc.Month()+1, 1, 0, 0, 0, 0, time.UTC), nil
	case types.TimeWindowCustom:
		if cfg.CustomWindowHours <= 0 {
			return time.Time{}, fmt.Errorf("custom_window_hours must be positive")
		}
		return utc.Add(time.Duration(cfg.CustomWindowHours) * time.Hour), nil
	default:
		return time.Time{}, fmt.Errorf("unknown time_window %q", cfg.TimeWindow)
	}
}

// PeriodStart returns the start of the accounting period containing now,
// used to roll over usage stats. Policies without a window use UTC days.
func PeriodStart(cfg types.PolicyConfig, now time.Time, previous time.Time) time.Time {
	utc := now.UTC()
	day := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)

	sl, ok := cfg.(*types.SpendingLimitConfig)
	if !ok {
		return day
	}
	switch sl.TimeWindow {
	case types.TimeWindowWeekly:
		return rolling(previous, now, 7*24*time.Hour)
	case types.TimeWindowMonthly:
		return time.Date(utc.Year(), utc.Month(), 1, 0, 0, 0, 0, time.UTC)
	case types.TimeWindowCustom:
		if sl.CustomWindowHours > 0 {
			return rolling(previous, now, time.Duration(sl.CustomWindowHours)*time.Hour)
		}
	}
	return day
}

// rolling keeps previous as the period start until length has elapsed.
func rolling(previous, now time.Time, length time.Duration) time.Time {
	if previous.IsZero() || !now.Before(previous.Add(length)) {
		return now.UTC()
	}
	return previous
}

func (e *Evaluator) evaluateRateLimit(cfg *types.RateLimitConfig, ec EvaluationContext) types.PolicyEvaluationResult {
	if cfg.RequestsPerMinute < 0 || cfg.RequestsPerHour < 0 || cfg.RequestsPerDay < 0 {
		return evaluationError(fmt.Errorf("rate limits cannot be negative"))
	}
	if cfg.RequestsPerMinute == 0 && cfg.RequestsPerHour == 0 && cfg.RequestsPerDay == 0 {
		return evaluationError(fmt.Errorf("no rate limit configured"))
	}

	now := ec.Now.UTC()
	checks := []struct {
		ceiling int
		usage   int64
		unit    string
		reset   time.Time
	}{
		{cfg.RequestsPerMinute, ec.RateUsage.Minute, "minute", now.Truncate(time.Minute).Add(time.Minute)},
		{cfg.RequestsPerHour, ec.RateUsage.Hour, "hour", now.Truncate(time.Hour).Add(time.Hour)},
		{cfg.RequestsPerDay, ec.RateUsage.Day, "day", time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)},
	}

	remaining := -1
	for _, c := range checks {
		if c.ceiling == 0 {
			continue
		}
		if c.usage >= int64(c.ceiling) {
			res := deny(fmt.Sprintf("Rate limit exceeded: %d requests per %s", c.ceiling, c.unit), types.ViolationRateLimit, true)
			zero := 0
			reset := c.reset
			res.RemainingRequests = &zero
			res.ResetTime = &reset
			return res
		}
		left := c.ceiling - int(c.usage)
		// the minute window wins when configured, otherwise the tightest one
		if remaining < 0 || (c.unit != "minute" && cfg.RequestsPerMinute == 0 && left < remaining) {
			remaining = left
		}
	}

	reset := checks[0].reset
	return types.PolicyEvaluationResult{
		Allowed:           true,
		RemainingRequests: &remaining,
		ResetTime:         &reset,
	}
}

func (e *Evaluator) evaluateAccessControl(p *types.Policy, cfg *types.AccessControlConfig, ec EvaluationContext) types.PolicyEvaluationResult {
	compiled, err := e.compile(p)
	if err != nil {
		return evaluationError(err)
	}
	req := ec.Request

	if len(cfg.AllowedOrigins) > 0 && !originAllowed(cfg.AllowedOrigins, req.Origin) {
		return deny("Origin not allowed", types.ViolationAccessDenied, false)
	}
	if len(cfg.AllowedUserAgents) > 0 && !userAgentAllowed(cfg.AllowedUserAgents, req.UserAgent) {
		return deny("User agent not allowed", types.ViolationAccessDenied, false)
	}
	if len(compiled.networks) > 0 {
		ip := net.ParseIP(strings.TrimSpace(req.IPAddress))
		if ip == nil || !containsIP(compiled.networks, ip) {
			return deny("IP address not in allowed ranges", types.ViolationAccessDenied, false)
		}
	}
	if cfg.RequireAuthentication {
		header := cfg.AuthenticationHeader
		if header == "" {
			header = types.DefaultAuthenticationHeader
		}
		if strings.TrimSpace(headerValue(req.Headers, header)) == "" {
			return deny("Missing required authentication header", types.ViolationAccessDenied, false)
		}
	}

	return types.PolicyEvaluationResult{Allowed: true}
}

func (e *Evaluator) evaluateTimeBased(p *types.Policy, cfg *types.TimeBasedConfig, ec EvaluationContext) types.PolicyEvaluationResult {
	compiled, err := e.compile(p)
	if err != nil {
		return evaluationError(err)
	}
	if h := cfg.AllowedHours; h != nil && (h.Start < 0 || h.Start > 23 || h.End < 0 || h.End > 23) {
		return evaluationError(fmt.Errorf("allowed_hours must be between 0 and 23"))
	}
	for _, d := range cfg.AllowedDays {
		if d < 0 || d > 6 {
			return evaluationError(fmt.Errorf("allowed_days must be between 0 and 6, got %d", d))
		}
	}

	now := ec.Now
	if cfg.StartTime != nil && now.Before(*cfg.StartTime) {
		return deny("Outside allowed time range", types.ViolationTimeRestriction, true)
	}
	if cfg.EndTime != nil && now.After(*cfg.EndTime) {
		return deny("Outside allowed time range", types.ViolationTimeRestriction, false)
	}

	local := now.In(compiled.location)
	if len(cfg.AllowedDays) > 0 && !containsInt(cfg.AllowedDays, int(local.Weekday())) {
		return deny("Day not allowed", types.ViolationTimeRestriction, true)
	}
	if h := cfg.AllowedHours; h != nil && !hourInRange(local.Hour(), h.Start, h.End) {
		return deny("Hour not allowed", types.ViolationTimeRestriction, true)
	}

	return types.PolicyEvaluationResult{Allowed: true}
}

// compile parses IP ranges and timezone once per policy version.
func (e *Evaluator) compile(p *types.Policy) (*compiledEntry, error) {
	if cached, ok := e.compiled.Load(p.ID); ok {
		entry := cached.(*compiledEntry)
		if entry.updatedAt.Equal(p.UpdatedAt) {
			return entry, nil
		}
	}

	entry := &compiledEntry{updatedAt: p.UpdatedAt, location: time.UTC}
	switch cfg := p.Config.(type) {
	case *types.AccessControlConfig:
		for _, r := range cfg.IPRanges {
			n, err := validation.ParseIPRange(r)
			if err != nil {
				return nil, err
			}
			entry.networks = append(entry.networks, n)
		}
	case *types.TimeBasedConfig:
		loc, err := validation.LoadTimezone(cfg.Timezone)
		if err != nil {
			return nil, err
		}
		entry.location = loc
	}

	// unsaved policies have no ID and are not cached
	if p.ID != "" {
		e.compiled.Store(p.ID, entry)
	}
	return entry, nil
}

// Forget drops compiled artefacts for a policy.
func (e *Evaluator) Forget(policyID string) {
	e.compiled.Delete(policyID)
}

func deny(reason string, vt types.ViolationType, retryable bool) types.PolicyEvaluationResult {
	return types.PolicyEvaluationResult{
		Allowed: false,
		Reason:  reason,
		Violations: []types.Violation{{
			Type:      vt,
			Severity:  severityFor(vt),
			Message:   reason,
			Retryable: retryable,
		}},
	}
}

func evaluationError(err error) types.PolicyEvaluationResult {
	return deny("Policy evaluation error: "+err.Error(), types.ViolationEvaluationError, false)
}

// EvaluationErrorResult is the fail-closed result used when a policy could not
// be evaluated at all, e.g. on timeout.
func EvaluationErrorResult(err error) types.PolicyEvaluationResult {
	return evaluationError(err)
}

func severityFor(vt types.ViolationType) types.Severity {
	switch vt {
	case types.ViolationEvaluationError:
		return types.SeverityCritical
	case types.ViolationSpendingLimit, types.ViolationPerTransactionLimit,
		types.ViolationAccessDenied, types.ViolationDelegationInvalid, types.ViolationEndpointBlocked:
		return types.SeverityHigh
	case types.ViolationRateLimit, types.ViolationBudgetExceeded, types.ViolationPolicyInactive:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

// matchAnyEndpoint matches exact endpoints and "prefix*" patterns.
func matchAnyEndpoint(patterns []string, endpoint string) bool {
	for _, p := range patterns {
		if p == endpoint {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(endpoint, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

// MatchEndpoint reports whether endpoint matches any pattern, exactly or by
// a trailing "*" prefix.
func MatchEndpoint(patterns []string, endpoint string) bool {
	return matchAnyEndpoint(patterns, endpoint)
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return false
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(strings.TrimSuffix(o, "/"), strings.TrimSuffix(origin, "/")) {
			return true
		}
	}
	return false
}

func userAgentAllowed(allowed []string, ua string) bool {
	if ua == "" {
		return false
	}
	lower := strings.ToLower(ua)
	for _, a := range allowed {
		if strings.Contains(lower, strings.ToLower(a)) {
			return true
		}
	}
	return false
}

func containsIP(networks []*net.IPNet, ip net.IP) bool {
	for _, n := range networks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// hourInRange is inclusive and wraps past midnight when start > end.
func hourInRange(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour <= end
	}
	return hour >= start || hour <= end
}
