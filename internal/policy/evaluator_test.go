package policy

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/spendguard/pkg/types"
)

var testNow = time.Date(2025, 6, 11, 14, 30, 0, 0, time.UTC) // Wednesday

func newPolicy(cfg types.PolicyConfig) *types.Policy {
	return &types.Policy{
		ID:        "policy-1",
		Name:      "test",
		Type:      cfg.PolicyType(),
		Config:    cfg,
		Status:    types.PolicyStatusActive,
		UpdatedAt: testNow,
	}
}

func reqWithAmount(amount int64) *types.RequestContext {
	return &types.RequestContext{
		RequestID: "req-1",
		Endpoint:  "/v1/chat",
		Method:    "POST",
		Amount:    big.NewInt(amount),
	}
}

func evalCtx(req *types.RequestContext) EvaluationContext {
	return EvaluationContext{Request: req, Now: testNow}
}

func TestEvaluate_SpendingLimit(t *testing.T) {
	tests := []struct {
		name          string
		cfg           *types.SpendingLimitConfig
		req           *types.RequestContext
		wantAllowed   bool
		wantReason    string
		wantViolation types.ViolationType
		wantRemaining string
	}{
		{
			name:          "within limit",
			cfg:           &types.SpendingLimitConfig{MaxAmount: "1000000", TimeWindow: types.TimeWindowDaily},
			req:           reqWithAmount(250000),
			wantAllowed:   true,
			wantRemaining: "750000",
		},
		{
			name:          "exactly at limit",
			cfg:           &types.SpendingLimitConfig{MaxAmount: "1000000", TimeWindow: types.TimeWindowDaily},
			req:           reqWithAmount(1000000),
			wantAllowed:   true,
			wantRemaining: "0",
		},
		{
			name:          "exceeds maximum",
			cfg:           &types.SpendingLimitConfig{MaxAmount: "1000000", TimeWindow: types.TimeWindowDaily},
			req:           reqWithAmount(2000000),
			wantReason:    "Amount exceeds maximum allowed",
			wantViolation: types.ViolationSpendingLimit,
		},
		{
			name:          "exceeds per-transaction limit",
			cfg:           &types.SpendingLimitConfig{MaxAmount: "1000000", PerTransactionLimit: "100", TimeWindow: types.TimeWindowDaily},
			req:           reqWithAmount(101),
			wantReason:    "Amount exceeds per-transaction limit",
			wantViolation: types.ViolationPerTransactionLimit,
		},
		{
			name:          "endpoint not allowed",
			cfg:           &types.SpendingLimitConfig{MaxAmount: "1000", TimeWindow: types.TimeWindowDaily, AllowedEndpoints: []string{"/v1/search"}},
			req:           reqWithAmount(1),
			wantReason:    "Endpoint not in allowed list",
			wantViolation: types.ViolationEndpointBlocked,
		},
		{
			name:          "endpoint allowed by prefix",
			cfg:           &types.SpendingLimitConfig{MaxAmount: "1000", TimeWindow: types.TimeWindowDaily, AllowedEndpoints: []string{"/v1/*"}},
			req:           reqWithAmount(1),
			wantAllowed:   true,
			wantRemaining: "999",
		},
		{
			name:          "endpoint blocked",
			cfg:           &types.SpendingLimitConfig{MaxAmount: "1000", TimeWindow: types.TimeWindowDaily, BlockedEndpoints: []string{"/v1/chat"}},
			req:           reqWithAmount(1),
			wantReason:    "Endpoint is blocked",
			wantViolation: types.ViolationEndpointBlocked,
		},
		{
			name:          "unparseable max amount",
			cfg:           &types.SpendingLimitConfig{MaxAmount: "lots", TimeWindow: types.TimeWindowDaily},
			req:           reqWithAmount(1),
			wantViolation: types.ViolationEvaluationError,
		},
		{
			name:          "missing max amount",
			cfg:           &types.SpendingLimitConfig{TimeWindow: types.TimeWindowDaily},
			req:           reqWithAmount(0),
			wantViolation: types.ViolationEvaluationError,
		},
		{
			name:          "unknown window",
			cfg:           &types.SpendingLimitConfig{MaxAmount: "10", TimeWindow: "fortnightly"},
			req:           reqWithAmount(1),
			wantViolation: types.ViolationEvaluationError,
		},
	}

	e := NewEvaluator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Evaluate(newPolicy(tt.cfg), evalCtx(tt.req))

			assert.Equal(t, tt.wantAllowed, res.Allowed)
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, res.Reason)
			}
			if tt.wantViolation != "" {
				assert.True(t, res.HasViolation(tt.wantViolation), "violations: %+v", res.Violations)
			}
			if tt.wantRemaining != "" {
				require.NotNil(t, res.RemainingAmount)
				assert.Equal(t, tt.wantRemaining, *res.RemainingAmount)
				assert.NotNil(t, res.ResetTime)
			}
			if !res.Allowed {
				assert.NotEmpty(t, res.Reason)
			}
		})
	}
}

func TestEvaluate_SpendingLimitResetTimes(t *testing.T) {
	tests := []struct {
		window types.TimeWindow
		hours  int
		want   time.Time
	}{
		{types.TimeWindowDaily, 0, time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC)},
		{types.TimeWindowWeekly, 0, testNow.Add(7 * 24 * time.Hour)},
		{types.TimeWindowMonthly, 0, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)},
		{types.TimeWindowCustom, 6, testNow.Add(6 * time.Hour)},
	}

	e := NewEvaluator()
	for _, tt := range tests {
		t.Run(string(tt.window), func(t *testing.T) {
			cfg := &types.SpendingLimitConfig{MaxAmount: "10", TimeWindow: tt.window, CustomWindowHours: tt.hours}
			res := e.Evaluate(newPolicy(cfg), evalCtx(reqWithAmount(1)))
			require.True(t, res.Allowed)
			require.NotNil(t, res.ResetTime)
			assert.Equal(t, tt.want, *res.ResetTime)
		})
	}
}

func TestEvaluate_MonthlyResetInDecember(t *testing.T) {
	e := NewEvaluator()
	cfg := &types.SpendingLimitConfig{MaxAmount: "10", TimeWindow: types.TimeWindowMonthly}
	ec := EvaluationContext{Request: reqWithAmount(1), Now: time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC)}

	res := e.Evaluate(newPolicy(cfg), ec)
	require.NotNil(t, res.ResetTime)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), *res.ResetTime)
}

func TestEvaluate_RateLimit(t *testing.T) {
	tests := []struct {
		name          string
		cfg           *types.RateLimitConfig
		usage         types.RateUsage
		wantAllowed   bool
		wantReason    string
		wantRemaining int
	}{
		{
			name:          "under all ceilings",
			cfg:           &types.RateLimitConfig{RequestsPerMinute: 10, RequestsPerHour: 100},
			usage:         types.RateUsage{Minute: 3, Hour: 50},
			wantAllowed:   true,
			wantRemaining: 7,
		},
		{
			name:       "minute ceiling reached",
			cfg:        &types.RateLimitConfig{RequestsPerMinute: 10},
			usage:      types.RateUsage{Minute: 10},
			wantReason: "Rate limit exceeded: 10 requests per minute",
		},
		{
			name:       "minute wins over hour",
			cfg:        &types.RateLimitConfig{RequestsPerMinute: 10, RequestsPerHour: 20},
			usage:      types.RateUsage{Minute: 11, Hour: 25},
			wantReason: "Rate limit exceeded: 10 requests per minute",
		},
		{
			name:       "hour ceiling",
			cfg:        &types.RateLimitConfig{RequestsPerMinute: 10, RequestsPerHour: 20},
			usage:      types.RateUsage{Minute: 1, Hour: 20},
			wantReason: "Rate limit exceeded: 20 requests per hour",
		},
		{
			name:       "day ceiling",
			cfg:        &types.RateLimitConfig{RequestsPerDay: 5},
			usage:      types.RateUsage{Day: 5},
			wantReason: "Rate limit exceeded: 5 requests per day",
		},
		{
			name:          "tightest window without minute ceiling",
			cfg:           &types.RateLimitConfig{RequestsPerHour: 100, RequestsPerDay: 10},
			usage:         types.RateUsage{Hour: 1, Day: 8},
			wantAllowed:   true,
			wantRemaining: 2,
		},
	}

	e := NewEvaluator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := evalCtx(reqWithAmount(0))
			ec.RateUsage = tt.usage
			res := e.Evaluate(newPolicy(tt.cfg), ec)

			assert.Equal(t, tt.wantAllowed, res.Allowed)
			if tt.wantAllowed {
				require.NotNil(t, res.RemainingRequests)
				assert.Equal(t, tt.wantRemaining, *res.RemainingRequests)
				require.NotNil(t, res.ResetTime)
				assert.Equal(t, time.Date(2025, 6, 11, 14, 31, 0, 0, time.UTC), *res.ResetTime)
				return
			}
			assert.Equal(t, tt.wantReason, res.Reason)
			require.Len(t, res.Violations, 1)
			assert.Equal(t, types.ViolationRateLimit, res.Violations[0].Type)
			assert.True(t, res.Violations[0].Retryable)
		})
	}
}

func TestEvaluate_RateLimitWithoutCeilingsFailsClosed(t *testing.T) {
	res := NewEvaluator().Evaluate(newPolicy(&types.RateLimitConfig{}), evalCtx(reqWithAmount(0)))

	assert.False(t, res.Allowed)
	assert.True(t, res.HasViolation(types.ViolationEvaluationError))
}

func TestEvaluate_AccessControl(t *testing.T) {
	cfg := &types.AccessControlConfig{
		AllowedOrigins:        []string{"https://app.example.com"},
		AllowedUserAgents:     []string{"spendguard-agent"},
		IPRanges:              []string{"10.0.0.0/8", "192.168.1.10"},
		RequireAuthentication: true,
	}

	good := func() *types.RequestContext {
		return &types.RequestContext{
			Endpoint:  "/v1/chat",
			Origin:    "https://app.example.com",
			UserAgent: "Mozilla/5.0 SpendGuard-Agent/1.2",
			IPAddress: "10.1.2.3",
			Headers:   map[string]string{"authorization": "Bearer t"},
		}
	}

	tests := []struct {
		name       string
		mutate     func(r *types.RequestContext)
		wantReason string
	}{
		{name: "all checks pass", mutate: func(r *types.RequestContext) {}},
		{name: "single ip range", mutate: func(r *types.RequestContext) { r.IPAddress = "192.168.1.10" }},
		{name: "bad origin", mutate: func(r *types.RequestContext) { r.Origin = "https://evil.example.com" }, wantReason: "Origin not allowed"},
		{name: "missing origin", mutate: func(r *types.RequestContext) { r.Origin = "" }, wantReason: "Origin not allowed"},
		{name: "bad user agent", mutate: func(r *types.RequestContext) { r.UserAgent = "curl/8.0" }, wantReason: "User agent not allowed"},
		{name: "ip outside ranges", mutate: func(r *types.RequestContext) { r.IPAddress = "172.16.0.1" }, wantReason: "IP address not in allowed ranges"},
		{name: "unparseable ip", mutate: func(r *types.RequestContext) { r.IPAddress = "nope" }, wantReason: "IP address not in allowed ranges"},
		{name: "missing auth header", mutate: func(r *types.RequestContext) { r.Headers = nil }, wantReason: "Missing required authentication header"},
		{name: "origin checked before ip", mutate: func(r *types.RequestContext) { r.Origin = "x"; r.IPAddress = "1.1.1.1" }, wantReason: "Origin not allowed"},
	}

	e := NewEvaluator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := good()
			tt.mutate(req)
			res := e.Evaluate(newPolicy(cfg), evalCtx(req))

			if tt.wantReason == "" {
				assert.True(t, res.Allowed, res.Reason)
				return
			}
			assert.False(t, res.Allowed)
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.True(t, res.HasViolation(types.ViolationAccessDenied))
			assert.False(t, res.Violations[0].Retryable)
		})
	}
}

func TestEvaluate_AccessControlBadCIDRFailsClosed(t *testing.T) {
	cfg := &types.AccessControlConfig{IPRanges: []string{"10.0.0.0/33"}}
	res := NewEvaluator().Evaluate(newPolicy(cfg), evalCtx(&types.RequestContext{IPAddress: "10.0.0.1"}))

	assert.False(t, res.Allowed)
	assert.True(t, res.HasViolation(types.ViolationEvaluationError))
	assert.Contains(t, res.Reason, "Policy evaluation error")
}

func TestEvaluate_TimeBased(t *testing.T) {
	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)

	tests := []struct {
		name       string
		cfg        *types.TimeBasedConfig
		wantReason string
		wantError  bool
	}{
		{name: "no restrictions", cfg: &types.TimeBasedConfig{}},
		{name: "inside range", cfg: &types.TimeBasedConfig{StartTime: &past, EndTime: &future}},
		{name: "before start", cfg: &types.TimeBasedConfig{StartTime: &future}, wantReason: "Outside allowed time range"},
		{name: "after end", cfg: &types.TimeBasedConfig{EndTime: &past}, wantReason: "Outside allowed time range"},
		{name: "weekday allowed", cfg: &types.TimeBasedConfig{AllowedDays: []int{1, 2, 3, 4, 5}}},
		{name: "weekend only", cfg: &types.TimeBasedConfig{AllowedDays: []int{0, 6}}, wantReason: "Day not allowed"},
		{name: "business hours", cfg: &types.TimeBasedConfig{AllowedHours: &types.HourRange{Start: 9, End: 17}}},
		{name: "night hours", cfg: &types.TimeBasedConfig{AllowedHours: &types.HourRange{Start: 22, End: 6}}, wantReason: "Hour not allowed"},
		{name: "timezone shifts hour", cfg: &types.TimeBasedConfig{AllowedHours: &types.HourRange{Start: 9, End: 17}, Timezone: "Asia/Tokyo"}, wantReason: "Hour not allowed"},
		{name: "bad timezone", cfg: &types.TimeBasedConfig{Timezone: "Nowhere/Land"}, wantError: true},
		{name: "bad hours", cfg: &types.TimeBasedConfig{AllowedHours: &types.HourRange{Start: 9, End: 25}}, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewEvaluator().Evaluate(newPolicy(tt.cfg), evalCtx(reqWithAmount(0)))

			switch {
			case tt.wantError:
				assert.False(t, res.Allowed)
				assert.True(t, res.HasViolation(types.ViolationEvaluationError))
			case tt.wantReason != "":
				assert.False(t, res.Allowed)
				assert.Equal(t, tt.wantReason, res.Reason)
				assert.True(t, res.HasViolation(types.ViolationTimeRestriction))
			default:
				assert.True(t, res.Allowed, res.Reason)
			}
		})
	}
}

func TestEvaluate_InactivePolicyIgnoresConfig(t *testing.T) {
	statuses := []types.PolicyStatus{types.PolicyStatusRevoked, types.PolicyStatusPaused, types.PolicyStatusExpired}
	configs := []types.PolicyConfig{
		&types.SpendingLimitConfig{MaxAmount: "999999999", TimeWindow: types.TimeWindowDaily},
		&types.RateLimitConfig{RequestsPerMinute: 1000},
		&types.AccessControlConfig{},
		&types.TimeBasedConfig{},
	}

	e := NewEvaluator()
	for _, status := range statuses {
		for _, cfg := range configs {
			p := newPolicy(cfg)
			p.Status = status
			res := e.Evaluate(p, evalCtx(reqWithAmount(1)))

			assert.False(t, res.Allowed)
			assert.Equal(t, "Policy is "+string(status), res.Reason)
			assert.True(t, res.HasViolation(types.ViolationPolicyInactive))
		}
	}
}

func TestEvaluate_ExpiredPolicy(t *testing.T) {
	p := newPolicy(&types.AccessControlConfig{})
	exp := testNow.Add(-time.Second)
	p.ExpiresAt = &exp

	res := NewEvaluator().Evaluate(p, evalCtx(reqWithAmount(0)))
	assert.False(t, res.Allowed)
	assert.Equal(t, "Policy has expired", res.Reason)
}

func TestEvaluate_MalformedPolicyFailsClosed(t *testing.T) {
	e := NewEvaluator()

	missing := &types.Policy{ID: "p", Type: types.PolicyTypeSpendingLimit, Status: types.PolicyStatusActive}
	res := e.Evaluate(missing, evalCtx(reqWithAmount(0)))
	assert.False(t, res.Allowed)
	assert.True(t, res.HasViolation(types.ViolationEvaluationError))

	mismatched := newPolicy(&types.RateLimitConfig{RequestsPerMinute: 1})
	mismatched.Type = types.PolicyTypeSpendingLimit
	res = e.Evaluate(mismatched, evalCtx(reqWithAmount(0)))
	assert.False(t, res.Allowed)
	assert.True(t, res.HasViolation(types.ViolationEvaluationError))

	res = e.Evaluate(nil, evalCtx(reqWithAmount(0)))
	assert.False(t, res.Allowed)

	res = e.Evaluate(newPolicy(&types.TimeBasedConfig{}), EvaluationContext{})
	assert.False(t, res.Allowed)
}

// Every policy type must have an evaluator; a missing case would fall into
// the default branch and report "no evaluator".
func TestEvaluate_EveryPolicyTypeHasEvaluator(t *testing.T) {
	samples := map[types.PolicyType]types.PolicyConfig{
		types.PolicyTypeSpendingLimit: &types.SpendingLimitConfig{MaxAmount: "10", TimeWindow: types.TimeWindowDaily},
		types.PolicyTypeRateLimit:     &types.RateLimitConfig{RequestsPerMinute: 10},
		types.PolicyTypeAccessControl: &types.AccessControlConfig{},
		types.PolicyTypeTimeBased:     &types.TimeBasedConfig{},
	}

	e := NewEvaluator()
	for _, pt := range types.AllPolicyTypes() {
		cfg, ok := samples[pt]
		require.True(t, ok, "no sample config for %s", pt)
		res := e.Evaluate(newPolicy(cfg), evalCtx(reqWithAmount(1)))
		assert.True(t, res.Allowed, "%s: %s", pt, res.Reason)
	}
}

func TestEvaluate_CompiledCacheFollowsUpdates(t *testing.T) {
	e := NewEvaluator()
	p := newPolicy(&types.AccessControlConfig{IPRanges: []string{"10.0.0.0/8"}})
	req := &types.RequestContext{IPAddress: "192.168.0.1"}

	assert.False(t, e.Evaluate(p, evalCtx(req)).Allowed)

	updated := p.Clone()
	updated.Config = &types.AccessControlConfig{IPRanges: []string{"192.168.0.0/16"}}
	updated.UpdatedAt = p.UpdatedAt.Add(time.Second)
	assert.True(t, e.Evaluate(updated, evalCtx(req)).Allowed)
}

func TestPeriodStart(t *testing.T) {
	daily := &types.SpendingLimitConfig{TimeWindow: types.TimeWindowDaily}
	assert.Equal(t, time.Date(2025, 6, 11, 0, 0, 0, 0, time.UTC), PeriodStart(daily, testNow, time.Time{}))

	monthly := &types.SpendingLimitConfig{TimeWindow: types.TimeWindowMonthly}
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), PeriodStart(monthly, testNow, time.Time{}))

	weekly := &types.SpendingLimitConfig{TimeWindow: types.TimeWindowWeekly}
	prev := testNow.Add(-48 * time.Hour)
	assert.Equal(t, prev, PeriodStart(weekly, testNow, prev))
	assert.Equal(t, testNow, PeriodStart(weekly, testNow, testNow.Add(-8*24*time.Hour)))

	assert.Equal(t, time.Date(2025, 6, 11, 0, 0, 0, 0, time.UTC), PeriodStart(&types.RateLimitConfig{}, testNow, time.Time{}))
}
