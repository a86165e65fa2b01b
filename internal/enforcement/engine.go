// Package enforcement composes delegation verification and every applicable
// policy into a single decision for one proposed request.
package enforcement

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/better-wallet/spendguard/internal/logger"
	"github.com/better-wallet/spendguard/internal/metrics"
	"github.com/better-wallet/spendguard/internal/policy"
	"github.com/better-wallet/spendguard/internal/ratelimit"
	apperrors "github.com/better-wallet/spendguard/pkg/errors"
	"github.com/better-wallet/spendguard/pkg/types"
)

const (
	DefaultEvaluationTimeout = 2 * time.Second

	// releaseTimeout bounds returning rate slots after a denial or cancel.
	releaseTimeout = 2 * time.Second

	ReasonDelegationRequired    = "Delegation required"
	ReasonDelegationUnavailable = "Delegation verification unavailable"
	ReasonPolicyNotFound        = "Policy not found"
)

// checkOrder is the evaluation order and also the priority applied when
// more than one check denies.
var checkOrder = []types.PolicyType{
	types.PolicyTypeTimeBased,
	types.PolicyTypeAccessControl,
	types.PolicyTypeRateLimit,
	types.PolicyTypeSpendingLimit,
}

// PolicySource supplies policies and takes usage updates.
type PolicySource interface {
	GetPolicy(ctx context.Context, id string) (*types.Policy, error)
	ApplicablePolicies(ctx context.Context, userID, agentID string, t types.PolicyType) ([]*types.Policy, error)
	RecordUsage(ctx context.Context, p *types.Policy, amount *big.Int) error
	RecordViolation(ctx context.Context, p *types.Policy) error
}

// DelegationVerifier checks that an agent acts under a valid delegation.
type DelegationVerifier interface {
	VerifyDelegation(ctx context.Context, id, delegatee string, vc types.VerificationContext) (types.DelegationVerification, error)
}

// AuditLogger accepts audit records without blocking.
type AuditLogger interface {
	Log(ctx context.Context, rec types.AuditRecord)
}

// Options configures an Engine. Zero values pick defaults; a negative
// CacheTTL disables the result cache.
type Options struct {
	BypassEndpoints   []string
	RequireDelegation bool
	CacheTTL          time.Duration
	EvaluationTimeout time.Duration

	Delegations DelegationVerifier
	Counter     ratelimit.Counter
	Audit       AuditLogger
	Metrics     *metrics.Metrics
}

// Engine is safe for concurrent use.
type Engine struct {
	policies  PolicySource
	evaluator *policy.Evaluator
	opts      Options
	cache     *resultCache
	now       func() time.Time
}

// NewEngine creates an enforcement engine. evaluator may be nil.
func NewEngine(policies PolicySource, evaluator *policy.Evaluator, opts Options) *Engine {
	if evaluator == nil {
		evaluator = policy.NewEvaluator()
	}
	if opts.EvaluationTimeout <= 0 {
		opts.EvaluationTimeout = DefaultEvaluationTimeout
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Counter == nil {
		opts.Counter = ratelimit.NewMemoryCounter()
	}

	e := &Engine{
		policies:  policies,
		evaluator: evaluator,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if opts.CacheTTL > 0 {
		e.cache = newResultCache(opts.CacheTTL)
	}
	return e
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// evaluated pairs a policy with the result it produced. reserved marks a
// rate slot taken for this request that must be released unless committed.
type evaluated struct {
	policy   *types.Policy
	result   types.PolicyEvaluationResult
	reserved bool
}

// checkOutcome is the result of one per-type check.
type checkOutcome struct {
	policyType types.PolicyType
	result     types.EnforcementResult
	evaluated  []evaluated
}

// CheckSpending evaluates the spending-limit policies for req.
func (e *Engine) CheckSpending(ctx context.Context, req types.RequestContext) types.EnforcementResult {
	return e.checkOne(ctx, types.PolicyTypeSpendingLimit, &req)
}

// CheckRateLimit evaluates the rate-limit policies for req without
// consuming any quota.
func (e *Engine) CheckRateLimit(ctx context.Context, req types.RequestContext) types.EnforcementResult {
	return e.checkOne(ctx, types.PolicyTypeRateLimit, &req)
}

// CheckAccessControl evaluates the access-control policies for req.
func (e *Engine) CheckAccessControl(ctx context.Context, req types.RequestContext) types.EnforcementResult {
	return e.checkOne(ctx, types.PolicyTypeAccessControl, &req)
}

// CheckTimeBased evaluates the time-based policies for req.
func (e *Engine) CheckTimeBased(ctx context.Context, req types.RequestContext) types.EnforcementResult {
	return e.checkOne(ctx, types.PolicyTypeTimeBased, &req)
}

func (e *Engine) checkOne(ctx context.Context, t types.PolicyType, req *types.RequestContext) types.EnforcementResult {
	now := e.now()
	pinned, denied := e.resolvePinned(ctx, req)
	if denied != nil {
		return *denied
	}
	res := e.runCheck(ctx, t, req, pinned, now, false).result
	e.opts.Metrics.ObserveDecision(string(res.Action))
	return res
}

// ProcessPaymentRequest decides whether req may proceed and commits the
// decision at once, charging spending policies with the evaluated amount.
// Callers that may still reject an allowed request use Admit instead.
func (e *Engine) ProcessPaymentRequest(ctx context.Context, req types.RequestContext) types.EnforcementResult {
	res, adm := e.Admit(ctx, req)
	adm.Commit(ctx, nil)
	return res
}

// Admit decides whether req may proceed. Rate-limit slots are reserved
// atomically while the policies are evaluated. A denial is final: slots are
// returned, a violation is counted against each denying policy and the
// denial is audited. An allow hands back an Admission that the caller must
// Commit once the request runs, or Cancel if it is dropped. The Admission is
// nil when there is nothing to commit.
func (e *Engine) Admit(ctx context.Context, req types.RequestContext) (types.EnforcementResult, *Admission) {
	now := e.now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = now
	}
	ctx = logger.WithRequestID(ctx, req.RequestID)

	if policy.MatchEndpoint(e.opts.BypassEndpoints, req.Endpoint) {
		logger.Debug(ctx, "endpoint bypasses enforcement", "endpoint", req.Endpoint)
		res := types.Allow(nil)
		e.opts.Metrics.ObserveDecision(string(res.Action))
		return res, nil
	}

	if e.opts.RequireDelegation && req.AgentID != "" {
		if res, ok := e.checkDelegation(ctx, &req); !ok {
			return res, e.finish(ctx, &req, res, nil, now)
		}
	}

	pinned, denied := e.resolvePinned(ctx, &req)
	if denied != nil {
		return *denied, e.finish(ctx, &req, *denied, nil, now)
	}

	outcomes := make([]checkOutcome, len(checkOrder))
	var wg sync.WaitGroup
	for i, t := range checkOrder {
		wg.Add(1)
		go func(i int, t types.PolicyType) {
			defer wg.Done()
			outcomes[i] = e.runCheck(ctx, t, &req, pinned, now, true)
		}(i, t)
	}
	wg.Wait()

	res := combine(outcomes)
	return res, e.finish(ctx, &req, res, outcomes, now)
}

// InvalidatePolicy drops every cached result and compiled artefact for a policy.
func (e *Engine) InvalidatePolicy(policyID string) {
	if e.cache != nil {
		e.cache.invalidatePolicy(policyID)
	}
	e.evaluator.Forget(policyID)
}

// Clear empties the result cache.
func (e *Engine) Clear() {
	if e.cache != nil {
		e.cache.clear()
	}
}

// resolvePinned loads the policy a request names explicitly. A pinned
// policy is evaluated even when it is no longer usable, so a request against
// a revoked policy is told so instead of silently passing.
func (e *Engine) resolvePinned(ctx context.Context, req *types.RequestContext) (*types.Policy, *types.EnforcementResult) {
	if req.PolicyID == "" {
		return nil, nil
	}
	p, err := e.policies.GetPolicy(ctx, req.PolicyID)
	if err == nil {
		return p, nil
	}

	var res types.PolicyEvaluationResult
	if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
		res = types.PolicyEvaluationResult{
			Reason: ReasonPolicyNotFound,
			Violations: []types.Violation{{
				Type:     types.ViolationPolicyInactive,
				Severity: types.SeverityMedium,
				Message:  ReasonPolicyNotFound,
			}},
		}
	} else {
		logger.Error(ctx, "failed to load pinned policy", "policy_id", req.PolicyID, "error", err)
		res = policy.EvaluationErrorResult(fmt.Errorf("load policy %s: %w", req.PolicyID, err))
	}
	denied := types.Deny(types.ActionDeny, res.Reason, []types.PolicyCheckResult{{PolicyID: req.PolicyID, Result: res}})
	return nil, &denied
}

// runCheck evaluates one policy type under the evaluation timeout. A check
// that does not finish in time denies.
func (e *Engine) runCheck(ctx context.Context, t types.PolicyType, req *types.RequestContext, pinned *types.Policy, now time.Time, reserve bool) checkOutcome {
	start := time.Now()
	defer func() {
		e.opts.Metrics.ObserveEvaluation(string(t), time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, e.opts.EvaluationTimeout)
	defer cancel()

	done := make(chan checkOutcome, 1)
	go func() {
		done <- e.evaluateType(ctx, t, req, pinned, now, reserve)
	}()

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		err := fmt.Errorf("%s check did not complete: %w", t, ctx.Err())
		logger.Warn(ctx, "policy check timed out", "policy_type", t, "error", err)
		// the abandoned evaluation may still reserve slots; return them
		go func() {
			e.release(ctx, (<-done).evaluated, now)
		}()
		return timedOut(t, err)
	}
}

func timedOut(t types.PolicyType, err error) checkOutcome {
	res := policy.EvaluationErrorResult(err)
	return checkOutcome{
		policyType: t,
		result:     types.Deny(types.ActionDeny, res.Reason, []types.PolicyCheckResult{{PolicyType: t, Result: res}}),
	}
}

func (e *Engine) evaluateType(ctx context.Context, t types.PolicyType, req *types.RequestContext, pinned *types.Policy, now time.Time, reserve bool) checkOutcome {
	out := checkOutcome{policyType: t}

	policies, err := e.policies.ApplicablePolicies(ctx, req.UserID, req.AgentID, t)
	if err != nil {
		res := policy.EvaluationErrorResult(fmt.Errorf("load %s policies: %w", t, err))
		out.result = types.Deny(types.ActionDeny, res.Reason, []types.PolicyCheckResult{{PolicyType: t, Result: res}})
		return out
	}
	if pinned != nil && pinned.Type == t && !containsPolicy(policies, pinned.ID) {
		policies = append(policies, pinned)
	}

	results := make([]types.PolicyCheckResult, 0, len(policies))
	denied := -1
	for _, p := range policies {
		if ctx.Err() != nil {
			timeout := timedOut(t, fmt.Errorf("%s check did not complete: %w", t, ctx.Err()))
			timeout.evaluated = out.evaluated
			return timeout
		}
		res, cached, reserved := e.evaluate(ctx, p, req, now, reserve)
		results = append(results, types.PolicyCheckResult{
			PolicyID:   p.ID,
			PolicyName: p.Name,
			PolicyType: p.Type,
			Result:     res,
			Cached:     cached,
		})
		out.evaluated = append(out.evaluated, evaluated{policy: p, result: res, reserved: reserved})
		if !res.Allowed && denied < 0 {
			denied = len(results) - 1
		}
	}

	if denied >= 0 {
		d := results[denied].Result
		action := types.ActionDeny
		if d.HasViolation(types.ViolationRateLimit) {
			action = types.ActionRateLimit
		}
		out.result = types.Deny(action, d.Reason, results)
		out.result.NextResetTime = d.ResetTime
		return out
	}

	out.result = types.Allow(results)
	out.result.TotalRemainingAmount, out.result.NextResetTime = summarise(results)
	return out
}

// evaluate runs one policy, serving spending and access results from the
// cache when possible. With reserve set, a rate-limit policy takes its slot
// in the same step as the ceiling check.
func (e *Engine) evaluate(ctx context.Context, p *types.Policy, req *types.RequestContext, now time.Time, reserve bool) (types.PolicyEvaluationResult, bool, bool) {
	if p.Type == types.PolicyTypeRateLimit {
		res, reserved := e.evaluateRate(ctx, p, req, now, reserve)
		return res, false, reserved
	}

	ec := policy.EvaluationContext{Request: req, Now: now}
	if e.cache == nil || !cacheable(p.Type) || p.ID == "" {
		return e.evaluator.Evaluate(p, ec), false, false
	}

	key, err := cacheKey(p, req)
	if err != nil {
		logger.Warn(ctx, "evaluation cache key failed", "policy_id", p.ID, "error", err)
		return e.evaluator.Evaluate(p, ec), false, false
	}
	if res, ok := e.cache.get(key, now); ok {
		e.opts.Metrics.ObserveCache(true)
		return res, true, false
	}
	e.opts.Metrics.ObserveCache(false)

	res := e.evaluator.Evaluate(p, ec)
	e.cache.set(key, p, res, now)
	return res, false, false
}

func (e *Engine) evaluateRate(ctx context.Context, p *types.Policy, req *types.RequestContext, now time.Time, reserve bool) (types.PolicyEvaluationResult, bool) {
	ec := policy.EvaluationContext{Request: req, Now: now}
	cfg, ok := p.Config.(*types.RateLimitConfig)
	if !reserve || !ok {
		usage, err := e.opts.Counter.Usage(ctx, p.ID, now)
		if err != nil {
			return policy.EvaluationErrorResult(fmt.Errorf("read rate usage: %w", err)), false
		}
		ec.RateUsage = usage
		return e.evaluator.Evaluate(p, ec), false
	}

	usage, reserved, err := e.opts.Counter.Reserve(ctx, p.ID, now, ratelimit.LimitsFor(cfg))
	if err != nil {
		return policy.EvaluationErrorResult(fmt.Errorf("reserve rate slot: %w", err)), false
	}
	ec.RateUsage = usage
	res := e.evaluator.Evaluate(p, ec)
	switch {
	case reserved && !res.Allowed:
		// denied for another reason (inactive, expired, malformed)
		e.release(ctx, []evaluated{{policy: p, reserved: true}}, now)
		reserved = false
	case !reserved && res.Allowed:
		res = policy.EvaluationErrorResult(fmt.Errorf("rate slot refused for policy %s", p.ID))
	}
	return res, reserved
}

func (e *Engine) checkDelegation(ctx context.Context, req *types.RequestContext) (types.EnforcementResult, bool) {
	deny := func(reason string) types.EnforcementResult {
		res := types.PolicyEvaluationResult{
			Reason: reason,
			Violations: []types.Violation{{
				Type:     types.ViolationDelegationInvalid,
				Severity: types.SeverityHigh,
				Message:  reason,
			}},
		}
		return types.Deny(types.ActionDeny, reason, []types.PolicyCheckResult{{
			PolicyID:   req.DelegationID,
			PolicyName: "delegation",
			Result:     res,
		}})
	}

	if req.DelegationID == "" {
		return deny(ReasonDelegationRequired), false
	}
	if e.opts.Delegations == nil {
		return deny(ReasonDelegationUnavailable), false
	}

	vc := types.VerificationContext{
		PolicyID: req.PolicyID,
		Action:   req.Action,
		Network:  req.Network,
	}
	if req.Amount != nil {
		vc.Amount = req.Amount.String()
	}

	v, err := e.opts.Delegations.VerifyDelegation(ctx, req.DelegationID, req.AgentID, vc)
	if err != nil {
		logger.Error(ctx, "delegation verification failed", "delegation_id", req.DelegationID, "error", err)
		return deny(ReasonDelegationUnavailable), false
	}
	if !v.Valid {
		return deny(v.Reason), false
	}
	return types.EnforcementResult{}, true
}

// finish settles a decision. Denials release reserved slots, count
// violations and are audited at once; an allow is returned as an Admission.
func (e *Engine) finish(ctx context.Context, req *types.RequestContext, res types.EnforcementResult, outcomes []checkOutcome, now time.Time) *Admission {
	e.opts.Metrics.ObserveDecision(string(res.Action))

	var all []evaluated
	for _, o := range outcomes {
		all = append(all, o.evaluated...)
	}

	if res.Allowed {
		return &Admission{engine: e, req: *req, result: res, evaluated: all, now: now}
	}

	e.release(ctx, all, now)
	for _, ev := range all {
		if ev.result.Allowed {
			continue
		}
		if err := e.policies.RecordViolation(ctx, ev.policy); err != nil {
			logger.Warn(ctx, "failed to record policy violation", "policy_id", ev.policy.ID, "error", err)
		}
	}
	logger.Info(ctx, "payment request denied",
		"endpoint", req.Endpoint,
		"action", res.Action,
		"reason", res.Reason,
	)
	e.auditDecision(ctx, req, res, req.Amount, now)
	return nil
}

// release returns every rate slot reserved in evs.
func (e *Engine) release(ctx context.Context, evs []evaluated, now time.Time) {
	var rctx context.Context
	for _, ev := range evs {
		if !ev.reserved {
			continue
		}
		if rctx == nil {
			var cancel context.CancelFunc
			rctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer cancel()
		}
		if err := e.opts.Counter.Release(rctx, ev.policy.ID, now); err != nil {
			logger.Warn(ctx, "failed to release rate slot", "policy_id", ev.policy.ID, "error", err)
		}
	}
}

func (e *Engine) auditDecision(ctx context.Context, req *types.RequestContext, res types.EnforcementResult, amount *big.Int, now time.Time) {
	if e.opts.Audit == nil {
		return
	}
	rec := types.AuditRecord{
		Type:          types.AuditPaymentProcessed,
		SessionID:     req.SessionID,
		AgentID:       req.AgentID,
		UserID:        req.UserID,
		RequestID:     req.RequestID,
		ResourceID:    req.PolicyID,
		Endpoint:      req.Endpoint,
		Method:        req.Method,
		Amount:        types.AmountString(amount),
		PolicyResults: res.PolicyResults,
		Timestamp:     now,
	}
	if !res.Allowed {
		rec.Type = types.AuditPaymentDenied
		rec.Reason = res.Reason
	}
	e.opts.Audit.Log(ctx, rec)
}

// combine merges per-type outcomes. Outcomes arrive in checkOrder, so the
// first denial found is the highest-priority one.
func combine(outcomes []checkOutcome) types.EnforcementResult {
	var all []types.PolicyCheckResult
	for _, o := range outcomes {
		all = append(all, o.result.PolicyResults...)
	}

	for _, o := range outcomes {
		if !o.result.Allowed {
			res := types.Deny(o.result.Action, o.result.Reason, all)
			res.NextResetTime = o.result.NextResetTime
			return res
		}
	}

	res := types.Allow(all)
	res.TotalRemainingAmount, res.NextResetTime = summarise(all)
	return res
}

// summarise returns the tightest remaining amount and earliest reset across
// allowing results.
func summarise(results []types.PolicyCheckResult) (*string, *time.Time) {
	var (
		remaining *big.Int
		reset     *time.Time
	)
	for _, pr := range results {
		r := pr.Result
		if r.RemainingAmount != nil {
			if n, err := types.ParseAmount(*r.RemainingAmount); err == nil && (remaining == nil || n.Cmp(remaining) < 0) {
				remaining = n
			}
		}
		if r.ResetTime != nil && (reset == nil || r.ResetTime.Before(*reset)) {
			t := *r.ResetTime
			reset = &t
		}
	}

	var total *string
	if remaining != nil {
		s := remaining.String()
		total = &s
	}
	return total, reset
}

func containsPolicy(policies []*types.Policy, id string) bool {
	for _, p := range policies {
		if p.ID == id {
			return true
		}
	}
	return false
}
