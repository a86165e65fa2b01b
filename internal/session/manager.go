// Package session runs agent sessions: lifecycle, budget-bounded request
// execution and runtime events.
package session

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/better-wallet/spendguard/internal/enforcement"
	"github.com/better-wallet/spendguard/internal/keylock"
	"github.com/better-wallet/spendguard/internal/logger"
	"github.com/better-wallet/spendguard/internal/metering"
	"github.com/better-wallet/spendguard/internal/metrics"
	"github.com/better-wallet/spendguard/internal/payment"
	apperrors "github.com/better-wallet/spendguard/pkg/errors"
	"github.com/better-wallet/spendguard/pkg/types"
)

const (
	DefaultFetchTimeout    = 30 * time.Second
	DefaultEstimateTimeout = 5 * time.Second

	ReasonInsufficientBudget  = "Insufficient budget"
	ReasonEstimateUnavailable = "Cost estimation unavailable"
	ReasonCostAboveDeclared   = "Estimated cost exceeds declared amount"
)

// Enforcer decides whether a request may proceed. An allowed request's
// side effects wait on the returned Admission.
type Enforcer interface {
	Admit(ctx context.Context, req types.RequestContext) (types.EnforcementResult, *enforcement.Admission)
}

// Meter owns session budgets.
type Meter interface {
	OpenAccount(ctx context.Context, sessionID string, budget *big.Int, currency string) (*metering.Account, error)
	GetAccount(ctx context.Context, sessionID string) (*metering.Account, error)
	RecordSpending(ctx context.Context, sessionID string, amount *big.Int, meta metering.SpendingMetadata) (*types.SpendingRecord, error)
}

// AuditLogger accepts audit records without blocking.
type AuditLogger interface {
	Log(ctx context.Context, rec types.AuditRecord)
}

// Options configures a Manager.
type Options struct {
	DefaultTTL      time.Duration
	DefaultBudget   *big.Int
	DefaultCurrency string
	FetchTimeout    time.Duration
	EstimateTimeout time.Duration
	Events          *Dispatcher
	Audit           AuditLogger
	Metrics         *metrics.Metrics
}

// InitSessionRequest opens a session. A nil MaxBudget or zero TTL falls back
// to the manager defaults; a zero TTL with no default never expires.
type InitSessionRequest struct {
	AgentID      string
	DelegatorID  string
	DelegationID string
	MaxBudget    *big.Int
	Currency     string
	TTL          time.Duration
	Metadata     map[string]string
}

// Manager is the agent runtime.
type Manager struct {
	store     Store
	enforcer  Enforcer
	meter     Meter
	estimator payment.CostEstimator
	fetcher   payment.Fetcher
	events    *Dispatcher
	audit     AuditLogger
	metrics   *metrics.Metrics
	locks     *keylock.Map
	opts      Options
	now       func() time.Time
}

func NewManager(store Store, enforcer Enforcer, meter Meter, estimator payment.CostEstimator, fetcher payment.Fetcher, opts Options) *Manager {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.EstimateTimeout <= 0 {
		opts.EstimateTimeout = DefaultEstimateTimeout
	}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = types.DefaultCurrency
	}
	events := opts.Events
	if events == nil {
		events = NewDispatcher(opts.Metrics)
	}
	return &Manager{
		store:     store,
		enforcer:  enforcer,
		meter:     meter,
		estimator: estimator,
		fetcher:   fetcher,
		events:    events,
		audit:     opts.Audit,
		metrics:   opts.Metrics,
		locks:     keylock.New(),
		opts:      opts,
		now:       time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Events returns the dispatcher runtime events are published on.
func (m *Manager) Events() *Dispatcher {
	return m.events
}

// InitSession opens a budget account and creates an active session.
func (m *Manager) InitSession(ctx context.Context, req InitSessionRequest) (*types.Session, error) {
	if req.AgentID == "" {
		return nil, apperrors.Validation("agent_id is required")
	}
	if req.TTL < 0 {
		return nil, apperrors.Validation("ttl must not be negative")
	}
	budget := req.MaxBudget
	if budget == nil {
		budget = m.opts.DefaultBudget
	}
	if budget == nil {
		return nil, apperrors.Validation("max_budget is required")
	}
	if budget.Sign() < 0 {
		return nil, apperrors.Validation("max_budget must not be negative")
	}
	currency := req.Currency
	if currency == "" {
		currency = m.opts.DefaultCurrency
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = m.opts.DefaultTTL
	}

	now := m.now()
	s := &types.Session{
		SessionID:       uuid.NewString(),
		AgentID:         req.AgentID,
		DelegatorID:     req.DelegatorID,
		DelegationID:    req.DelegationID,
		Status:          types.SessionStatusActive,
		CreatedAt:       now,
		LastActivityAt:  now,
		Currency:        currency,
		MaxBudget:       types.CloneAmount(budget),
		TotalSpent:      new(big.Int),
		RemainingBudget: types.CloneAmount(budget),
		Metadata:        req.Metadata,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		s.ExpiresAt = &exp
	}

	if _, err := m.meter.OpenAccount(ctx, s.SessionID, budget, currency); err != nil {
		return nil, err
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.metrics.AddActiveSessions(1)
	m.publish(types.EventSessionStarted, s, "", map[string]string{
		"max_budget": s.MaxBudget.String(),
		"currency":   currency,
	})
	logger.Info(logger.WithSessionID(ctx, s.SessionID), "session started", "agent_id", s.AgentID, "max_budget", s.MaxBudget.String())
	return s.Clone(), nil
}

// GetSession returns the session with budget figures taken from metering.
// An overdue session is moved to expired first.
func (m *Manager) GetSession(ctx context.Context, id string) (*types.Session, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.expireIfDue(ctx, s); err != nil {
		return nil, err
	}
	if err := m.syncBudget(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// ListSessions returns stored sessions matching filter.
func (m *Manager) ListSessions(ctx context.Context, filter ListFilter) ([]*types.Session, error) {
	out, err := m.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// PauseSession moves an active session to paused. Pausing a paused session
// is a no-op.
func (m *Manager) PauseSession(ctx context.Context, id string) (*types.Session, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.expireIfDue(ctx, s); err != nil {
		return nil, err
	}
	switch s.Status {
	case types.SessionStatusPaused:
		return s, nil
	case types.SessionStatusActive:
	default:
		return nil, apperrors.Conflict(fmt.Sprintf("session %s is %s and cannot be paused", id, s.Status))
	}

	if err := m.transition(ctx, s, types.SessionStatusPaused); err != nil {
		return nil, err
	}
	m.publish(types.EventSessionPaused, s, "", nil)
	return s, nil
}

// EndSession terminates a session from any state. Ending a terminated
// session is a no-op.
func (m *Manager) EndSession(ctx context.Context, id string) (*types.Session, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == types.SessionStatusTerminated {
		return s, nil
	}
	if err := m.transition(ctx, s, types.SessionStatusTerminated); err != nil {
		return nil, err
	}
	if err := m.syncBudget(ctx, s); err != nil {
		logger.Warn(ctx, "failed to read final budget", "session_id", id, "error", err)
	}
	m.publish(types.EventSessionEnded, s, "", map[string]string{
		"total_spent":   types.AmountString(s.TotalSpent),
		"request_count": strconv.FormatInt(s.RequestCount, 10),
	})
	logger.Info(logger.WithSessionID(ctx, id), "session ended", "total_spent", types.AmountString(s.TotalSpent))
	return s, nil
}

// ExecuteRequest runs one metered request inside an active session:
// enforcement, estimate, budget check, fetch, then spend. A request without a
// declared amount is priced before enforcement so policies see what will be
// charged. Denials and rejections come back as a failed result with nothing
// spent and no policy usage recorded. Once the fetch is attempted its
// estimated cost is charged whatever the outcome.
func (m *Manager) ExecuteRequest(ctx context.Context, sessionID string, req types.RequestContext) (*types.RequestResult, error) {
	start := time.Now()
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	s, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.expireIfDue(ctx, s); err != nil {
		return nil, err
	}
	if s.Status != types.SessionStatusActive {
		return nil, apperrors.SessionNotActive(sessionID, string(s.Status))
	}

	now := m.now()
	m.bind(&req, s, now)
	ctx = logger.WithRequestID(logger.WithAgentID(logger.WithSessionID(ctx, sessionID), s.AgentID), req.RequestID)

	result := &types.RequestResult{RequestID: req.RequestID, SessionID: sessionID}
	done := func(outcome string) (*types.RequestResult, error) {
		result.Duration = time.Since(start)
		m.metrics.ObserveRequest(outcome, result.Duration.Seconds())
		return result, nil
	}

	var cost *big.Int
	if req.Amount == nil {
		if cost, err = m.estimate(ctx, req); err != nil {
			result.Error = ReasonEstimateUnavailable
			return done("error")
		}
		req.Amount = types.CloneAmount(cost)
	}

	enf, adm := m.enforcer.Admit(ctx, req)
	result.Enforcement = &enf
	if !enf.Allowed {
		result.Error = enf.Reason
		s.PolicyViolations = append(s.PolicyViolations, violationFrom(req.RequestID, enf, now))
		s.LastActivityAt = now
		if err := m.store.Update(ctx, s); err != nil {
			logger.Error(ctx, "failed to record violation on session", "error", err)
		}
		m.publish(types.EventRequestDenied, s, req.RequestID, map[string]string{
			"reason":   enf.Reason,
			"action":   string(enf.Action),
			"endpoint": req.Endpoint,
		})
		return done("denied")
	}

	if cost == nil {
		if cost, err = m.estimate(ctx, req); err != nil {
			adm.Cancel(ctx)
			result.Error = ReasonEstimateUnavailable
			return done("error")
		}
	}
	result.Cost = types.CloneAmount(cost)
	if cost.Cmp(req.Amount) > 0 {
		adm.Cancel(ctx)
		result.Error = ReasonCostAboveDeclared
		logger.Warn(ctx, "estimated cost exceeds the amount policies evaluated",
			"declared", req.Amount.String(),
			"estimated", cost.String(),
		)
		return done("denied")
	}

	acct, err := m.meter.GetAccount(ctx, sessionID)
	if err != nil {
		adm.Cancel(ctx)
		return nil, err
	}
	remaining := acct.Remaining()
	if cost.Cmp(remaining) > 0 {
		adm.Cancel(ctx)
		result.Error = ReasonInsufficientBudget
		m.metrics.IncBudgetRejected()
		m.publish(types.EventBudgetExceeded, s, req.RequestID, map[string]string{
			"requested": cost.String(),
			"remaining": remaining.String(),
		})
		m.log(ctx, types.AuditRecord{
			Type:     types.AuditBudgetExceeded,
			Endpoint: req.Endpoint,
			Method:   req.Method,
			Amount:   cost.String(),
			Reason:   ReasonInsufficientBudget,
			Metadata: map[string]string{"remaining": remaining.String()},
		}, s, req.RequestID, now)
		return done("budget_exceeded")
	}

	fetchCtx, cancel := context.WithTimeout(ctx, m.opts.FetchTimeout)
	resp, fetchErr := m.fetcher.Execute(fetchCtx, req, cost)
	cancel()
	success := fetchErr == nil && resp != nil && resp.StatusCode < http.StatusBadRequest
	result.Response = resp
	result.Success = success
	switch {
	case fetchErr != nil:
		result.Error = fetchErr.Error()
		logger.Warn(ctx, "fetch failed", "endpoint", req.Endpoint, "error", fetchErr)
	case resp == nil:
		result.Error = "no response"
	case !success:
		result.Error = fmt.Sprintf("upstream returned status %d", resp.StatusCode)
	}

	rec, err := m.meter.RecordSpending(ctx, sessionID, cost, metering.SpendingMetadata{
		RequestID: req.RequestID,
		Endpoint:  req.Endpoint,
		Method:    req.Method,
		Success:   success,
	})
	if err != nil {
		adm.Cancel(ctx)
		if apperrors.HasCode(err, apperrors.ErrCodeBudgetExceeded) {
			result.Success = false
			result.Error = ReasonInsufficientBudget
			return done("budget_exceeded")
		}
		return nil, fmt.Errorf("record spending: %w", err)
	}
	adm.Commit(ctx, cost)

	s.RequestCount++
	s.LastActivityAt = now
	if err := m.syncBudget(ctx, s); err != nil {
		logger.Warn(ctx, "failed to refresh session budget", "error", err)
	}
	if err := m.store.Update(ctx, s); err != nil {
		logger.Error(ctx, "failed to update session counters", "error", err)
	}

	status := "0"
	if resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	m.publish(types.EventRequestExecuted, s, req.RequestID, map[string]string{
		"cost":        cost.String(),
		"success":     strconv.FormatBool(success),
		"status_code": status,
		"endpoint":    req.Endpoint,
	})
	m.log(ctx, types.AuditRecord{
		Type:     types.AuditRequestExecuted,
		Endpoint: req.Endpoint,
		Method:   req.Method,
		Amount:   cost.String(),
		Reason:   result.Error,
		Metadata: map[string]string{
			"record_id":   rec.RecordID,
			"status_code": status,
			"success":     strconv.FormatBool(success),
		},
	}, s, req.RequestID, now)

	if success {
		return done("success")
	}
	return done("failed")
}

// CleanupExpiredSessions moves every overdue active or paused session to
// expired and returns how many changed.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (int, error) {
	var candidates []*types.Session
	for _, st := range []types.SessionStatus{types.SessionStatusActive, types.SessionStatusPaused} {
		list, err := m.store.List(ctx, ListFilter{Status: st})
		if err != nil {
			return 0, fmt.Errorf("list sessions: %w", err)
		}
		candidates = append(candidates, list...)
	}

	now := m.now()
	n := 0
	for _, c := range candidates {
		if !c.Expired(now) {
			continue
		}
		changed, err := m.expireOne(ctx, c.SessionID)
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}
	return n, nil
}

// RunSweeper calls CleanupExpiredSessions every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.CleanupExpiredSessions(ctx)
			if err != nil {
				logger.Error(ctx, "session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info(ctx, "expired sessions", "count", n)
			}
		}
	}
}

func (m *Manager) expireOne(ctx context.Context, id string) (bool, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return false, err
	}
	before := s.Status
	if err := m.expireIfDue(ctx, s); err != nil {
		return false, err
	}
	return before != s.Status, nil
}

// expireIfDue must be called with the session lock held.
func (m *Manager) expireIfDue(ctx context.Context, s *types.Session) error {
	if s.Status != types.SessionStatusActive && s.Status != types.SessionStatusPaused {
		return nil
	}
	if !s.Expired(m.now()) {
		return nil
	}
	if err := m.transition(ctx, s, types.SessionStatusExpired); err != nil {
		return err
	}
	m.publish(types.EventSessionExpired, s, "", nil)
	return nil
}

func (m *Manager) transition(ctx context.Context, s *types.Session, to types.SessionStatus) error {
	from := s.Status
	if !canTransition(from, to) {
		return apperrors.Conflict(fmt.Sprintf("session %s cannot move from %s to %s", s.SessionID, from, to))
	}
	s.Status = to
	s.LastActivityAt = m.now()
	if err := m.store.Update(ctx, s); err != nil {
		s.Status = from
		return fmt.Errorf("update session: %w", err)
	}
	if from == types.SessionStatusActive {
		m.metrics.AddActiveSessions(-1)
	}
	return nil
}

func canTransition(from, to types.SessionStatus) bool {
	switch from {
	case types.SessionStatusActive:
		return to == types.SessionStatusPaused || to == types.SessionStatusExpired || to == types.SessionStatusTerminated
	case types.SessionStatusPaused:
		return to == types.SessionStatusExpired || to == types.SessionStatusTerminated
	case types.SessionStatusExpired:
		return to == types.SessionStatusTerminated
	}
	return false
}

func (m *Manager) load(ctx context.Context, id string) (*types.Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if s == nil {
		return nil, apperrors.NotFound("session", id)
	}
	return s, nil
}

func (m *Manager) syncBudget(ctx context.Context, s *types.Session) error {
	acct, err := m.meter.GetAccount(ctx, s.SessionID)
	if err != nil {
		return err
	}
	s.MaxBudget = types.CloneAmount(acct.InitialBudget)
	s.TotalSpent = types.CloneAmount(acct.TotalSpent)
	s.RemainingBudget = acct.Remaining()
	return nil
}

// bind fills the request identity from the session where the caller left it
// empty.
// estimate prices req under the estimate timeout. A nil or negative cost is
// an error.
func (m *Manager) estimate(ctx context.Context, req types.RequestContext) (*big.Int, error) {
	estCtx, cancel := context.WithTimeout(ctx, m.opts.EstimateTimeout)
	defer cancel()
	cost, err := m.estimator.Estimate(estCtx, req)
	if err == nil && (cost == nil || cost.Sign() < 0) {
		err = fmt.Errorf("estimator returned invalid cost %s", types.AmountString(cost))
	}
	if err != nil {
		logger.Error(ctx, "cost estimation failed", "endpoint", req.Endpoint, "error", err)
		return nil, err
	}
	return cost, nil
}

func (m *Manager) bind(req *types.RequestContext, s *types.Session, now time.Time) {
	req.SessionID = s.SessionID
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.AgentID == "" {
		req.AgentID = s.AgentID
	}
	if req.UserID == "" {
		req.UserID = s.DelegatorID
	}
	if req.DelegationID == "" {
		req.DelegationID = s.DelegationID
	}
	if req.Currency == "" {
		req.Currency = s.Currency
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	req.Timestamp = now
}

func (m *Manager) publish(t types.RuntimeEventType, s *types.Session, requestID string, data map[string]string) {
	m.events.Publish(types.RuntimeEvent{
		Type:      t,
		SessionID: s.SessionID,
		AgentID:   s.AgentID,
		RequestID: requestID,
		Timestamp: m.now(),
		Data:      data,
	})
}

func (m *Manager) log(ctx context.Context, rec types.AuditRecord, s *types.Session, requestID string, now time.Time) {
	if m.audit == nil {
		return
	}
	rec.ID = uuid.NewString()
	rec.SessionID = s.SessionID
	rec.AgentID = s.AgentID
	rec.UserID = s.DelegatorID
	rec.RequestID = requestID
	rec.Timestamp = now
	m.audit.Log(ctx, rec)
}

// violationFrom picks the first denying policy of a result.
func violationFrom(requestID string, enf types.EnforcementResult, now time.Time) types.PolicyViolation {
	v := types.PolicyViolation{
		RequestID: requestID,
		Type:      types.ViolationEvaluationError,
		Reason:    enf.Reason,
		Timestamp: now,
	}
	for _, pr := range enf.PolicyResults {
		if pr.Result.Allowed || len(pr.Result.Violations) == 0 {
			continue
		}
		v.PolicyID = pr.PolicyID
		v.Type = pr.Result.Violations[0].Type
		break
	}
	return v
}
