// Package metering tracks per-session budgets and the spend charged against
// them. Amounts are integers in atomic currency units throughout.
package metering

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/better-wallet/spendguard/internal/keylock"
	"github.com/better-wallet/spendguard/internal/logger"
	"github.com/better-wallet/spendguard/internal/metrics"
	"github.com/better-wallet/spendguard/internal/validation"
	apperrors "github.com/better-wallet/spendguard/pkg/errors"
	"github.com/better-wallet/spendguard/pkg/types"
)

// SpendingMetadata describes the request a spend is charged for.
type SpendingMetadata struct {
	RequestID string
	Endpoint  string
	Method    string
	Success   bool
}

// Service charges spend against session budgets.
type Service struct {
	store   Store
	locks   *keylock.Map
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates a metering service. m may be nil.
func NewService(store Store, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		locks:   keylock.New(),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// OpenAccount creates the budget for a session.
func (s *Service) OpenAccount(ctx context.Context, sessionID string, budget *big.Int, currency string) (*Account, error) {
	if sessionID == "" {
		return nil, apperrors.Validation("session_id is required")
	}
	if err := validation.ValidateAmount(budget, nil); err != nil {
		return nil, apperrors.Validationf("budget: %v", err)
	}
	if currency == "" {
		currency = types.DefaultCurrency
	}

	now := s.now()
	a := &Account{
		SessionID:     sessionID,
		Currency:      currency,
		InitialBudget: types.CloneAmount(budget),
		TotalSpent:    new(big.Int),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateAccount(ctx, a); err != nil {
		if errors.Is(err, ErrAccountExists) {
			return nil, apperrors.Conflict(fmt.Sprintf("metering account for session %s already exists", sessionID))
		}
		return nil, fmt.Errorf("failed to create metering account: %w", err)
	}
	return a, nil
}

// RecordSpending charges amount to the session and appends a spending
// record. The remaining-budget check and the decrement happen in one
// critical section, so concurrent spends can never overdraw the account.
func (s *Service) RecordSpending(ctx context.Context, sessionID string, amount *big.Int, meta SpendingMetadata) (*types.SpendingRecord, error) {
	if err := validation.ValidateAmount(amount, nil); err != nil {
		return nil, apperrors.Validationf("amount: %v", err)
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	a, err := s.account(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if remaining := a.Remaining(); amount.Cmp(remaining) > 0 {
		s.metrics.IncBudgetRejected()
		return nil, apperrors.BudgetExceeded(sessionID, amount.String(), remaining.String())
	}

	rec := &types.SpendingRecord{
		RecordID:  uuid.NewString(),
		SessionID: sessionID,
		RequestID: meta.RequestID,
		Amount:    types.CloneAmount(amount),
		Currency:  a.Currency,
		Timestamp: s.now(),
		Endpoint:  meta.Endpoint,
		Method:    meta.Method,
		Success:   meta.Success,
	}

	updated, err := s.store.Debit(ctx, rec)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientBudget):
			s.metrics.IncBudgetRejected()
			return nil, apperrors.BudgetExceeded(sessionID, amount.String(), a.Remaining().String())
		case errors.Is(err, ErrAccountNotFound):
			return nil, apperrors.NotFound("metering account", sessionID)
		}
		return nil, fmt.Errorf("failed to record spending: %w", err)
	}

	f, _ := new(big.Float).SetInt(amount).Float64()
	s.metrics.AddSpend(a.Currency, f)
	logger.Debug(ctx, "spend recorded",
		"session_id", sessionID,
		"amount", amount.String(),
		"remaining", updated.Remaining().String(),
	)
	return rec, nil
}

// GetRemainingBudget returns InitialBudget - TotalSpent for the session.
func (s *Service) GetRemainingBudget(ctx context.Context, sessionID string) (*big.Int, error) {
	a, err := s.account(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return a.Remaining(), nil
}

// GetAccount returns the session's account.
func (s *Service) GetAccount(ctx context.Context, sessionID string) (*Account, error) {
	return s.account(ctx, sessionID)
}

// UpdateBudget replaces the initial budget. The new budget must cover what
// has already been spent.
func (s *Service) UpdateBudget(ctx context.Context, sessionID string, budget *big.Int) (*Account, error) {
	if err := validation.ValidateAmount(budget, nil); err != nil {
		return nil, apperrors.Validationf("budget: %v", err)
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	a, err := s.store.SetBudget(ctx, sessionID, budget, s.now())
	if err != nil {
		switch {
		case errors.Is(err, ErrAccountNotFound):
			return nil, apperrors.NotFound("metering account", sessionID)
		case errors.Is(err, ErrBudgetBelowSpent):
			return nil, apperrors.Validation("budget cannot be lower than total spent")
		}
		return nil, fmt.Errorf("failed to update budget: %w", err)
	}
	return a, nil
}

// IsBudgetExceeded reports whether requested is more than the session has left.
func (s *Service) IsBudgetExceeded(ctx context.Context, sessionID string, requested *big.Int) (bool, error) {
	remaining, err := s.GetRemainingBudget(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return types.CloneAmount(requested).Cmp(remaining) > 0, nil
}

// GetMeteringData summarises the session's spend with a per endpoint and
// method breakdown.
func (s *Service) GetMeteringData(ctx context.Context, sessionID string) (*types.MeteringData, error) {
	unlock := s.locks.Lock(sessionID)
	a, err := s.account(ctx, sessionID)
	if err != nil {
		unlock()
		return nil, err
	}
	records, err := s.store.ListRecords(ctx, sessionID, 0, 0)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to list spending records: %w", err)
	}

	type key struct{ endpoint, method string }
	groups := make(map[key]*types.CostBreakdown)
	for _, r := range records {
		k := key{r.Endpoint, r.Method}
		g, ok := groups[k]
		if !ok {
			g = &types.CostBreakdown{Endpoint: r.Endpoint, Method: r.Method, TotalCost: new(big.Int)}
			groups[k] = g
		}
		g.RequestCount++
		g.TotalCost.Add(g.TotalCost, types.CloneAmount(r.Amount))
	}

	breakdown := make([]types.CostBreakdown, 0, len(groups))
	for _, g := range groups {
		breakdown = append(breakdown, *g)
	}
	sort.Slice(breakdown, func(i, j int) bool {
		if breakdown[i].Endpoint == breakdown[j].Endpoint {
			return breakdown[i].Method < breakdown[j].Method
		}
		return breakdown[i].Endpoint < breakdown[j].Endpoint
	})

	average := new(big.Int)
	if a.RequestCount > 0 {
		average.Quo(types.CloneAmount(a.TotalSpent), big.NewInt(a.RequestCount))
	}

	return &types.MeteringData{
		SessionID:       sessionID,
		Currency:        a.Currency,
		InitialBudget:   types.CloneAmount(a.InitialBudget),
		TotalSpent:      types.CloneAmount(a.TotalSpent),
		RemainingBudget: a.Remaining(),
		RequestCount:    a.RequestCount,
		AverageCost:     average,
		CostBreakdown:   breakdown,
	}, nil
}

// ListRecords pages through a session's spending records, oldest first.
func (s *Service) ListRecords(ctx context.Context, sessionID string, limit, offset int) ([]*types.SpendingRecord, error) {
	if _, err := s.account(ctx, sessionID); err != nil {
		return nil, err
	}
	records, err := s.store.ListRecords(ctx, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list spending records: %w", err)
	}
	return records, nil
}

func (s *Service) account(ctx context.Context, sessionID string) (*Account, error) {
	a, err := s.store.GetAccount(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get metering account: %w", err)
	}
	if a == nil {
		return nil, apperrors.NotFound("metering account", sessionID)
	}
	return a, nil
}
