package metering

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/better-wallet/spendguard/pkg/types"
)

var (
	ErrAccountNotFound    = errors.New("metering account not found")
	ErrAccountExists      = errors.New("metering account already exists")
	ErrInsufficientBudget = errors.New("insufficient budget")
	ErrBudgetBelowSpent   = errors.New("budget is below total spent")
)

// Account is the budget ledger for one session.
type Account struct {
	SessionID     string    `json:"session_id"`
	Currency      string    `json:"currency"`
	InitialBudget *big.Int  `json:"initial_budget"`
	TotalSpent    *big.Int  `json:"total_spent"`
	RequestCount  int64     `json:"request_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Remaining returns InitialBudget - TotalSpent.
func (a *Account) Remaining() *big.Int {
	return new(big.Int).Sub(types.CloneAmount(a.InitialBudget), types.CloneAmount(a.TotalSpent))
}

func (a *Account) Clone() *Account {
	cp := *a
	cp.InitialBudget = types.CloneAmount(a.InitialBudget)
	cp.TotalSpent = types.CloneAmount(a.TotalSpent)
	return &cp
}

// Store persists accounts and their spending records.
//
// Debit must append the record and charge the account as one atomic step:
// when rec.Amount exceeds the remaining budget it returns
// ErrInsufficientBudget and changes nothing. SetBudget returns
// ErrBudgetBelowSpent when the new budget would not cover what is already
// spent. GetAccount returns (nil, nil) for unknown sessions.
type Store interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, sessionID string) (*Account, error)
	Debit(ctx context.Context, rec *types.SpendingRecord) (*Account, error)
	SetBudget(ctx context.Context, sessionID string, budget *big.Int, now time.Time) (*Account, error)
	ListRecords(ctx context.Context, sessionID string, limit, offset int) ([]*types.SpendingRecord, error)
}

// MemoryStore keeps accounts and records in process.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	records  map[string][]*types.SpendingRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		records:  make(map[string][]*types.SpendingRecord),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.SessionID]; ok {
		return ErrAccountExists
	}
	s.accounts[a.SessionID] = a.Clone()
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, sessionID string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[sessionID]
	if !ok {
		return nil, nil
	}
	return a.Clone(), nil
}

func (s *MemoryStore) Debit(_ context.Context, rec *types.SpendingRecord) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[rec.SessionID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	amount := types.CloneAmount(rec.Amount)
	if amount.Cmp(a.Remaining()) > 0 {
		return nil, ErrInsufficientBudget
	}

	a.TotalSpent = new(big.Int).Add(types.CloneAmount(a.TotalSpent), amount)
	a.RequestCount++
	a.UpdatedAt = rec.Timestamp

	cp := *rec
	cp.Amount = amount
	s.records[rec.SessionID] = append(s.records[rec.SessionID], &cp)
	return a.Clone(), nil
}

func (s *MemoryStore) SetBudget(_ context.Context, sessionID string, budget *big.Int, now time.Time) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[sessionID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if budget.Cmp(types.CloneAmount(a.TotalSpent)) < 0 {
		return nil, ErrBudgetBelowSpent
	}
	a.InitialBudget = types.CloneAmount(budget)
	a.UpdatedAt = now
	return a.Clone(), nil
}

func (s *MemoryStore) ListRecords(_ context.Context, sessionID string, limit, offset int) ([]*types.SpendingRecord, error) {
	s.mu.RLock()
	src := s.records[sessionID]
	out := make([]*types.SpendingRecord, 0, len(src))
	for _, r := range src {
		cp := *r
		cp.Amount = types.CloneAmount(r.Amount)
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	if offset > 0 {
		if offset >= len(out) {
			return []*types.SpendingRecord{}, nil
		}
		out = out[offset:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}
