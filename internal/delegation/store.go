package delegation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/better-wallet/spendguard/pkg/types"
)

// ListFilter narrows ListDelegations. Zero fields match everything.
type ListFilter struct {
	Delegator string
	Delegatee string
	Status    types.DelegationStatus
	Limit     int
	Offset    int
}

func (f ListFilter) Matches(d *types.Delegation) bool {
	if f.Delegator != "" && d.Delegator != f.Delegator {
		return false
	}
	if f.Delegatee != "" && d.Delegatee != f.Delegatee {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	return true
}

// Store persists delegations. Get returns (nil, nil) for unknown ids.
type Store interface {
	Create(ctx context.Context, d *types.Delegation) error
	Get(ctx context.Context, id string) (*types.Delegation, error)
	Update(ctx context.Context, d *types.Delegation) error
	List(ctx context.Context, filter ListFilter) ([]*types.Delegation, error)
}

// MemoryStore is a map-backed Store.
type MemoryStore struct {
	mu          sync.RWMutex
	delegations map[string]*types.Delegation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{delegations: make(map[string]*types.Delegation)}
}

func (s *MemoryStore) Create(_ context.Context, d *types.Delegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.delegations[d.ID]; ok {
		return fmt.Errorf("delegation %s already exists", d.ID)
	}
	s.delegations[d.ID] = d.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*types.Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.delegations[id]
	if !ok {
		return nil, nil
	}
	return d.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, d *types.Delegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.delegations[d.ID]; !ok {
		return fmt.Errorf("delegation %s not found", d.ID)
	}
	s.delegations[d.ID] = d.Clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*types.Delegation, error) {
	s.mu.RLock()
	out := make([]*types.Delegation, 0, len(s.delegations))
	for _, d := range s.delegations {
		if filter.Matches(d) {
			out = append(out, d.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*types.Delegation{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}
