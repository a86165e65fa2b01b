package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/better-wallet/spendguard/pkg/types"
)

// MemoryStore is a map-backed Store for tests and single-process use.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*types.Policy
	usage    map[string]*types.PolicyUsageStats
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[string]*types.Policy),
		usage:    make(map[string]*types.PolicyUsageStats),
	}
}

func (s *MemoryStore) Create(_ context.Context, p *types.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.policies[p.ID]; exists {
		return fmt.Errorf("policy %s already exists", p.ID)
	}
	s.policies[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*types.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, p *types.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[p.ID]; !ok {
		return fmt.Errorf("policy %s does not exist", p.ID)
	}
	s.policies[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.policies, id)
	delete(s.usage, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*types.Policy, error) {
	s.mu.RLock()
	out := make([]*types.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		if filter.Matches(p) {
			out = append(out, p.Clone())
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
			return []*types.Policy{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) GetUsage(_ context.Context, policyID string) (*types.PolicyUsageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.usage[policyID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) SaveUsage(_ context.Context, stats *types.PolicyUsageStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *stats
	s.usage[stats.PolicyID] = &cp
	return nil
}
