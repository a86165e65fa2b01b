package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/better-wallet/spendguard/pkg/types"
)

// ListFilter narrows ListSessions. Zero fields match everything.
type ListFilter struct {
	AgentID     string
	DelegatorID string
	Status      types.SessionStatus
	Limit       int
	Offset      int
}

func (f ListFilter) Matches(s *types.Session) bool {
	if f.AgentID != "" && s.AgentID != f.AgentID {
		return false
	}
	if f.DelegatorID != "" && s.DelegatorID != f.DelegatorID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	return true
}

// Store persists sessions. Get returns (nil, nil) for unknown ids and List
// orders by CreatedAt, then SessionID.
type Store interface {
	Create(ctx context.Context, s *types.Session) error
	Get(ctx context.Context, id string) (*types.Session, error)
	Update(ctx context.Context, s *types.Session) error
	List(ctx context.Context, filter ListFilter) ([]*types.Session, error)
}

// MemoryStore is a map-backed Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*types.Session)}
}

func (m *MemoryStore) Create(_ context.Context, s *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.SessionID]; ok {
		return fmt.Errorf("session %s already exists", s.SessionID)
	}
	m.sessions[s.SessionID] = s.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, s *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.SessionID]; !ok {
		return fmt.Errorf("session %s not found", s.SessionID)
	}
	m.sessions[s.SessionID] = s.Clone()
	return nil
}

func (m *MemoryStore) List(_ context.Context, filter ListFilter) ([]*types.Session, error) {
	m.mu.RLock()
	out := make([]*types.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if filter.Matches(s) {
			out = append(out, s.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*types.Session{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}
