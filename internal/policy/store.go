package policy

import (
	"context"

	"github.com/better-wallet/spendguard/pkg/types"
)

// ListFilter narrows ListPolicies. Zero fields match everything.
type ListFilter struct {
	UserID  string
	AgentID string
	Type    types.PolicyType
	Status  types.PolicyStatus
	Tag     string
	Limit   int
	Offset  int
}

// Matches reports whether p passes the filter (ignoring Limit/Offset).
func (f ListFilter) Matches(p *types.Policy) bool {
	if f.UserID != "" && p.UserID != f.UserID {
		return false
	}
	if f.AgentID != "" && p.AgentID != f.AgentID {
		return false
	}
	if f.Type != "" && p.Type != f.Type {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, t := range p.Tags {
			if t == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Store persists policies and their usage stats. Get and GetUsage return
// (nil, nil) when the record does not exist. List orders by CreatedAt, then ID.
type Store interface {
	Create(ctx context.Context, p *types.Policy) error
	Get(ctx context.Context, id string) (*types.Policy, error)
	Update(ctx context.Context, p *types.Policy) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter ListFilter) ([]*types.Policy, error)

	GetUsage(ctx context.Context, policyID string) (*types.PolicyUsageStats, error)
	SaveUsage(ctx context.Context, stats *types.PolicyUsageStats) error
}
