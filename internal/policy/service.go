package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/better-wallet/spendguard/internal/keylock"
	"github.com/better-wallet/spendguard/internal/logger"
	"github.com/better-wallet/spendguard/internal/validation"
	apperrors "github.com/better-wallet/spendguard/pkg/errors"
	"github.com/better-wallet/spendguard/pkg/types"
)

// LedgerRecorder queues a best-effort registration with the external ledger.
type LedgerRecorder interface {
	Record(topic string, payload []byte) bool
}

// AuditLogger accepts audit records; it never blocks or fails the caller.
type AuditLogger interface {
	Log(ctx context.Context, rec types.AuditRecord)
}

// Service owns policy lifecycle and usage accounting.
type Service struct {
	store    Store
	locks    *keylock.Map
	recorder LedgerRecorder
	notifier Notifier
	audit    AuditLogger
	now      func() time.Time
}

// NewService creates a policy service. recorder, notifier and audit may be nil.
func NewService(store Store, recorder LedgerRecorder, notifier Notifier, audit AuditLogger) *Service {
	return &Service{
		store:    store,
		locks:    keylock.New(),
		recorder: recorder,
		notifier: notifier,
		audit:    audit,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// CreatePolicyRequest represents a request to create a policy
type CreatePolicyRequest struct {
	Name      string             `json:"name"`
	Type      types.PolicyType   `json:"type"`
	Config    types.PolicyConfig `json:"config"`
	UserID    string             `json:"user_id,omitempty"`
	AgentID   string             `json:"agent_id,omitempty"`
	ExpiresAt *time.Time         `json:"expires_at,omitempty"`
	CreatedBy string             `json:"created_by"`
	Tags      []string           `json:"tags,omitempty"`
}

// CreatePolicy validates and stores a new active policy
func (s *Service) CreatePolicy(ctx context.Context, req CreatePolicyRequest) (*types.Policy, error) {
	if req.Name == "" {
		return nil, apperrors.Validation("name is required")
	}
	if !types.IsValidPolicyType(req.Type) {
		return nil, apperrors.Validationf("unknown policy type %q", req.Type)
	}
	if err := validation.ValidatePolicyConfig(req.Type, req.Config); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	now := s.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, apperrors.Validation("expires_at must be in the future")
	}

	p := &types.Policy{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Type:      req.Type,
		Config:    req.Config,
		Status:    types.PolicyStatusActive,
		UserID:    req.UserID,
		AgentID:   req.AgentID,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: req.ExpiresAt,
		CreatedBy: req.CreatedBy,
		Tags:      req.Tags,
	}

	if err := s.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create policy: %w", err)
	}

	s.publish(ctx, p, types.AuditPolicyCreated)
	return p, nil
}

// UpdatePolicyRequest carries optional changes; nil fields are left alone.
type UpdatePolicyRequest struct {
	Name      *string            `json:"name,omitempty"`
	Config    types.PolicyConfig `json:"config,omitempty"`
	ExpiresAt *time.Time         `json:"expires_at,omitempty"`
	Tags      []string           `json:"tags,omitempty"`
}

// UpdatePolicy applies changes to a non-revoked policy and bumps UpdatedAt,
// which invalidates any cached evaluation of the previous version.
func (s *Service) UpdatePolicy(ctx context.Context, id string, req UpdatePolicyRequest) (*types.Policy, error) {
	return s.mutate(ctx, id, types.AuditPolicyUpdated, func(p *types.Policy, now time.Time) error {
		if p.Status == types.PolicyStatusRevoked {
			return apperrors.Conflict("revoked policies cannot be updated")
		}
		if req.Name != nil {
			if *req.Name == "" {
				return apperrors.Validation("name cannot be empty")
			}
			p.Name = *req.Name
		}
		if req.Config != nil {
			if err := validation.ValidatePolicyConfig(p.Type, req.Config); err != nil {
				return apperrors.Validation(err.Error())
			}
			p.Config = req.Config
		}
		if req.ExpiresAt != nil {
			if !req.ExpiresAt.After(now) {
				return apperrors.Validation("expires_at must be in the future")
			}
			p.ExpiresAt = req.ExpiresAt
		}
		if req.Tags != nil {
			p.Tags = req.Tags
		}
		return nil
	})
}

// RevokePolicy permanently disables a policy. Revoking twice is a no-op.
func (s *Service) RevokePolicy(ctx context.Context, id string) (*types.Policy, error) {
	return s.mutate(ctx, id, types.AuditPolicyRevoked, func(p *types.Policy, _ time.Time) error {
		if p.Status == types.PolicyStatusRevoked {
			return errUnchanged
		}
		p.Status = types.PolicyStatusRevoked
		return nil
	})
}

// PausePolicy suspends an active policy.
func (s *Service) PausePolicy(ctx context.Context, id string) (*types.Policy, error) {
	return s.setStatus(ctx, id, types.PolicyStatusActive, types.PolicyStatusPaused)
}

// ResumePolicy reactivates a paused policy.
func (s *Service) ResumePolicy(ctx context.Context, id string) (*types.Policy, error) {
	return s.setStatus(ctx, id, types.PolicyStatusPaused, types.PolicyStatusActive)
}

func (s *Service) setStatus(ctx context.Context, id string, from, to types.PolicyStatus) (*types.Policy, error) {
	return s.mutate(ctx, id, types.AuditPolicyUpdated, func(p *types.Policy, _ time.Time) error {
		if p.Status == to {
			return errUnchanged
		}
		if p.Status != from {
			return apperrors.Conflict(fmt.Sprintf("policy is %s, expected %s", p.Status, from))
		}
		p.Status = to
		return nil
	})
}

// DeletePolicy removes a policy and its usage stats.
func (s *Service) DeletePolicy(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get policy: %w", err)
	}
	if p == nil {
		return apperrors.NotFound("policy", id)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	s.notify(ctx, id)
	return nil
}

// GetPolicy returns a policy by ID
func (s *Service) GetPolicy(ctx context.Context, id string) (*types.Policy, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	if p == nil {
		return nil, apperrors.NotFound("policy", id)
	}
	return p, nil
}

// ListPolicies returns policies matching filter
func (s *Service) ListPolicies(ctx context.Context, filter ListFilter) ([]*types.Policy, error) {
	if filter.Type != "" && !types.IsValidPolicyType(filter.Type) {
		return nil, apperrors.Validationf("unknown policy type %q", filter.Type)
	}
	policies, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	return policies, nil
}

// ApplicablePolicies returns the usable policies of type t attached to the
// (user, agent) pair, ordered by creation time.
func (s *Service) ApplicablePolicies(ctx context.Context, userID, agentID string, t types.PolicyType) ([]*types.Policy, error) {
	all, err := s.store.List(ctx, ListFilter{Type: t, Status: types.PolicyStatusActive})
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}

	now := s.now()
	out := make([]*types.Policy, 0, len(all))
	for _, p := range all {
		if p.AppliesTo(userID, agentID) && p.Usable(now) {
			out = append(out, p)
		}
	}
	return out, nil
}

// ExpireOverdue moves active or paused policies past ExpiresAt to expired.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	now := s.now()
	candidates, err := s.store.List(ctx, ListFilter{})
	if err != nil {
		return 0, fmt.Errorf("failed to list policies: %w", err)
	}

	expired := 0
	for _, c := range candidates {
		if c.ExpiresAt == nil || now.Before(*c.ExpiresAt) {
			continue
		}
		if c.Status != types.PolicyStatusActive && c.Status != types.PolicyStatusPaused {
			continue
		}
		_, err := s.mutate(ctx, c.ID, types.AuditPolicyUpdated, func(p *types.Policy, _ time.Time) error {
			if p.Status != types.PolicyStatusActive && p.Status != types.PolicyStatusPaused {
				return errUnchanged
			}
			p.Status = types.PolicyStatusExpired
			return nil
		})
		if err != nil {
			logger.Warn(ctx, "failed to expire policy", "policy_id", c.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

// RecordUsage adds an admitted spend to the policy's running totals,
// rolling the current period over when its window has elapsed.
func (s *Service) RecordUsage(ctx context.Context, p *types.Policy, amount *big.Int) error {
	unlock := s.locks.Lock(p.ID)
	defer unlock()

	stats, err := s.loadUsage(ctx, p)
	if err != nil {
		return err
	}

	now := s.now()
	if amount == nil {
		amount = new(big.Int)
	}

	total, err := parseTotal(stats.TotalSpent)
	if err != nil {
		return err
	}
	period, err := parseTotal(stats.CurrentPeriodSpent)
	if err != nil {
		return err
	}

	stats.TotalSpent = total.Add(total, amount).String()
	stats.CurrentPeriodSpent = period.Add(period, amount).String()
	stats.TotalTransactions++
	stats.CurrentPeriodTransactions++
	stats.LastUsed = &now

	if err := s.store.SaveUsage(ctx, stats); err != nil {
		return fmt.Errorf("failed to save usage: %w", err)
	}
	return nil
}

// RecordViolation counts a denial against the policy.
func (s *Service) RecordViolation(ctx context.Context, p *types.Policy) error {
	unlock := s.locks.Lock(p.ID)
	defer unlock()

	stats, err := s.loadUsage(ctx, p)
	if err != nil {
		return err
	}
	stats.Violations++
	if err := s.store.SaveUsage(ctx, stats); err != nil {
		return fmt.Errorf("failed to save usage: %w", err)
	}
	return nil
}

// GetUsageStats returns current usage for a policy, rolled over if needed.
func (s *Service) GetUsageStats(ctx context.Context, id string) (*types.PolicyUsageStats, error) {
	p, err := s.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()
	return s.loadUsage(ctx, p)
}

// loadUsage must be called with the policy lock held.
func (s *Service) loadUsage(ctx context.Context, p *types.Policy) (*types.PolicyUsageStats, error) {
	stats, err := s.store.GetUsage(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}

	now := s.now()
	if stats == nil {
		return &types.PolicyUsageStats{
			PolicyID:           p.ID,
			TotalSpent:         "0",
			CurrentPeriodSpent: "0",
			PeriodStart:        PeriodStart(p.Config, now, time.Time{}),
		}, nil
	}

	start := PeriodStart(p.Config, now, stats.PeriodStart)
	if !start.Equal(stats.PeriodStart) {
		stats.PeriodStart = start
		stats.CurrentPeriodSpent = "0"
		stats.CurrentPeriodTransactions = 0
	}
	return stats, nil
}

func parseTotal(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	n, err := types.ParseAmount(s)
	if err != nil {
		return nil, fmt.Errorf("invalid stored usage total: %w", err)
	}
	return n, nil
}

var errUnchanged = errors.New("unchanged")

// mutate loads, changes and saves a policy under its lock. fn returning
// errUnchanged short-circuits with the current policy and no side effects.
func (s *Service) mutate(ctx context.Context, id string, event types.AuditRecordType, fn func(p *types.Policy, now time.Time) error) (*types.Policy, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	if p == nil {
		return nil, apperrors.NotFound("policy", id)
	}

	now := s.now()
	if err := fn(p, now); err != nil {
		if errors.Is(err, errUnchanged) {
			return p, nil
		}
		return nil, err
	}

	// UpdatedAt keys the evaluation cache, so it must move forward.
	if !now.After(p.UpdatedAt) {
		now = p.UpdatedAt.Add(time.Nanosecond)
	}
	p.UpdatedAt = now

	if err := s.store.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to update policy: %w", err)
	}

	s.publish(ctx, p, event)
	return p, nil
}

// publish fans a change out to the ledger, peers and the audit trail.
// All three are best-effort.
func (s *Service) publish(ctx context.Context, p *types.Policy, event types.AuditRecordType) {
	if s.recorder != nil {
		payload, err := json.Marshal(struct {
			Event  types.AuditRecordType `json:"event"`
			Policy *types.Policy         `json:"policy"`
		}{event, p})
		if err != nil {
			logger.Error(ctx, "failed to marshal policy for ledger", "policy_id", p.ID, "error", err)
		} else if !s.recorder.Record(types.TopicPolicies, payload) {
			logger.Warn(ctx, "ledger recorder shed policy registration", "policy_id", p.ID)
		}
	}

	s.notify(ctx, p.ID)

	if s.audit != nil {
		s.audit.Log(ctx, types.AuditRecord{
			Type:       event,
			UserID:     p.UserID,
			AgentID:    p.AgentID,
			ResourceID: p.ID,
			Metadata: map[string]string{
				"policy_type": string(p.Type),
				"status":      string(p.Status),
			},
			Timestamp: s.now(),
		})
	}
}

func (s *Service) notify(ctx context.Context, id string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PolicyChanged(ctx, id); err != nil {
		logger.Warn(ctx, "failed to publish policy change", "policy_id", id, "error", err)
	}
}
