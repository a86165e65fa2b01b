package policy

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/better-wallet/spendguard/pkg/errors"
	"github.com/better-wallet/spendguard/pkg/types"
)

type fakeRecorder struct {
	mu      sync.Mutex
	topics  []string
	payload [][]byte
}

func (f *fakeRecorder) Record(topic string, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.payload = append(f.payload, payload)
	return true
}

type fakeNotifier struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeNotifier) PolicyChanged(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	records []types.AuditRecord
}

func (f *fakeAudit) Log(_ context.Context, rec types.AuditRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
}

type serviceFixture struct {
	svc      *Service
	store    *MemoryStore
	recorder *fakeRecorder
	notifier *fakeNotifier
	audit    *fakeAudit
	now      time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:    NewMemoryStore(),
		recorder: &fakeRecorder{},
		notifier: &fakeNotifier{},
		audit:    &fakeAudit{},
		now:      testNow,
	}
	f.svc = NewService(f.store, f.recorder, f.notifier, f.audit)
	f.svc.SetClock(func() time.Time { return f.now })
	return f
}

func spendingRequest() CreatePolicyRequest {
	return CreatePolicyRequest{
		Name:      "daily cap",
		Type:      types.PolicyTypeSpendingLimit,
		Config:    &types.SpendingLimitConfig{MaxAmount: "1000000", TimeWindow: types.TimeWindowDaily},
		UserID:    "user-1",
		AgentID:   "agent-1",
		CreatedBy: "admin",
	}
}

func TestService_CreatePolicy(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	p, err := f.svc.CreatePolicy(ctx, spendingRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, types.PolicyStatusActive, p.Status)
	assert.Equal(t, testNow, p.CreatedAt)

	got, err := f.svc.GetPolicy(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)

	require.Len(t, f.recorder.topics, 1)
	assert.Equal(t, types.TopicPolicies, f.recorder.topics[0])
	var payload map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(f.recorder.payload[0], &payload))
	assert.Contains(t, payload, "policy")

	assert.Equal(t, []string{p.ID}, f.notifier.ids)
	require.Len(t, f.audit.records, 1)
	assert.Equal(t, types.AuditPolicyCreated, f.audit.records[0].Type)
}

func TestService_CreatePolicyValidation(t *testing.T) {
	past := testNow.Add(-time.Hour)

	tests := []struct {
		name   string
		mutate func(r *CreatePolicyRequest)
	}{
		{"missing name", func(r *CreatePolicyRequest) { r.Name = "" }},
		{"unknown type", func(r *CreatePolicyRequest) { r.Type = "geo" }},
		{"config mismatch", func(r *CreatePolicyRequest) { r.Config = &types.RateLimitConfig{RequestsPerMinute: 1} }},
		{"bad amount", func(r *CreatePolicyRequest) {
			r.Config = &types.SpendingLimitConfig{MaxAmount: "-1", TimeWindow: types.TimeWindowDaily}
		}},
		{"expiry in past", func(r *CreatePolicyRequest) { r.ExpiresAt = &past }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)
			req := spendingRequest()
			tt.mutate(&req)

			_, err := f.svc.CreatePolicy(context.Background(), req)
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation), err.Error())
			assert.Empty(t, f.recorder.topics)
		})
	}
}

func TestService_UpdatePolicyBumpsUpdatedAt(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	p, err := f.svc.CreatePolicy(ctx, spendingRequest())
	require.NoError(t, err)

	name := "renamed"
	updated, err := f.svc.UpdatePolicy(ctx, p.ID, UpdatePolicyRequest{
		Name:   &name,
		Config: &types.SpendingLimitConfig{MaxAmount: "5", TimeWindow: types.TimeWindowWeekly},
	})
	require.NoError(t, err)

	assert.Equal(t, "renamed", updated.Name)
	assert.True(t, updated.UpdatedAt.After(p.UpdatedAt), "same clock reading must still advance UpdatedAt")
	cfg := updated.Config.(*types.SpendingLimitConfig)
	assert.Equal(t, "5", cfg.MaxAmount)

	_, err = f.svc.UpdatePolicy(ctx, p.ID, UpdatePolicyRequest{Config: &types.RateLimitConfig{RequestsPerMinute: 1}})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestService_RevokeLifecycle(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	p, err := f.svc.CreatePolicy(ctx, spendingRequest())
	require.NoError(t, err)

	revoked, err := f.svc.RevokePolicy(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PolicyStatusRevoked, revoked.Status)

	again, err := f.svc.RevokePolicy(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, revoked.UpdatedAt, again.UpdatedAt, "second revoke must be a no-op")

	name := "x"
	_, err = f.svc.UpdatePolicy(ctx, p.ID, UpdatePolicyRequest{Name: &name})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))

	_, err = f.svc.ResumePolicy(ctx, p.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))

	res := NewEvaluator().Evaluate(revoked, EvaluationContext{Request: reqWithAmount(1), Now: testNow})
	assert.False(t, res.Allowed)
	assert.Equal(t, "Policy is revoked", res.Reason)
}

func TestService_PauseResume(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	p, err := f.svc.CreatePolicy(ctx, spendingRequest())
	require.NoError(t, err)

	paused, err := f.svc.PausePolicy(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PolicyStatusPaused, paused.Status)

	applicable, err := f.svc.ApplicablePolicies(ctx, "user-1", "agent-1", types.PolicyTypeSpendingLimit)
	require.NoError(t, err)
	assert.Empty(t, applicable)

	resumed, err := f.svc.ResumePolicy(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PolicyStatusActive, resumed.Status)
}

func TestService_NotFound(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.GetPolicy(ctx, "missing")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))

	_, err = f.svc.RevokePolicy(ctx, "missing")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))

	err = f.svc.DeletePolicy(ctx, "missing")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))

	_, err = f.svc.GetUsageStats(ctx, "missing")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestService_ApplicablePolicies(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	mk := func(user, agent string, exp *time.Time) *types.Policy {
		req := spendingRequest()
		req.UserID, req.AgentID, req.ExpiresAt = user, agent, exp
		p, err := f.svc.CreatePolicy(ctx, req)
		require.NoError(t, err)
		f.now = f.now.Add(time.Second)
		return p
	}

	soon := testNow.Add(10 * time.Second)
	global := mk("", "", nil)
	own := mk("user-1", "agent-1", nil)
	mk("user-2", "agent-1", nil)
	mk("user-1", "agent-1", &soon)

	// past the last policy's expiry
	f.now = testNow.Add(time.Minute)

	got, err := f.svc.ApplicablePolicies(ctx, "user-1", "agent-1", types.PolicyTypeSpendingLimit)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, global.ID, got[0].ID)
	assert.Equal(t, own.ID, got[1].ID)

	none, err := f.svc.ApplicablePolicies(ctx, "user-1", "agent-1", types.PolicyTypeRateLimit)
	require.NoError(t, err)
	assert.Empty(t, none)

	n, err := f.svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestService_ListPolicies(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		req := spendingRequest()
		req.Tags = []string{"prod"}
		_, err := f.svc.CreatePolicy(ctx, req)
		require.NoError(t, err)
		f.now = f.now.Add(time.Second)
	}
	_, err := f.svc.CreatePolicy(ctx, CreatePolicyRequest{
		Name:   "rl",
		Type:   types.PolicyTypeRateLimit,
		Config: &types.RateLimitConfig{RequestsPerMinute: 5},
	})
	require.NoError(t, err)

	all, err := f.svc.ListPolicies(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	tagged, err := f.svc.ListPolicies(ctx, ListFilter{Tag: "prod", Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, tagged, 2)

	_, err = f.svc.ListPolicies(ctx, ListFilter{Type: "nope"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestService_RecordUsageRollsOver(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	p, err := f.svc.CreatePolicy(ctx, spendingRequest())
	require.NoError(t, err)

	require.NoError(t, f.svc.RecordUsage(ctx, p, big.NewInt(100)))
	require.NoError(t, f.svc.RecordUsage(ctx, p, big.NewInt(50)))
	require.NoError(t, f.svc.RecordViolation(ctx, p))

	stats, err := f.svc.GetUsageStats(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "150", stats.TotalSpent)
	assert.Equal(t, "150", stats.CurrentPeriodSpent)
	assert.Equal(t, int64(2), stats.TotalTransactions)
	assert.Equal(t, int64(1), stats.Violations)
	require.NotNil(t, stats.LastUsed)

	// next UTC day starts a new period
	f.now = testNow.Add(24 * time.Hour)
	require.NoError(t, f.svc.RecordUsage(ctx, p, big.NewInt(7)))

	stats, err = f.svc.GetUsageStats(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "157", stats.TotalSpent)
	assert.Equal(t, "7", stats.CurrentPeriodSpent)
	assert.Equal(t, int64(1), stats.CurrentPeriodTransactions)
	assert.Equal(t, int64(3), stats.TotalTransactions)
}

func TestService_RecordUsageConcurrent(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	p, err := f.svc.CreatePolicy(ctx, spendingRequest())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.svc.RecordUsage(ctx, p, big.NewInt(3)))
		}()
	}
	wg.Wait()

	stats, err := f.svc.GetUsageStats(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "192", stats.TotalSpent)
	assert.Equal(t, int64(64), stats.TotalTransactions)
}

func TestService_DeletePolicy(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	p, err := f.svc.CreatePolicy(ctx, spendingRequest())
	require.NoError(t, err)
	require.NoError(t, f.svc.DeletePolicy(ctx, p.ID))

	_, err = f.svc.GetPolicy(ctx, p.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}
