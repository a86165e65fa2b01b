package types

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "0", want: "0"},
		{input: "1000000", want: "1000000"},
		{input: " 42 ", want: "42"},
		{input: "115792089237316195423570985008687907853269984665640564039457584007913129639935", want: "115792089237316195423570985008687907853269984665640564039457584007913129639935"},
		{input: "", wantErr: true},
		{input: "-1", wantErr: true},
		{input: "1.5", wantErr: true},
		{input: "1e6", wantErr: true},
		{input: "0x10", wantErr: true},
		{input: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAmount(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestCloneAmount(t *testing.T) {
	assert.Equal(t, "0", CloneAmount(nil).String())

	orig := big.NewInt(5)
	cp := CloneAmount(orig)
	cp.Add(cp, big.NewInt(1))
	assert.Equal(t, "5", orig.String())
	assert.Equal(t, "0", AmountString(nil))
}

func TestAllPolicyTypes(t *testing.T) {
	types := AllPolicyTypes()

	assert.Equal(t, []PolicyType{
		PolicyTypeTimeBased,
		PolicyTypeAccessControl,
		PolicyTypeRateLimit,
		PolicyTypeSpendingLimit,
	}, types)
	for _, pt := range types {
		assert.True(t, IsValidPolicyType(pt))
	}
	assert.False(t, IsValidPolicyType("geo_fence"))
}

func TestPolicyJSONRoundTripSelectsVariant(t *testing.T) {
	p := Policy{
		ID:     "p-1",
		Name:   "daily cap",
		Type:   PolicyTypeSpendingLimit,
		Status: PolicyStatusActive,
		Config: &SpendingLimitConfig{
			MaxAmount:  "1000000",
			TimeWindow: TimeWindowDaily,
		},
	}

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var decoded Policy
	require.NoError(t, json.Unmarshal(data, &decoded))

	cfg, ok := decoded.Config.(*SpendingLimitConfig)
	require.True(t, ok, "config should decode as spending limit, got %T", decoded.Config)
	assert.Equal(t, "1000000", cfg.MaxAmount)
	assert.Equal(t, PolicyTypeSpendingLimit, cfg.PolicyType())
}

func TestDecodePolicyConfig_Errors(t *testing.T) {
	_, err := DecodePolicyConfig("geo_fence", json.RawMessage(`{}`))
	assert.Error(t, err)

	_, err = DecodePolicyConfig(PolicyTypeRateLimit, nil)
	assert.Error(t, err)

	_, err = DecodePolicyConfig(PolicyTypeRateLimit, json.RawMessage(`{"requests_per_minute":"ten"}`))
	assert.Error(t, err)
}

func TestPolicyUsableAndAppliesTo(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	active := &Policy{Status: PolicyStatusActive}
	assert.True(t, active.Usable(now))

	expired := &Policy{Status: PolicyStatusActive, ExpiresAt: &past}
	assert.False(t, expired.Usable(now))

	revoked := &Policy{Status: PolicyStatusRevoked}
	assert.False(t, revoked.Usable(now))

	scoped := &Policy{UserID: "u1", AgentID: "a1"}
	assert.True(t, scoped.AppliesTo("u1", "a1"))
	assert.False(t, scoped.AppliesTo("u2", "a1"))
	assert.False(t, scoped.AppliesTo("u1", "a2"))
	assert.True(t, (&Policy{}).AppliesTo("anyone", "anything"))
}

func TestEnforcementConstructors(t *testing.T) {
	allow := Allow(nil)
	assert.True(t, allow.Allowed)
	assert.Equal(t, ActionAllow, allow.Action)
	assert.NotNil(t, allow.PolicyResults)

	deny := Deny(ActionAllow, "", nil)
	assert.False(t, deny.Allowed)
	assert.Equal(t, ActionDeny, deny.Action, "deny must never carry the allow action")
	assert.NotEmpty(t, deny.Reason)

	rl := Deny(ActionRateLimit, "Rate limit exceeded: 1 requests per minute", []PolicyCheckResult{{
		PolicyID: "p",
		Result: PolicyEvaluationResult{
			Violations: []Violation{{Type: ViolationRateLimit}},
		},
	}})
	assert.Equal(t, ActionRateLimit, rl.Action)
	require.Len(t, rl.Violations(), 1)
}

func TestSessionClone(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	s := &Session{
		SessionID:       "s-1",
		MaxBudget:       big.NewInt(100),
		RemainingBudget: big.NewInt(100),
		ExpiresAt:       &exp,
		Metadata:        map[string]string{"k": "v"},
	}
	cp := s.Clone()
	cp.RemainingBudget.SetInt64(1)
	cp.Metadata["k"] = "changed"

	assert.Equal(t, "100", s.RemainingBudget.String())
	assert.Equal(t, "v", s.Metadata["k"])
	assert.False(t, s.Expired(time.Now()))
	assert.True(t, s.Expired(exp))
}

func TestDelegationClone(t *testing.T) {
	d := &Delegation{
		ID:    "d-1",
		Scope: DelegationScope{Policies: []string{"p1"}},
	}
	cp := d.Clone()
	cp.Scope.Policies[0] = "p2"

	assert.Equal(t, "p1", d.Scope.Policies[0])
}
