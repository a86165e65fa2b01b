package validation

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/spendguard/pkg/types"
)

func TestValidateEthereumAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid lowercase address",
			address: "0x742d35cc6634c0532925a3b844bc454e4438f44e",
		},
		{
			name:    "valid mixed case address",
			address: "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
		},
		{
			name:    "empty address",
			address: "",
			wantErr: true,
			errMsg:  "address cannot be empty",
		},
		{
			name:    "missing 0x prefix",
			address: "742d35cc6634c0532925a3b844bc454e4438f44e",
			wantErr: true,
			errMsg:  "invalid Ethereum address format",
		},
		{
			name:    "too short address",
			address: "0x742d35cc6634c0532925a3b844bc454e4438f4",
			wantErr: true,
			errMsg:  "invalid Ethereum address format",
		},
		{
			name:    "zero address",
			address: "0x0000000000000000000000000000000000000000",
			wantErr: true,
			errMsg:  "zero address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEthereumAddress(tt.address)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateIdentity(t *testing.T) {
	tests := []struct {
		identity string
		wantErr  bool
	}{
		{identity: "0x742d35cc6634c0532925a3b844bc454e4438f44e"},
		{identity: "did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK"},
		{identity: "did:web:example.com"},
		{identity: "", wantErr: true},
		{identity: "did:", wantErr: true},
		{identity: "agent-7", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.identity, func(t *testing.T) {
			err := ValidateIdentity(tt.identity)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSameIdentity(t *testing.T) {
	assert.True(t, SameIdentity("0x742d35cc6634c0532925a3b844bc454e4438f44e", "0x742D35CC6634C0532925A3B844BC454E4438F44E"))
	assert.False(t, SameIdentity("0x742d35cc6634c0532925a3b844bc454e4438f44e", "0x1111111111111111111111111111111111111111"))
	assert.True(t, SameIdentity("did:web:a.com", "did:web:a.com"))
	assert.False(t, SameIdentity("did:web:a.com", "did:web:b.com"))
}

func TestValidateEndpoint(t *testing.T) {
	assert.NoError(t, ValidateEndpoint("/v1/chat"))
	assert.NoError(t, ValidateEndpoint("https://api.example.com/v1/chat"))
	assert.Error(t, ValidateEndpoint(""))
	assert.Error(t, ValidateEndpoint("ftp://example.com"))
	assert.Error(t, ValidateEndpoint("https://"))
}

func TestValidateAmount(t *testing.T) {
	assert.NoError(t, ValidateAmount(big.NewInt(0), nil))
	assert.NoError(t, ValidateAmount(big.NewInt(10), big.NewInt(10)))
	assert.Error(t, ValidateAmount(nil, nil))
	assert.Error(t, ValidateAmount(big.NewInt(-1), nil))
	assert.Error(t, ValidateAmount(big.NewInt(11), big.NewInt(10)))
	assert.Error(t, ValidatePositiveAmount(big.NewInt(0)))
	assert.NoError(t, ValidatePositiveAmount(big.NewInt(1)))
}

func TestParseIPRange(t *testing.T) {
	n, err := ParseIPRange("10.0.0.0/8")
	require.NoError(t, err)
	assert.True(t, n.Contains([]byte{10, 1, 2, 3}))

	single, err := ParseIPRange("192.168.1.5")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.5/32", single.String())

	_, err = ParseIPRange("10.0.0.0/99")
	assert.Error(t, err)
	_, err = ParseIPRange("not-an-ip")
	assert.Error(t, err)
}

func TestValidatePolicyConfig(t *testing.T) {
	start := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)

	tests := []struct {
		name    string
		typ     types.PolicyType
		cfg     types.PolicyConfig
		wantErr bool
	}{
		{"spending ok", types.PolicyTypeSpendingLimit, &types.SpendingLimitConfig{MaxAmount: "100", TimeWindow: types.TimeWindowDaily}, false},
		{"spending bad amount", types.PolicyTypeSpendingLimit, &types.SpendingLimitConfig{MaxAmount: "1.5", TimeWindow: types.TimeWindowDaily}, true},
		{"spending custom without hours", types.PolicyTypeSpendingLimit, &types.SpendingLimitConfig{MaxAmount: "1", TimeWindow: types.TimeWindowCustom}, true},
		{"spending unknown window", types.PolicyTypeSpendingLimit, &types.SpendingLimitConfig{MaxAmount: "1", TimeWindow: "yearly"}, true},
		{"rate ok", types.PolicyTypeRateLimit, &types.RateLimitConfig{RequestsPerHour: 10}, false},
		{"rate no ceilings", types.PolicyTypeRateLimit, &types.RateLimitConfig{BurstLimit: 5}, true},
		{"access bad cidr", types.PolicyTypeAccessControl, &types.AccessControlConfig{IPRanges: []string{"300.0.0.0/8"}}, true},
		{"time bad hours", types.PolicyTypeTimeBased, &types.TimeBasedConfig{AllowedHours: &types.HourRange{Start: 9, End: 24}}, true},
		{"time bad day", types.PolicyTypeTimeBased, &types.TimeBasedConfig{AllowedDays: []int{7}}, true},
		{"time inverted range", types.PolicyTypeTimeBased, &types.TimeBasedConfig{StartTime: &start, EndTime: &end}, true},
		{"time bad zone", types.PolicyTypeTimeBased, &types.TimeBasedConfig{Timezone: "Mars/Olympus"}, true},
		{"type mismatch", types.PolicyTypeRateLimit, &types.SpendingLimitConfig{MaxAmount: "1", TimeWindow: types.TimeWindowDaily}, true},
		{"nil config", types.PolicyTypeRateLimit, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePolicyConfig(tt.typ, tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
