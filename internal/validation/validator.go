package validation

import (
	"fmt"
	"math/big"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/better-wallet/spendguard/pkg/types"
)

// EthereumAddressPattern is the regex pattern for Ethereum addresses
var EthereumAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// DIDPattern matches did:<method>:<method-specific-id>.
var DIDPattern = regexp.MustCompile(`^did:[a-z0-9]+:[A-Za-z0-9._:%-]+$`)

// ValidateEthereumAddress validates an Ethereum address format
func ValidateEthereumAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if !EthereumAddressPattern.MatchString(address) {
		return fmt.Errorf("invalid Ethereum address format: must be 0x followed by 40 hex characters")
	}

	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid Ethereum address")
	}

	if strings.ToLower(address) == "0x0000000000000000000000000000000000000000" {
		return fmt.Errorf("zero address is not a valid identity")
	}

	return nil
}

// ValidateIdentity accepts a wallet address or a DID.
func ValidateIdentity(identity string) error {
	if identity == "" {
		return fmt.Errorf("identity cannot be empty")
	}
	if strings.HasPrefix(identity, "did:") {
		if !DIDPattern.MatchString(identity) {
			return fmt.Errorf("invalid DID: %s", identity)
		}
		return nil
	}
	if err := ValidateEthereumAddress(identity); err != nil {
		return fmt.Errorf("identity must be an Ethereum address or DID: %w", err)
	}
	return nil
}

// SameIdentity compares identities, ignoring hex case for addresses.
func SameIdentity(a, b string) bool {
	if common.IsHexAddress(a) && common.IsHexAddress(b) {
		return common.HexToAddress(a) == common.HexToAddress(b)
	}
	return a == b
}

// ValidateEndpoint accepts an absolute http(s) URL or an absolute path.
func ValidateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}
	if strings.HasPrefix(endpoint, "/") {
		return nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint scheme must be http or https, got: %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint host cannot be empty")
	}
	return nil
}

// ValidateAmount validates a budget or cost amount
func ValidateAmount(value *big.Int, maxValue *big.Int) error {
	if value == nil {
		return fmt.Errorf("amount cannot be nil")
	}

	if value.Sign() < 0 {
		return fmt.Errorf("amount cannot be negative")
	}

	if maxValue != nil && value.Cmp(maxValue) > 0 {
		return fmt.Errorf("amount exceeds maximum allowed: %s > %s", value.String(), maxValue.String())
	}

	return nil
}

// ValidatePositiveAmount rejects nil, zero and negative amounts.
func ValidatePositiveAmount(value *big.Int) error {
	if err := ValidateAmount(value, nil); err != nil {
		return err
	}
	if value.Sign() == 0 {
		return fmt.Errorf("amount must be positive")
	}
	return nil
}

// ParseIPRange parses a CIDR block or a single IP address into a network.
func ParseIPRange(r string) (*net.IPNet, error) {
	r = strings.TrimSpace(r)
	if strings.Contains(r, "/") {
		_, n, err := net.ParseCIDR(r)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", r, err)
		}
		return n, nil
	}
	ip := net.ParseIP(r)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP address %q", r)
	}
	bits := 128
	if v4 := ip.To4(); v4 != nil {
		ip = v4
		bits = 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// LoadTimezone resolves an IANA timezone name; empty means UTC.
func LoadTimezone(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

// ValidatePolicyConfig checks that cfg is well formed and matches t.
func ValidatePolicyConfig(t types.PolicyType, cfg types.PolicyConfig) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.PolicyType() != t {
		return fmt.Errorf("config is %s but policy type is %s", cfg.PolicyType(), t)
	}

	switch c := cfg.(type) {
	case *types.SpendingLimitConfig:
		return validateSpendingLimit(c)
	case *types.RateLimitConfig:
		return validateRateLimit(c)
	case *types.AccessControlConfig:
		return validateAccessControl(c)
	case *types.TimeBasedConfig:
		return validateTimeBased(c)
	default:
		return fmt.Errorf("unsupported config %T", cfg)
	}
}

func validateSpendingLimit(c *types.SpendingLimitConfig) error {
	if _, err := types.ParseAmount(c.MaxAmount); err != nil {
		return fmt.Errorf("max_amount: %w", err)
	}
	if c.PerTransactionLimit != "" {
		if _, err := types.ParseAmount(c.PerTransactionLimit); err != nil {
			return fmt.Errorf("per_transaction_limit: %w", err)
		}
	}
	switch c.TimeWindow {
	case types.TimeWindowDaily, types.TimeWindowWeekly, types.TimeWindowMonthly:
	case types.TimeWindowCustom:
		if c.CustomWindowHours <= 0 {
			return fmt.Errorf("custom_window_hours must be positive for a custom window")
		}
	default:
		return fmt.Errorf("unknown time_window %q", c.TimeWindow)
	}
	return nil
}

func validateRateLimit(c *types.RateLimitConfig) error {
	if c.RequestsPerMinute < 0 || c.RequestsPerHour < 0 || c.RequestsPerDay < 0 || c.BurstLimit < 0 {
		return fmt.Errorf("rate limits cannot be negative")
	}
	if c.RequestsPerMinute == 0 && c.RequestsPerHour == 0 && c.RequestsPerDay == 0 {
		return fmt.Errorf("at least one of requests_per_minute, requests_per_hour, requests_per_day is required")
	}
	return nil
}

func validateAccessControl(c *types.AccessControlConfig) error {
	for _, r := range c.IPRanges {
		if _, err := ParseIPRange(r); err != nil {
			return err
		}
	}
	return nil
}

func validateTimeBased(c *types.TimeBasedConfig) error {
	if c.StartTime != nil && c.EndTime != nil && !c.StartTime.Before(*c.EndTime) {
		return fmt.Errorf("start_time must be before end_time")
	}
	for _, d := range c.AllowedDays {
		if d < 0 || d > 6 {
			return fmt.Errorf("allowed_days must be between 0 and 6, got %d", d)
		}
	}
	if h := c.AllowedHours; h != nil {
		if h.Start < 0 || h.Start > 23 || h.End < 0 || h.End > 23 {
			return fmt.Errorf("allowed_hours must be between 0 and 23")
		}
	}
	if _, err := LoadTimezone(c.Timezone); err != nil {
		return err
	}
	return nil
}
