package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/better-wallet/spendguard/pkg/types"
)

// Config holds the process configuration. It is built once in main and
// passed down explicitly.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Enforcement EnforcementConfig `mapstructure:"enforcement"`
	Session     SessionConfig     `mapstructure:"session"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Signing     SigningConfig     `mapstructure:"signing"`
	Payment     PaymentConfig     `mapstructure:"payment"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Log         LogConfig         `mapstructure:"log"`
}

// ServerConfig configures the operational HTTP listener (health and metrics).
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig configures Postgres. An empty DSN selects in-memory stores.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig configures Redis. An empty Addr selects in-memory rate counters
// and disables cross-instance cache invalidation.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type EnforcementConfig struct {
	BypassEndpoints   []string      `mapstructure:"bypass_endpoints"`
	RequireDelegation bool          `mapstructure:"require_delegation"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	EvaluationTimeout time.Duration `mapstructure:"evaluation_timeout"`
}

type SessionConfig struct {
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	DefaultBudget   string        `mapstructure:"default_budget"`
	DefaultCurrency string        `mapstructure:"default_currency"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	EstimateTimeout time.Duration `mapstructure:"estimate_timeout"`
}

// LedgerConfig configures the append-only registry. An empty Endpoint
// selects the in-memory ledger.
type LedgerConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxAttempts       uint          `mapstructure:"max_attempts"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	BufferSize        int           `mapstructure:"buffer_size"`
}

type SigningConfig struct {
	Scheme  string        `mapstructure:"scheme"`
	Timeout time.Duration `mapstructure:"timeout"`

	// ed25519 / ethereum
	PrivateKeyHex string `mapstructure:"private_key_hex"`

	// aws-kms
	AWSKeyID  string `mapstructure:"aws_key_id"`
	AWSRegion string `mapstructure:"aws_region"`

	// vault
	VaultAddress    string `mapstructure:"vault_address"`
	VaultToken      string `mapstructure:"vault_token"`
	VaultTransitKey string `mapstructure:"vault_transit_key"`
}

type PaymentConfig struct {
	Network       string            `mapstructure:"network"`
	DefaultCost   string            `mapstructure:"default_cost"`
	EndpointCosts map[string]string `mapstructure:"endpoint_costs"`
}

type AuditConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	Sinks         []string      `mapstructure:"sinks"` // log, ledger, postgres
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads spendguard.yaml from the given directories (default "." and
// "./configs"), applies SPENDGUARD_* environment overrides and defaults, and
// validates the result. A missing file is not an error.
func Load(configPaths ...string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("spendguard")
	v.SetConfigType("yaml")
	if len(configPaths) == 0 {
		configPaths = []string{".", "./configs"}
	}
	for _, p := range configPaths {
		v.AddConfigPath(p)
	}

	// SPENDGUARD_ENFORCEMENT_CACHE_TTL=1m overrides enforcement.cache_ttl
	v.SetEnvPrefix("SPENDGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Every key needs a default so AutomaticEnv can see it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":9090")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "spendguard")

	v.SetDefault("enforcement.bypass_endpoints", []string{})
	v.SetDefault("enforcement.require_delegation", false)
	v.SetDefault("enforcement.cache_ttl", 300*time.Second)
	v.SetDefault("enforcement.evaluation_timeout", 2*time.Second)

	v.SetDefault("session.default_ttl", time.Hour)
	v.SetDefault("session.default_budget", "0")
	v.SetDefault("session.default_currency", types.DefaultCurrency)
	v.SetDefault("session.sweep_interval", time.Minute)
	v.SetDefault("session.fetch_timeout", 30*time.Second)
	v.SetDefault("session.estimate_timeout", 2*time.Second)

	v.SetDefault("ledger.endpoint", "")
	v.SetDefault("ledger.api_key", "")
	v.SetDefault("ledger.timeout", 5*time.Second)
	v.SetDefault("ledger.max_attempts", 5)
	v.SetDefault("ledger.requests_per_second", 10.0)
	v.SetDefault("ledger.buffer_size", 1000)

	v.SetDefault("signing.scheme", types.SchemeEd25519)
	v.SetDefault("signing.timeout", 3*time.Second)
	v.SetDefault("signing.private_key_hex", "")
	v.SetDefault("signing.aws_key_id", "")
	v.SetDefault("signing.aws_region", "")
	v.SetDefault("signing.vault_address", "")
	v.SetDefault("signing.vault_token", "")
	v.SetDefault("signing.vault_transit_key", "")

	v.SetDefault("payment.network", "base-sepolia")
	v.SetDefault("payment.default_cost", "0")
	v.SetDefault("payment.endpoint_costs", map[string]string{})

	v.SetDefault("audit.buffer_size", 10000)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", 500*time.Millisecond)
	v.SetDefault("audit.write_timeout", 5*time.Second)
	v.SetDefault("audit.sinks", []string{"log"})

	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.format", "json")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Enforcement.EvaluationTimeout <= 0 {
		return fmt.Errorf("enforcement.evaluation_timeout must be positive")
	}
	if c.Enforcement.CacheTTL < 0 {
		return fmt.Errorf("enforcement.cache_ttl must not be negative")
	}

	if _, err := types.ParseAmount(c.Session.DefaultBudget); err != nil {
		return fmt.Errorf("session.default_budget: %w", err)
	}
	if c.Session.FetchTimeout <= 0 || c.Session.EstimateTimeout <= 0 {
		return fmt.Errorf("session.fetch_timeout and session.estimate_timeout must be positive")
	}

	if c.Ledger.MaxAttempts == 0 || c.Ledger.MaxAttempts > 5 {
		return fmt.Errorf("ledger.max_attempts must be between 1 and 5, got: %d", c.Ledger.MaxAttempts)
	}
	if c.Ledger.BufferSize <= 0 {
		return fmt.Errorf("ledger.buffer_size must be positive")
	}

	if _, err := types.ParseAmount(c.Payment.DefaultCost); err != nil {
		return fmt.Errorf("payment.default_cost: %w", err)
	}
	for endpoint, cost := range c.Payment.EndpointCosts {
		if _, err := types.ParseAmount(cost); err != nil {
			return fmt.Errorf("payment.endpoint_costs[%s]: %w", endpoint, err)
		}
	}

	switch c.Signing.Scheme {
	case types.SchemeEd25519, types.SchemeEthereum:
	case types.SchemeAWSKMS:
		if c.Signing.AWSKeyID == "" || c.Signing.AWSRegion == "" {
			return fmt.Errorf("signing.aws_key_id and signing.aws_region are required when scheme is '%s'", types.SchemeAWSKMS)
		}
	case types.SchemeVault:
		if c.Signing.VaultAddress == "" || c.Signing.VaultToken == "" || c.Signing.VaultTransitKey == "" {
			return fmt.Errorf("signing.vault_address, signing.vault_token and signing.vault_transit_key are required when scheme is '%s'", types.SchemeVault)
		}
	default:
		return fmt.Errorf("signing.scheme must be one of ed25519, ethereum, aws-kms, vault, got: %s", c.Signing.Scheme)
	}

	for _, sink := range c.Audit.Sinks {
		switch sink {
		case "log", "ledger":
		case "postgres":
			if c.Database.DSN == "" {
				return fmt.Errorf("audit sink 'postgres' requires database.dsn")
			}
		default:
			return fmt.Errorf("unknown audit sink: %s", sink)
		}
	}
	if c.Audit.BufferSize <= 0 || c.Audit.BatchSize <= 0 {
		return fmt.Errorf("audit.buffer_size and audit.batch_size must be positive")
	}

	return nil
}
