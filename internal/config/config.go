// Package config loads the gateway configuration from YAML with ${ENV}
// expansion and supports hot reload through fsnotify and atomic pointer swaps.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/relaymux/internal/feedback"
	"github.com/blueberrycongee/relaymux/internal/state"
	"github.com/blueberrycongee/relaymux/pkg/account"
	"github.com/blueberrycongee/relaymux/schedulers"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server    ServerConfig       `yaml:"server"`
	Redis     RedisConfig        `yaml:"redis"`
	Scheduler schedulers.Config  `yaml:"scheduler"`
	Feedback  feedback.Config    `yaml:"feedback"`
	Relay     RelayConfig        `yaml:"relay"`
	Bedrock   BedrockConfig      `yaml:"bedrock"`
	Vault     VaultConfig        `yaml:"vault"`
	Secret    SecretConfig       `yaml:"secret"`
	Directory DirectoryConfig    `yaml:"directory"`
	Refresh   RefreshConfig      `yaml:"refresh"`
	Accounts  []*account.Account `yaml:"accounts"`
	RateLimit RateLimitConfig    `yaml:"rate_limit"`
	Logging   LoggingConfig      `yaml:"logging"`
	Metrics   MetricsConfig      `yaml:"metrics"`
	Tracing   TracingConfig      `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// RedisConfig configures the shared state store.
type RedisConfig struct {
	state.ClientConfig `yaml:",inline"`

	KeyPrefix  string        `yaml:"key_prefix"`
	SlotTTL    time.Duration `yaml:"slot_ttl"`
	SlotBuffer time.Duration `yaml:"slot_buffer"`
}

// RelayConfig controls upstream calls.
type RelayConfig struct {
	Timeout               time.Duration     `yaml:"timeout"`
	StreamCapacity        int               `yaml:"stream_capacity"`
	ClaudeAPIVersion      string            `yaml:"claude_api_version"`
	AllowPrivateEndpoints bool              `yaml:"allow_private_endpoints"`
	Endpoints             map[string]string `yaml:"endpoints"`
	Headers               map[string]string `yaml:"headers"`
}

// BedrockConfig holds Bedrock defaults.
type BedrockConfig struct {
	DefaultRegion   string `yaml:"default_region"`
	SmallFastRegion string `yaml:"small_fast_region"`
	DefaultModel    string `yaml:"default_model"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
}

// VaultConfig configures credential decryption.
type VaultConfig struct {
	// EncryptionKey is a secret reference: "env://NAME", "file:///path",
	// "vault://path#key" or a literal.
	EncryptionKey string        `yaml:"encryption_key"`
	CacheSize     int           `yaml:"cache_size"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

// SecretConfig configures the HashiCorp Vault secret source.
type SecretConfig struct {
	VaultAddress    string        `yaml:"vault_address"`
	VaultAuthMethod string        `yaml:"vault_auth_method"`
	VaultToken      string        `yaml:"vault_token"`
	VaultRoleID     string        `yaml:"vault_role_id"`
	VaultSecretID   string        `yaml:"vault_secret_id"`
	VaultCACert     string        `yaml:"vault_ca_cert"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
}

// DirectoryConfig selects the account directory.
type DirectoryConfig struct {
	// Type is "memory", "redis" or "postgres".
	Type         string        `yaml:"type"`
	DSN          string        `yaml:"dsn"`
	KeyPrefix    string        `yaml:"key_prefix"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	Migrate      bool          `yaml:"migrate"`
	PoolInterval time.Duration `yaml:"pool_metrics_interval"`
}

// RefreshConfig configures OAuth token refresh.
type RefreshConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Threshold          time.Duration `yaml:"threshold"`
	ScanInterval       time.Duration `yaml:"scan_interval"`
	ScanWindow         time.Duration `yaml:"scan_window"`
	BatchSize          int           `yaml:"batch_size"`
	LockTTL            time.Duration `yaml:"lock_ttl"`
	GeminiClientID     string        `yaml:"gemini_client_id"`
	GeminiClientSecret string        `yaml:"gemini_client_secret"`
}

// RateLimitConfig defines ingress rate limiting parameters.
type RateLimitConfig struct {
	Enabled           bool     `yaml:"enabled"`
	RequestsPerMinute int      `yaml:"requests_per_minute"`
	BurstSize         int      `yaml:"burst_size"`
	TrustedProxies    []string `yaml:"trusted_proxies"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    32 << 20,
		},
		Redis: RedisConfig{
			ClientConfig: state.DefaultClientConfig(),
			KeyPrefix:    state.DefaultKeyPrefix,
			SlotTTL:      state.DefaultSlotTTL,
			SlotBuffer:   state.DefaultSlotBuffer,
		},
		Scheduler: schedulers.DefaultConfig(),
		Feedback:  feedback.DefaultConfig(),
		Relay: RelayConfig{
			Timeout:          10 * time.Minute,
			StreamCapacity:   100,
			ClaudeAPIVersion: "2023-06-01",
		},
		Bedrock: BedrockConfig{
			DefaultRegion:   "us-east-1",
			SmallFastRegion: "us-east-1",
			MaxOutputTokens: 4096,
		},
		Vault: VaultConfig{
			EncryptionKey: "env://RELAYMUX_ENCRYPTION_KEY",
			CacheSize:     500,
			CacheTTL:      5 * time.Minute,
		},
		Secret: SecretConfig{
			CacheTTL: time.Minute,
		},
		Directory: DirectoryConfig{
			Type:         "memory",
			MaxOpenConns: 10,
			PoolInterval: 30 * time.Second,
		},
		Refresh: RefreshConfig{
			Enabled:      true,
			Threshold:    time.Minute,
			ScanInterval: time.Minute,
			ScanWindow:   5 * time.Minute,
			BatchSize:    10,
			LockTTL:      state.DefaultRefreshLockTTL,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 600,
			BurstSize:         50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "relaymux",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// Parse decodes YAML on top of DefaultConfig after expanding ${VAR}
// references, then validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile reads and parses a YAML configuration file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Directory.Type {
	case "memory", "redis":
	case "postgres":
		if c.Directory.DSN == "" {
			return fmt.Errorf("directory.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown directory.type %q", c.Directory.Type)
	}

	if c.Vault.EncryptionKey == "" {
		return fmt.Errorf("vault.encryption_key is required")
	}
	if c.Vault.CacheSize < 0 {
		return fmt.Errorf("vault.cache_size cannot be negative")
	}

	if c.Scheduler.StickyTTL < 0 || c.Scheduler.RenewalThreshold < 0 {
		return fmt.Errorf("scheduler windows cannot be negative")
	}
	if c.Scheduler.RenewalThreshold > 0 && c.Scheduler.RenewalThreshold >= c.Scheduler.StickyTTL {
		return fmt.Errorf("scheduler.renewal_threshold must be shorter than scheduler.sticky_ttl")
	}
	if c.Feedback.RateLimitWindow < 0 || c.Feedback.OverloadWindow < 0 {
		return fmt.Errorf("feedback windows cannot be negative")
	}
	if c.Relay.Timeout < 0 {
		return fmt.Errorf("relay.timeout cannot be negative")
	}

	seen := make(map[string]struct{}, len(c.Accounts))
	for i, a := range c.Accounts {
		if a == nil || a.ID == "" {
			return fmt.Errorf("accounts[%d]: id is required", i)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("accounts[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = struct{}{}
		p, ok := account.ParsePlatform(string(a.Platform))
		if !ok {
			return fmt.Errorf("accounts[%d] %q: unknown platform %q", i, a.ID, a.Platform)
		}
		a.Platform = p
		if a.ConcurrencyLimit < 0 {
			return fmt.Errorf("accounts[%d] %q: concurrency_limit cannot be negative", i, a.ID)
		}
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be positive when enabled")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}
	return nil
}

// Warnings returns non-fatal configuration issues worth logging at startup.
func (c *Config) Warnings() []string {
	var out []string
	if c.Directory.Type == "memory" && len(c.Accounts) == 0 {
		out = append(out, "directory.type is memory but no accounts are configured")
	}
	if c.Relay.AllowPrivateEndpoints {
		out = append(out, "relay.allow_private_endpoints permits account endpoints on private networks")
	}
	if c.Redis.TLSSkipVerify {
		out = append(out, "redis.tls_skip_verify disables certificate verification")
	}
	if c.Refresh.Enabled && c.Refresh.Threshold <= c.Scheduler.ExpiryBuffer {
		out = append(out, "refresh.threshold does not exceed scheduler.expiry_buffer; expiring accounts are renewed only by the background sweep")
	}
	return out
}
