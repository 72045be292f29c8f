// Package config provides configuration loading, defaults, and validation
// for the Codex load balancer, layered from config.yaml and environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StreamBufferMode controls prelude buffering for SSE responses.
const (
	StreamBufferOff     = "off"
	StreamBufferPrelude = "prelude"
)

// StickyBackend selects the Sticky Session Store implementation.
const (
	StickyBackendMemory = "memory"
	StickyBackendDB     = "db"
)

// Config is the root configuration object, bound from config.yaml plus
// environment overrides (e.g. PROXY_SNAPSHOT_TTL_SECONDS).
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Store        StoreConfig        `mapstructure:"store"`
	Encryption   EncryptionConfig   `mapstructure:"encryption"`
	Upstream     UpstreamConfig     `mapstructure:"upstream"`
	Proxy        ProxyConfig        `mapstructure:"proxy"`
	Sticky       StickyConfig       `mapstructure:"sticky"`
	UsageRefresh UsageRefreshConfig `mapstructure:"usage_refresh"`
	Mark         MarkConfig         `mapstructure:"mark"`
	Log          LogConfig          `mapstructure:"log"`
	Debug        DebugConfig        `mapstructure:"debug"`
}

// ServerConfig is the inbound HTTP listener configuration.
type ServerConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	Mode              string `mapstructure:"mode"` // debug/release, passed to gin.SetMode
	ReadHeaderTimeout int    `mapstructure:"read_header_timeout_seconds"`
	IdleTimeout       int    `mapstructure:"idle_timeout_seconds"`
}

// StoreConfig locates the two logical databases from spec.md §6: accounts
// (rollback journal, roams safely across file syncs) and operational data
// (WAL, higher write concurrency).
type StoreConfig struct {
	AccountsDatabaseURL string `mapstructure:"accounts_database_url"`
	DatabaseURL         string `mapstructure:"database_url"`
}

// EncryptionConfig locates the symmetric key file used to derive the
// Token Manager's AES key.
type EncryptionConfig struct {
	KeyFile string `mapstructure:"key_file"`
}

// UpstreamConfig is the Codex/ChatGPT upstream origin and per-mode
// timeouts.
type UpstreamConfig struct {
	BaseURL               string `mapstructure:"base_url"`
	CompactTimeoutSeconds int    `mapstructure:"compact_timeout_seconds"`
	StreamReadTimeoutSeconds int `mapstructure:"stream_read_timeout_seconds"`
}

// ProxyConfig governs Selection Snapshot freshness, attempt limits, and
// SSE prelude buffering.
type ProxyConfig struct {
	SnapshotTTLSeconds        int    `mapstructure:"snapshot_ttl_seconds"`
	MaxAttempts               int    `mapstructure:"max_attempts"`
	StreamBufferMode          string `mapstructure:"stream_buffer_mode"`
	StreamBufferPreludeTimeoutMS int `mapstructure:"stream_buffer_prelude_timeout_ms"`
	StreamBufferCapBytes      int    `mapstructure:"stream_buffer_cap_bytes"`
}

// StickyConfig selects and tunes the Sticky Session Store.
type StickyConfig struct {
	Backend    string `mapstructure:"backend"` // memory|db
	TTLSeconds int    `mapstructure:"ttl_seconds"`
	RedisURL   string `mapstructure:"redis_url"` // used when backend == "db"
}

// UsageRefreshConfig tunes the background usage-polling loop (4.J).
type UsageRefreshConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	Concurrency     int `mapstructure:"concurrency"`
}

// MarkConfig holds the anti-thrash cooldown thresholds from spec.md §4.H.
type MarkConfig struct {
	RateLimitPersistThresholdSeconds     int `mapstructure:"rate_limit_persist_threshold_seconds"`
	UsageLimitMinCooldownSeconds         int `mapstructure:"usage_limit_min_cooldown_seconds"`
	UsageLimitMaxInitialCooldownSeconds  int `mapstructure:"usage_limit_max_initial_cooldown_seconds"`
	UsageLimitEscalateStreakThreshold    int `mapstructure:"usage_limit_escalate_streak_threshold"`
	TransientErrorMaxCooldownSeconds     int `mapstructure:"transient_error_max_cooldown_seconds"`
}

// LogConfig controls request-log buffering (4.C) and process log level.
type LogConfig struct {
	Level               string `mapstructure:"level"`
	BufferEnabled       bool   `mapstructure:"buffer_enabled"`
	BufferCapacity      int    `mapstructure:"buffer_capacity"`
	FlushBatchSize      int    `mapstructure:"flush_batch_size"`
	FlushIntervalSeconds int   `mapstructure:"flush_interval_seconds"`
}

// DebugConfig gates the /debug/lb/* introspection routes.
type DebugConfig struct {
	EndpointsEnabled bool `mapstructure:"endpoints_enabled"`
}

// Load reads config.yaml (if present) and environment overrides, applies
// defaults, and validates the result.
func Load() (*Config, error) {
	v := newViper()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/codex-lb")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".codex-lb")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_header_timeout_seconds", 10)
	v.SetDefault("server.idle_timeout_seconds", 120)

	v.SetDefault("store.accounts_database_url", filepath.Join(base, "accounts.db"))
	v.SetDefault("store.database_url", filepath.Join(base, "store.db"))

	v.SetDefault("encryption.key_file", filepath.Join(base, "encryption.key"))

	v.SetDefault("upstream.base_url", "https://chatgpt.com/backend-api/codex")
	v.SetDefault("upstream.compact_timeout_seconds", 300)
	v.SetDefault("upstream.stream_read_timeout_seconds", 120)

	v.SetDefault("proxy.snapshot_ttl_seconds", 5)
	v.SetDefault("proxy.max_attempts", 3)
	v.SetDefault("proxy.stream_buffer_mode", StreamBufferOff)
	v.SetDefault("proxy.stream_buffer_prelude_timeout_ms", 750)
	v.SetDefault("proxy.stream_buffer_cap_bytes", 64*1024)

	v.SetDefault("sticky.backend", StickyBackendMemory)
	v.SetDefault("sticky.ttl_seconds", int((time.Hour).Seconds()))
	v.SetDefault("sticky.redis_url", "redis://127.0.0.1:6379/0")

	v.SetDefault("usage_refresh.interval_seconds", 60)
	v.SetDefault("usage_refresh.concurrency", 8)

	v.SetDefault("mark.rate_limit_persist_threshold_seconds", 300)
	v.SetDefault("mark.usage_limit_min_cooldown_seconds", 60)
	v.SetDefault("mark.usage_limit_max_initial_cooldown_seconds", 300)
	v.SetDefault("mark.usage_limit_escalate_streak_threshold", 3)
	v.SetDefault("mark.transient_error_max_cooldown_seconds", 600)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.buffer_enabled", true)
	v.SetDefault("log.buffer_capacity", 10000)
	v.SetDefault("log.flush_batch_size", 200)
	v.SetDefault("log.flush_interval_seconds", 5)

	v.SetDefault("debug.endpoints_enabled", false)
}

// Validate rejects configurations that would otherwise fail confusingly
// deep in a store or proxy component.
func (c *Config) Validate() error {
	if c.Store.AccountsDatabaseURL == "" {
		return fmt.Errorf("store.accounts_database_url is required")
	}
	if c.Store.DatabaseURL == "" {
		return fmt.Errorf("store.database_url is required")
	}
	if c.Store.AccountsDatabaseURL == c.Store.DatabaseURL {
		return fmt.Errorf("store.accounts_database_url and store.database_url must not be the same file")
	}
	if c.Encryption.KeyFile == "" {
		return fmt.Errorf("encryption.key_file is required")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Proxy.SnapshotTTLSeconds <= 0 {
		return fmt.Errorf("proxy.snapshot_ttl_seconds must be positive")
	}
	if c.Proxy.MaxAttempts <= 0 {
		return fmt.Errorf("proxy.max_attempts must be positive")
	}
	switch c.Proxy.StreamBufferMode {
	case StreamBufferOff, StreamBufferPrelude:
	default:
		return fmt.Errorf("proxy.stream_buffer_mode must be %q or %q", StreamBufferOff, StreamBufferPrelude)
	}
	switch c.Sticky.Backend {
	case StickyBackendMemory:
	case StickyBackendDB:
		if c.Sticky.RedisURL == "" {
			return fmt.Errorf("sticky.redis_url is required when sticky.backend is %q", StickyBackendDB)
		}
	default:
		return fmt.Errorf("sticky.backend must be %q or %q", StickyBackendMemory, StickyBackendDB)
	}
	if c.UsageRefresh.IntervalSeconds <= 0 {
		return fmt.Errorf("usage_refresh.interval_seconds must be positive")
	}
	if c.UsageRefresh.Concurrency <= 0 {
		return fmt.Errorf("usage_refresh.concurrency must be positive")
	}
	if c.Log.BufferCapacity <= 0 {
		return fmt.Errorf("log.buffer_capacity must be positive")
	}
	return nil
}

// GetServerAddress returns host:port using the same lightweight,
// validation-free lookup used before a full Load(), e.g. by the setup CLI.
func GetServerAddress() string {
	v := newViper()
	_ = v.ReadInConfig()
	return fmt.Sprintf("%s:%d", v.GetString("server.host"), v.GetInt("server.port"))
}

// SnapshotTTL returns Proxy.SnapshotTTLSeconds as a time.Duration.
func (c *Config) SnapshotTTL() time.Duration {
	return time.Duration(c.Proxy.SnapshotTTLSeconds) * time.Second
}

// StreamBufferPreludeTimeout returns the prelude flush deadline as a
// time.Duration.
func (c *Config) StreamBufferPreludeTimeout() time.Duration {
	return time.Duration(c.Proxy.StreamBufferPreludeTimeoutMS) * time.Millisecond
}

// StickyTTL returns Sticky.TTLSeconds as a time.Duration.
func (c *Config) StickyTTL() time.Duration {
	return time.Duration(c.Sticky.TTLSeconds) * time.Second
}

// UsageRefreshInterval returns UsageRefresh.IntervalSeconds as a
// time.Duration.
func (c *Config) UsageRefreshInterval() time.Duration {
	return time.Duration(c.UsageRefresh.IntervalSeconds) * time.Second
}
