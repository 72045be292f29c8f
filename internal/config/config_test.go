package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	viper.Reset()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Proxy.SnapshotTTLSeconds != 5 {
		t.Fatalf("SnapshotTTLSeconds = %d, want 5", cfg.Proxy.SnapshotTTLSeconds)
	}
	if cfg.Proxy.MaxAttempts != 3 {
		t.Fatalf("MaxAttempts = %d, want 3", cfg.Proxy.MaxAttempts)
	}
	if cfg.Proxy.StreamBufferMode != StreamBufferOff {
		t.Fatalf("StreamBufferMode = %q, want %q", cfg.Proxy.StreamBufferMode, StreamBufferOff)
	}
	if cfg.Sticky.Backend != StickyBackendMemory {
		t.Fatalf("Sticky.Backend = %q, want %q", cfg.Sticky.Backend, StickyBackendMemory)
	}
	if cfg.Mark.UsageLimitMinCooldownSeconds != 60 {
		t.Fatalf("UsageLimitMinCooldownSeconds = %d, want 60", cfg.Mark.UsageLimitMinCooldownSeconds)
	}
	if cfg.Mark.UsageLimitMaxInitialCooldownSeconds != 300 {
		t.Fatalf("UsageLimitMaxInitialCooldownSeconds = %d, want 300", cfg.Mark.UsageLimitMaxInitialCooldownSeconds)
	}
	if cfg.Mark.UsageLimitEscalateStreakThreshold != 3 {
		t.Fatalf("UsageLimitEscalateStreakThreshold = %d, want 3", cfg.Mark.UsageLimitEscalateStreakThreshold)
	}
	if cfg.UsageRefreshInterval() != 60*time.Second {
		t.Fatalf("UsageRefreshInterval() = %v, want 60s", cfg.UsageRefreshInterval())
	}
}

func TestLoadOverrideFromEnv(t *testing.T) {
	viper.Reset()
	t.Setenv("PROXY_SNAPSHOT_TTL_SECONDS", "2")
	t.Setenv("STICKY_BACKEND", "db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Proxy.SnapshotTTLSeconds != 2 {
		t.Fatalf("SnapshotTTLSeconds = %d, want 2", cfg.Proxy.SnapshotTTLSeconds)
	}
	if cfg.Sticky.Backend != "db" {
		t.Fatalf("Sticky.Backend = %q, want db", cfg.Sticky.Backend)
	}
}

func TestValidateRejectsSameDatabaseFile(t *testing.T) {
	cfg := &Config{
		Store:      StoreConfig{AccountsDatabaseURL: "same.db", DatabaseURL: "same.db"},
		Encryption: EncryptionConfig{KeyFile: "key"},
		Upstream:   UpstreamConfig{BaseURL: "https://example.com"},
		Proxy:      ProxyConfig{SnapshotTTLSeconds: 1, MaxAttempts: 1, StreamBufferMode: StreamBufferOff},
		Sticky:     StickyConfig{Backend: StickyBackendMemory},
		UsageRefresh: UsageRefreshConfig{IntervalSeconds: 1, Concurrency: 1},
		Log:        LogConfig{BufferCapacity: 1},
	}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for identical accounts/operational database paths")
	}
}

func TestValidateRejectsDBStickyBackendWithoutRedisURL(t *testing.T) {
	cfg := &Config{
		Store:        StoreConfig{AccountsDatabaseURL: "a.db", DatabaseURL: "b.db"},
		Encryption:   EncryptionConfig{KeyFile: "key"},
		Upstream:     UpstreamConfig{BaseURL: "https://example.com"},
		Proxy:        ProxyConfig{SnapshotTTLSeconds: 1, MaxAttempts: 1, StreamBufferMode: StreamBufferOff},
		Sticky:       StickyConfig{Backend: StickyBackendDB},
		UsageRefresh: UsageRefreshConfig{IntervalSeconds: 1, Concurrency: 1},
		Log:          LogConfig{BufferCapacity: 1},
	}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for db sticky backend with no redis_url")
	}
}

func TestValidateRejectsBadStreamBufferMode(t *testing.T) {
	cfg := &Config{
		Store:      StoreConfig{AccountsDatabaseURL: "a.db", DatabaseURL: "b.db"},
		Encryption: EncryptionConfig{KeyFile: "key"},
		Upstream:   UpstreamConfig{BaseURL: "https://example.com"},
		Proxy:      ProxyConfig{SnapshotTTLSeconds: 1, MaxAttempts: 1, StreamBufferMode: "bogus"},
		Sticky:     StickyConfig{Backend: StickyBackendMemory},
		UsageRefresh: UsageRefreshConfig{IntervalSeconds: 1, Concurrency: 1},
		Log:        LogConfig{BufferCapacity: 1},
	}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid stream_buffer_mode")
	}
}
