package setup

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// sampleConfig mirrors a subset of config.Config's yaml shape. Its values
// match what config.setDefaults installs at runtime except the three file
// paths, which point under /var/lib/codex-lb instead of $HOME/.codex-lb;
// every key it writes is one config.Load reads.
type sampleConfig struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
		Mode string `yaml:"mode"`
	} `yaml:"server"`
	Store struct {
		AccountsDatabaseURL string `yaml:"accounts_database_url"`
		DatabaseURL         string `yaml:"database_url"`
	} `yaml:"store"`
	Encryption struct {
		KeyFile string `yaml:"key_file"`
	} `yaml:"encryption"`
	Upstream struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"upstream"`
	Proxy struct {
		SnapshotTTLSeconds int    `yaml:"snapshot_ttl_seconds"`
		MaxAttempts        int    `yaml:"max_attempts"`
		StreamBufferMode   string `yaml:"stream_buffer_mode"`
	} `yaml:"proxy"`
	Sticky struct {
		Backend  string `yaml:"backend"`
		RedisURL string `yaml:"redis_url"`
	} `yaml:"sticky"`
	UsageRefresh struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"usage_refresh"`
}

func newSampleConfig() sampleConfig {
	var c sampleConfig
	c.Server.Host = "0.0.0.0"
	c.Server.Port = 8080
	c.Server.Mode = "release"
	c.Store.AccountsDatabaseURL = "/var/lib/codex-lb/accounts.db"
	c.Store.DatabaseURL = "/var/lib/codex-lb/store.db"
	c.Encryption.KeyFile = "/var/lib/codex-lb/encryption.key"
	c.Upstream.BaseURL = "https://chatgpt.com/backend-api/codex"
	c.Proxy.SnapshotTTLSeconds = 5
	c.Proxy.MaxAttempts = 3
	c.Proxy.StreamBufferMode = "off"
	c.Sticky.Backend = "memory"
	c.Sticky.RedisURL = "redis://127.0.0.1:6379/0"
	c.UsageRefresh.IntervalSeconds = 60
	return c
}

// WriteSampleConfig marshals a starter config.yaml to path, for an
// operator bringing up a new instance without hand-assembling every key
// config.setDefaults would otherwise fill in silently.
func WriteSampleConfig(path string) error {
	data, err := yaml.Marshal(newSampleConfig())
	if err != nil {
		return fmt.Errorf("marshal sample config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
