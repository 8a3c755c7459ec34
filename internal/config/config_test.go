package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 5*time.Second, cfg.Engine.OverallDeadline)
	require.Equal(t, 10*time.Minute, cfg.Engine.CacheTTL)
	require.Equal(t, "memory", cfg.Engine.CacheBackend)
	require.Equal(t, 2*time.Second, cfg.Sources.SignalTimeout)
	require.Equal(t, uint32(5), cfg.Sources.BreakerThreshold)
	require.Equal(t, 500*time.Millisecond, cfg.Detectors.Timeout)
	require.Equal(t, "configs/policy.yaml", cfg.Policy.File)
	require.True(t, cfg.Policy.Watch)
	require.Equal(t, 3, cfg.Audit.RetryAttempts)
	require.False(t, cfg.Events.Enabled)
	require.Equal(t, "sentinex.decisions", cfg.Events.Topic)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, ":9090", cfg.Metrics.Addr)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
engine:
  overall_deadline: 2s
  cache_backend: redis
sources:
  breaker_threshold: 8
events:
  enabled: true
  brokers: ["kafka-1:9092", "kafka-2:9092"]
  topic: compliance.decisions
redis:
  addr: cache-1:6379
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 2*time.Second, cfg.Engine.OverallDeadline)
	require.Equal(t, "redis", cfg.Engine.CacheBackend)
	require.Equal(t, uint32(8), cfg.Sources.BreakerThreshold)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Events.Brokers)
	require.Equal(t, "compliance.decisions", cfg.Events.Topic)
	require.Equal(t, "cache-1:6379", cfg.Redis.Addr)
	require.Equal(t, "debug", cfg.Log.Level)

	// Untouched sections keep their defaults.
	require.Equal(t, 10*time.Minute, cfg.Engine.CacheTTL)
	require.Equal(t, "configs/policy.yaml", cfg.Policy.File)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o600))

	t.Setenv("SENTINEX_LOG_LEVEL", "error")
	t.Setenv("SENTINEX_ENGINE_CACHE_TTL", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "error", cfg.Log.Level)
	require.Equal(t, 90*time.Second, cfg.Engine.CacheTTL)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero deadline", func(c *Config) { c.Engine.OverallDeadline = 0 }, "overall_deadline"},
		{"bad backend", func(c *Config) { c.Engine.CacheBackend = "disk" }, "cache_backend"},
		{"zero breaker threshold", func(c *Config) { c.Sources.BreakerThreshold = 0 }, "breaker_threshold"},
		{"missing policy file", func(c *Config) { c.Policy.File = "" }, "policy.file"},
		{"fuzzy threshold above one", func(c *Config) { c.Watchlist.FuzzyThreshold = 1.2 }, "fuzzy_threshold"},
		{"zero retry attempts", func(c *Config) { c.Audit.RetryAttempts = 0 }, "retry_attempts"},
		{"events without brokers", func(c *Config) {
			c.Events.Enabled = true
			c.Events.Brokers = nil
		}, "events.brokers"},
		{"redis backend without addr", func(c *Config) {
			c.Engine.CacheBackend = "redis"
			c.Redis.Addr = ""
		}, "redis.addr"},
		{"unknown log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tc.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}
