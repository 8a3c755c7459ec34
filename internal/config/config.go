// Package config loads the engine configuration from YAML files and
// SENTINEX_-prefixed environment variables, with documented defaults for
// every field.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EngineConfig tunes the evaluation pipeline.
type EngineConfig struct {
	// OverallDeadline bounds one full evaluation. Default 5s.
	OverallDeadline time.Duration `mapstructure:"overall_deadline" yaml:"overall_deadline"`
	// CacheTTL is the decision replay window. Default 10m.
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	// CacheMaxEntries bounds the memory cache. Default 10000.
	CacheMaxEntries int `mapstructure:"cache_max_entries" yaml:"cache_max_entries"`
	// CacheBackend selects "memory" or "redis". Default memory.
	CacheBackend string `mapstructure:"cache_backend" yaml:"cache_backend"`
}

// SourcesConfig tunes the per-provider resilience controls.
type SourcesConfig struct {
	// SignalTimeout is the per-provider call budget. Default 2s.
	SignalTimeout time.Duration `mapstructure:"signal_timeout" yaml:"signal_timeout"`
	// BreakerThreshold is the consecutive-failure count that opens a
	// provider's circuit. Default 5.
	BreakerThreshold uint32 `mapstructure:"breaker_threshold" yaml:"breaker_threshold"`
	// BreakerWindow is the rolling window for failure counting. Default 1m.
	BreakerWindow time.Duration `mapstructure:"breaker_window" yaml:"breaker_window"`
	// BreakerCooldown is how long an open circuit short-circuits before
	// probing again. Default 30s.
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown" yaml:"breaker_cooldown"`
}

// DetectorsConfig tunes the in-process pattern detectors.
type DetectorsConfig struct {
	// Timeout is the per-detector budget. Default 500ms.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// PolicyConfig locates the policy file.
type PolicyConfig struct {
	// File is the YAML policy snapshot set. Default configs/policy.yaml.
	File string `mapstructure:"file" yaml:"file"`
	// Watch enables fsnotify hot reload. Default true.
	Watch bool `mapstructure:"watch" yaml:"watch"`
	// DefaultJurisdiction is served to jurisdictions without a snapshot of
	// their own. Default "default" (the file's default entry, if any).
	DefaultJurisdiction string `mapstructure:"default_jurisdiction" yaml:"default_jurisdiction"`
}

// WatchlistConfig locates the screening list.
type WatchlistConfig struct {
	// File is the YAML watchlist; empty runs with an empty list.
	File string `mapstructure:"file" yaml:"file"`
	// FuzzyThreshold is the minimum name similarity for a hit. Default 0.85.
	FuzzyThreshold float64 `mapstructure:"fuzzy_threshold" yaml:"fuzzy_threshold"`
}

// HistoryConfig bounds the in-memory transfer history.
type HistoryConfig struct {
	// MaxPerSubject caps retained transfers per subject. Default 10000.
	MaxPerSubject int `mapstructure:"max_per_subject" yaml:"max_per_subject"`
}

// AuditConfig configures the audit trail store and retry policy.
type AuditConfig struct {
	// DSN selects postgres (connection string) or sqlite (file path).
	// Default sentinex_audit.db.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
	// RetryAttempts is the total append attempts. Default 3.
	RetryAttempts int `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	// RetryBackoff is the first retry delay; it doubles per retry.
	// Default 50ms.
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
}

// EventsConfig configures decision event publishing.
type EventsConfig struct {
	// Enabled turns Kafka publishing on. Default false (NopPublisher).
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Brokers lists the Kafka bootstrap addresses.
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	// Topic receives decision events. Default sentinex.decisions.
	Topic string `mapstructure:"topic" yaml:"topic"`
}

// RedisConfig configures the optional Redis cache backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	// KeyPrefix namespaces cache keys. Default sentinex:decision:.
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default info.
	Level string `mapstructure:"level" yaml:"level"`
	// Format is json or console. Default json.
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	// Addr is the /metrics listen address. Default :9090.
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Config is the full engine configuration.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine" yaml:"engine"`
	Sources   SourcesConfig   `mapstructure:"sources" yaml:"sources"`
	Detectors DetectorsConfig `mapstructure:"detectors" yaml:"detectors"`
	Policy    PolicyConfig    `mapstructure:"policy" yaml:"policy"`
	Watchlist WatchlistConfig `mapstructure:"watchlist" yaml:"watchlist"`
	History   HistoryConfig   `mapstructure:"history" yaml:"history"`
	Audit     AuditConfig     `mapstructure:"audit" yaml:"audit"`
	Events    EventsConfig    `mapstructure:"events" yaml:"events"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.overall_deadline", 5*time.Second)
	v.SetDefault("engine.cache_ttl", 10*time.Minute)
	v.SetDefault("engine.cache_max_entries", 10000)
	v.SetDefault("engine.cache_backend", "memory")

	v.SetDefault("sources.signal_timeout", 2*time.Second)
	v.SetDefault("sources.breaker_threshold", 5)
	v.SetDefault("sources.breaker_window", time.Minute)
	v.SetDefault("sources.breaker_cooldown", 30*time.Second)

	v.SetDefault("detectors.timeout", 500*time.Millisecond)

	v.SetDefault("policy.file", "configs/policy.yaml")
	v.SetDefault("policy.watch", true)
	v.SetDefault("policy.default_jurisdiction", "default")

	v.SetDefault("watchlist.file", "")
	v.SetDefault("watchlist.fuzzy_threshold", 0.85)

	v.SetDefault("history.max_per_subject", 10000)

	v.SetDefault("audit.dsn", "sentinex_audit.db")
	v.SetDefault("audit.retry_attempts", 3)
	v.SetDefault("audit.retry_backoff", 50*time.Millisecond)

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.brokers", []string{"localhost:9092"})
	v.SetDefault("events.topic", "sentinex.decisions")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "sentinex:decision:")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("metrics.addr", ":9090")
}

// Load reads the configuration. An explicit path must exist; with an empty
// path the usual locations are searched and absence falls back to defaults.
// SENTINEX_-prefixed environment variables override file values
// (SENTINEX_LOG_LEVEL=debug, SENTINEX_ENGINE_CACHE_TTL=5m, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SENTINEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/sentinex")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errors.Wrap(err, "read config")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces sane ranges across all sections.
func (c *Config) Validate() error {
	var problems []string

	if c.Engine.OverallDeadline <= 0 {
		problems = append(problems, "engine.overall_deadline must be positive")
	}
	if c.Engine.CacheTTL <= 0 {
		problems = append(problems, "engine.cache_ttl must be positive")
	}
	if c.Engine.CacheMaxEntries < 0 {
		problems = append(problems, "engine.cache_max_entries must not be negative")
	}
	switch c.Engine.CacheBackend {
	case "memory", "redis":
	default:
		problems = append(problems, fmt.Sprintf("engine.cache_backend %q must be memory or redis", c.Engine.CacheBackend))
	}

	if c.Sources.SignalTimeout <= 0 {
		problems = append(problems, "sources.signal_timeout must be positive")
	}
	if c.Sources.BreakerThreshold == 0 {
		problems = append(problems, "sources.breaker_threshold must be at least 1")
	}
	if c.Sources.BreakerWindow <= 0 {
		problems = append(problems, "sources.breaker_window must be positive")
	}
	if c.Sources.BreakerCooldown <= 0 {
		problems = append(problems, "sources.breaker_cooldown must be positive")
	}
	if c.Detectors.Timeout <= 0 {
		problems = append(problems, "detectors.timeout must be positive")
	}

	if c.Policy.File == "" {
		problems = append(problems, "policy.file is required")
	}
	if c.Watchlist.FuzzyThreshold <= 0 || c.Watchlist.FuzzyThreshold > 1 {
		problems = append(problems, "watchlist.fuzzy_threshold must be in (0,1]")
	}
	if c.History.MaxPerSubject <= 0 {
		problems = append(problems, "history.max_per_subject must be positive")
	}

	if c.Audit.DSN == "" {
		problems = append(problems, "audit.dsn is required")
	}
	if c.Audit.RetryAttempts < 1 {
		problems = append(problems, "audit.retry_attempts must be at least 1")
	}
	if c.Audit.RetryBackoff <= 0 {
		problems = append(problems, "audit.retry_backoff must be positive")
	}

	if c.Events.Enabled {
		if len(c.Events.Brokers) == 0 {
			problems = append(problems, "events.brokers is required when events are enabled")
		}
		if c.Events.Topic == "" {
			problems = append(problems, "events.topic is required when events are enabled")
		}
	}

	if c.Engine.CacheBackend == "redis" && c.Redis.Addr == "" {
		problems = append(problems, "redis.addr is required for the redis cache backend")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q must be json or console", c.Log.Format))
	}

	if c.Metrics.Addr == "" {
		problems = append(problems, "metrics.addr is required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
