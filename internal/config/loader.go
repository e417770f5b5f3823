package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/okian/statuswatch/internal/domain/differ"
)

const envPrefix = "STATUSWATCH_"

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if STATUSWATCH_CONFIG is set
//  3. env (prefix STATUSWATCH_)
func Load() (*Config, error) {
	base := New()

	k := koanf.New(".")

	if path := os.Getenv(envPrefix + "CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLoadConfig, path, err)
		}
	}

	// STATUSWATCH_QUEUE_SIZE -> queue_size. Underscores are kept to match
	// the flat koanf tags.
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), strings.ToLower(envPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %v", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalid("unknown log_level %q", c.LogLevel)
	}
	if c.Addr == "" {
		return invalid("addr must not be empty")
	}
	if c.FetchIntervalSec <= 0 {
		return invalid("fetch_interval_sec must be > 0")
	}
	if c.TopRankCutoff < 0 {
		return invalid("top_rank_cutoff must be >= 0")
	}
	if _, err := differ.ParseNewEntityPolicy(c.NewEntityPolicy); err != nil {
		return invalid("new_entity_policy: %v", err)
	}
	if err := c.FetchPolicy().Validate(); err != nil {
		return invalid("fetch retry: %v", err)
	}
	send := c.SendPolicy()
	if err := send.Validate(); err != nil {
		return invalid("send retry: %v", err)
	}
	if c.WorkerCount < 1 || c.QueueSize < 1 {
		return invalid("worker_count and queue_size must be >= 1")
	}
	if c.SendTimeoutMS <= 0 {
		return invalid("send_timeout_ms must be > 0")
	}
	if c.DedupeRetention() <= send.Horizon() {
		return invalid("dedupe_retention_sec (%s) must exceed the send retry horizon (%s)", c.DedupeRetention(), send.Horizon())
	}

	if c.MetricsRefreshSec <= 0 {
		return invalid("metrics_refresh_sec must be > 0")
	}
	if _, err := c.MetricsLabels(); err != nil {
		return invalid("metrics_const_labels: %v", err)
	}
	if _, err := c.MetricsBuckets(); err != nil {
		return invalid("metrics_buckets_ms: %v", err)
	}

	switch c.StoreDriver {
	case "memory":
	case "sqlite":
		if c.SQLitePath == "" {
			return invalid("sqlite_path is required for the sqlite store")
		}
	default:
		return invalid("unknown store_driver %q", c.StoreDriver)
	}

	switch c.SubscriptionsDriver {
	case "memory":
	case "file":
		if c.SubscriptionsFile == "" {
			return invalid("subscriptions_file is required for the file driver")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return invalid("postgres_dsn is required for the postgres driver")
		}
	default:
		return invalid("unknown subscriptions_driver %q", c.SubscriptionsDriver)
	}
	return nil
}
