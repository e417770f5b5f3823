// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Durations are integer keys suffixed _ms or _sec.
// - Provide New() to build a Config with defaults.
// - Validation errors wrap ErrInvalidConfig.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/okian/statuswatch/internal/domain/retry"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat is text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`
	// CORSOrigins is a comma separated allow list; empty allows any origin.
	CORSOrigins string `koanf:"cors_origins"`
	// ShutdownTimeoutMS bounds graceful shutdown.
	ShutdownTimeoutMS int `koanf:"shutdown_timeout_ms"`

	// Provider polling.
	ProviderURL          string  `koanf:"provider_url"`
	ProviderAPIKey       string  `koanf:"provider_api_key"`
	ProviderTimeoutMS    int     `koanf:"provider_timeout_ms"`
	ProviderRatePerSec   float64 `koanf:"provider_rate_per_sec"`
	TopRankCutoff        int     `koanf:"top_rank_cutoff"`
	FetchIntervalSec     int     `koanf:"fetch_interval_sec"`
	FetchMaxAttempts     int     `koanf:"fetch_max_attempts"`
	FetchBackoffInitMS   int     `koanf:"fetch_backoff_initial_ms"`
	FetchBackoffMaxMS    int     `koanf:"fetch_backoff_max_ms"`
	NewEntityPolicy      string  `koanf:"new_entity_policy"`
	DifferConcurrency    int     `koanf:"differ_concurrency"`
	UnhealthyAfterCycles int     `koanf:"unhealthy_after"`

	// StoreDriver is memory or sqlite.
	StoreDriver string `koanf:"store_driver"`
	SQLitePath  string `koanf:"sqlite_path"`

	// SubscriptionsDriver is memory, file or postgres.
	SubscriptionsDriver string `koanf:"subscriptions_driver"`
	SubscriptionsFile   string `koanf:"subscriptions_file"`
	PostgresDSN         string `koanf:"postgres_dsn"`

	// Dispatch.
	WorkerCount        int `koanf:"worker_count"`
	QueueSize          int `koanf:"queue_size"`
	SendTimeoutMS      int `koanf:"send_timeout_ms"`
	SendMaxAttempts    int `koanf:"send_max_attempts"`
	SendBackoffInitMS  int `koanf:"send_backoff_initial_ms"`
	SendBackoffMaxMS   int `koanf:"send_backoff_max_ms"`
	DedupeRetentionSec int `koanf:"dedupe_retention_sec"`
	DedupeSize         int `koanf:"dedupe_size"`

	// Channels.
	EmailSMTPURL     string  `koanf:"email_smtp_url"`
	EmailHTML        bool    `koanf:"email_html"`
	EmailRatePerSec  float64 `koanf:"email_rate_per_sec"`
	PushEnabled      bool    `koanf:"push_enabled"`
	PushRatePerSec   float64 `koanf:"push_rate_per_sec"`
	InAppEnabled     bool    `koanf:"inapp_enabled"`
	TextTemplateFile string  `koanf:"text_template_file"`
	HTMLTemplateFile string  `koanf:"html_template_file"`

	// Feed.
	FeedSendBuffer  int    `koanf:"feed_send_buffer"`
	MQTTBroker      string `koanf:"mqtt_broker"`
	MQTTClientID    string `koanf:"mqtt_client_id"`
	MQTTUsername    string `koanf:"mqtt_username"`
	MQTTPassword    string `koanf:"mqtt_password"`
	MQTTTopicPrefix string `koanf:"mqtt_topic_prefix"`

	// Metrics naming and refresh.
	MetricsNamespace string `koanf:"metrics_namespace"`
	MetricsSubsystem string `koanf:"metrics_subsystem"`
	// MetricsConstLabels is "key=value,key=value" attached to every series.
	MetricsConstLabels string `koanf:"metrics_const_labels"`
	// MetricsBucketsMS is a comma separated list of latency bucket bounds.
	MetricsBucketsMS  string `koanf:"metrics_buckets_ms"`
	MetricsRefreshSec int    `koanf:"metrics_refresh_sec"`

	// Error reporting.
	SentryDSN         string `koanf:"sentry_dsn"`
	SentryEnvironment string `koanf:"sentry_environment"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:             "info",
		LogFormat:            "text",
		Addr:                 ":9080",
		ShutdownTimeoutMS:    15_000,
		ProviderTimeoutMS:    30_000,
		ProviderRatePerSec:   1,
		TopRankCutoff:        100,
		FetchIntervalSec:     3600,
		FetchMaxAttempts:     4,
		FetchBackoffInitMS:   1_000,
		FetchBackoffMaxMS:    30_000,
		NewEntityPolicy:      "injured_only",
		DifferConcurrency:    8,
		UnhealthyAfterCycles: 3,
		StoreDriver:          "memory",
		SQLitePath:           "statuswatch.db",
		SubscriptionsDriver:  "memory",
		WorkerCount:          8,
		QueueSize:            1024,
		SendTimeoutMS:        10_000,
		SendMaxAttempts:      5,
		SendBackoffInitMS:    2_000,
		SendBackoffMaxMS:     120_000,
		DedupeRetentionSec:   86_400,
		DedupeSize:           500_000,
		EmailHTML:            true,
		EmailRatePerSec:      5,
		PushEnabled:          true,
		PushRatePerSec:       10,
		InAppEnabled:         true,
		FeedSendBuffer:       32,
		MQTTTopicPrefix:      "statuswatch/feed",
		MetricsNamespace:     "statuswatch",
		MetricsSubsystem:     "engine",
		MetricsRefreshSec:    10,
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// FetchInterval is the cycle period.
func (c *Config) FetchInterval() time.Duration {
	return time.Duration(c.FetchIntervalSec) * time.Second
}

// ProviderTimeout bounds one provider request.
func (c *Config) ProviderTimeout() time.Duration { return ms(c.ProviderTimeoutMS) }

// SendTimeout bounds one adapter call.
func (c *Config) SendTimeout() time.Duration { return ms(c.SendTimeoutMS) }

// ShutdownTimeout bounds graceful shutdown.
func (c *Config) ShutdownTimeout() time.Duration { return ms(c.ShutdownTimeoutMS) }

// DedupeRetention is how long a delivered key is remembered.
func (c *Config) DedupeRetention() time.Duration {
	return time.Duration(c.DedupeRetentionSec) * time.Second
}

// FetchPolicy is the provider retry policy.
func (c *Config) FetchPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = c.FetchMaxAttempts
	p.InitialInterval = ms(c.FetchBackoffInitMS)
	p.MaxInterval = ms(c.FetchBackoffMaxMS)
	return p
}

// SendPolicy is the delivery retry policy.
func (c *Config) SendPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = c.SendMaxAttempts
	p.InitialInterval = ms(c.SendBackoffInitMS)
	p.MaxInterval = ms(c.SendBackoffMaxMS)
	return p
}

// Origins splits CORSOrigins.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// MetricsRefresh is how often gauges are refreshed.
func (c *Config) MetricsRefresh() time.Duration {
	return time.Duration(c.MetricsRefreshSec) * time.Second
}

// MetricsLabels parses MetricsConstLabels.
func (c *Config) MetricsLabels() (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(c.MetricsConstLabels, ",") {
		if pair = strings.TrimSpace(pair); pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("label %q is not key=value", pair)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

// MetricsBuckets parses MetricsBucketsMS into ascending bounds. Empty means
// the metrics defaults.
func (c *Config) MetricsBuckets() ([]float64, error) {
	var out []float64
	for _, f := range strings.Split(c.MetricsBucketsMS, ",") {
		if f = strings.TrimSpace(f); f == "" {
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("bucket %q must be a positive number", f)
		}
		out = append(out, v)
	}
	sort.Float64s(out)
	return out, nil
}
