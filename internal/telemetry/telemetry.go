// Package telemetry reports failures to an error tracker.
package telemetry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/okian/statuswatch/pkg/logger"
)

// Reporter receives errors worth a human's attention.
type Reporter interface {
	CaptureError(ctx context.Context, component string, err error, tags map[string]string)
	Flush(timeout time.Duration) bool
}

// Nop discards everything.
type Nop struct{}

// CaptureError implements Reporter.
func (Nop) CaptureError(context.Context, string, error, map[string]string) {}

// Flush implements Reporter.
func (Nop) Flush(time.Duration) bool { return true }

// Config selects the Sentry project.
type Config struct {
	DSN         string
	Environment string
	Release     string
	SampleRate  float64
	// Transport overrides the HTTP transport, for tests.
	Transport sentry.Transport
}

// SentryReporter sends errors to Sentry through its own hub so it never
// touches the global client.
type SentryReporter struct {
	hub    *sentry.Hub
	logger logger.Logger
}

// New returns a Sentry reporter, or Nop when no DSN and no transport is set.
func New(cfg Config, log logger.Logger) (Reporter, error) {
	if cfg.DSN == "" && cfg.Transport == nil {
		return Nop{}, nil
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 1.0
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		SampleRate:       cfg.SampleRate,
		AttachStacktrace: true,
		Transport:        cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry client: %w", err)
	}
	if log == nil {
		log = logger.Get().Named("telemetry")
	}
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope()), logger: log}, nil
}

// CaptureError implements Reporter.
func (r *SentryReporter) CaptureError(ctx context.Context, component string, err error, tags map[string]string) {
	if err == nil {
		return
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		for _, k := range keys {
			scope.SetTag(k, tags[k])
		}
		scope.SetFingerprint([]string{component, fmt.Sprintf("%T", err)})
		r.hub.CaptureException(err)
	})
	r.logger.Debug(ctx, "error reported", logger.String("component", component), logger.Error(err))
}

// Flush waits for buffered events.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}
