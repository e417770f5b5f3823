package service

import (
	"time"

	"github.com/okian/statuswatch/internal/dispatch"
	"github.com/okian/statuswatch/internal/domain/differ"
	"github.com/okian/statuswatch/internal/domain/health"
	"github.com/okian/statuswatch/internal/telemetry"
	"github.com/okian/statuswatch/pkg/logger"
)

// Option applies a configuration option to the Engine.
type Option func(*Engine)

// WithInterval sets the cycle period.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithRunOnStart controls whether Start runs a cycle immediately.
func WithRunOnStart(run bool) Option {
	return func(e *Engine) { e.runOnStart = run }
}

// WithDifferOptions passes options to the differ.
func WithDifferOptions(opts ...differ.Option) Option {
	return func(e *Engine) { e.differOpts = append(e.differOpts, opts...) }
}

// WithDispatchOptions passes options to the dispatcher.
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(e *Engine) { e.dispatchOpts = append(e.dispatchOpts, opts...) }
}

// WithHealth sets the health tracker.
func WithHealth(t *health.Tracker) Option {
	return func(e *Engine) {
		if t != nil {
			e.health = t
		}
	}
}

// WithReporter sets the error reporter.
func WithReporter(r telemetry.Reporter) Option {
	return func(e *Engine) {
		if r != nil {
			e.reporter = r
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets a custom logger for the engine.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}
