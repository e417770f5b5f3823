// Package worker runs a fixed pool of goroutines that drain the job queue.
package worker

import (
	"time"

	"github.com/okian/statuswatch/pkg/logger"
)

// Option applies a configuration option to the InMemoryWorker.
type Option func(*InMemoryWorker)

// WithName sets the worker name for identification and logging.
func WithName(name string) Option {
	return func(w *InMemoryWorker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithLogger sets a custom logger for the worker.
func WithLogger(l logger.Logger) Option {
	return func(w *InMemoryWorker) {
		if l != nil {
			w.logger = l
		}
	}
}

// PoolOption applies a configuration option to the Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the logger used by the pool and its workers.
func WithPoolLogger(l logger.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetricsInterval sets how often busy-worker gauges are published.
func WithMetricsInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.metricsInterval = d
		}
	}
}

// WithForceTimeout bounds how long Shutdown waits for aborted handlers after
// the caller's deadline has passed.
func WithForceTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.forceTimeout = d
		}
	}
}
