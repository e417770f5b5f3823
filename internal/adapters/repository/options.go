package repository

import (
	"time"

	"github.com/okian/statuswatch/pkg/logger"
)

// Option applies a configuration option to a store.
type Option func(*storeOptions)

type storeOptions struct {
	metricsUpdateInterval time.Duration
	busyTimeout           time.Duration
	ackedRetention        time.Duration
	logger                logger.Logger
}

func defaultStoreOptions() storeOptions {
	return storeOptions{
		metricsUpdateInterval: 5 * time.Second,
		busyTimeout:           5 * time.Second,
		ackedRetention:        72 * time.Hour,
	}
}

// WithMetricsUpdateInterval sets the interval for background metrics updates.
func WithMetricsUpdateInterval(interval time.Duration) Option {
	return func(o *storeOptions) {
		if interval > 0 {
			o.metricsUpdateInterval = interval
		}
	}
}

// WithBusyTimeout sets the SQLite busy timeout.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *storeOptions) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

// WithAckedRetention sets how long acknowledged outbox rows are kept before
// the background sweep deletes them.
func WithAckedRetention(d time.Duration) Option {
	return func(o *storeOptions) {
		if d > 0 {
			o.ackedRetention = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(o *storeOptions) {
		if l != nil {
			o.logger = l
		}
	}
}
