package dedupe

import (
	"time"

	"github.com/okian/statuswatch/pkg/logger"
)

// Option applies a configuration option to the window deduper.
type Option func(*windowDeduper)

// WithRetention sets how long a key is remembered.
func WithRetention(d time.Duration) Option {
	return func(w *windowDeduper) {
		if d > 0 {
			w.retention = d
		}
	}
}

// WithMaxSize caps the number of keys kept in memory. Zero or negative means unbounded.
func WithMaxSize(maxSize int) Option {
	return func(w *windowDeduper) {
		w.maxSize = maxSize
	}
}

// WithLedger persists keys so restarts do not forget recent deliveries.
func WithLedger(l Ledger) Option {
	return func(w *windowDeduper) {
		w.ledger = l
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(w *windowDeduper) {
		if l != nil {
			w.logger = l
		}
	}
}
