package differ

import (
	"time"

	"github.com/okian/statuswatch/pkg/logger"
)

// Option applies a configuration option to the Differ.
type Option func(*Differ)

// WithNewEntityPolicy sets how first sightings are treated.
func WithNewEntityPolicy(p NewEntityPolicy) Option {
	return func(d *Differ) {
		if p != "" {
			d.policy = p
		}
	}
}

// WithConcurrency bounds how many entities are diffed at once.
func WithConcurrency(n int) Option {
	return func(d *Differ) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithMaxConflictRetries bounds re-reads after a lost revision race.
func WithMaxConflictRetries(n int) Option {
	return func(d *Differ) {
		if n > 0 {
			d.maxConflictRetries = n
		}
	}
}

// WithClock overrides the clock used for DetectedAt.
func WithClock(now func() time.Time) Option {
	return func(d *Differ) {
		if now != nil {
			d.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Differ) {
		if l != nil {
			d.logger = l
		}
	}
}
