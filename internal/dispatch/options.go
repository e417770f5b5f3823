package dispatch

import (
	"time"

	"github.com/okian/statuswatch/internal/domain/dedupe"
	"github.com/okian/statuswatch/internal/domain/model"
	"github.com/okian/statuswatch/internal/domain/retry"
	"github.com/okian/statuswatch/pkg/logger"
)

// Option applies a configuration option to the Dispatcher.
type Option func(*Dispatcher)

// WithDeduper sets the recent-dispatch window.
func WithDeduper(d dedupe.Deduper) Option {
	return func(ds *Dispatcher) {
		if d != nil {
			ds.dedup = d
		}
	}
}

// WithRetryPolicy sets the send retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(ds *Dispatcher) {
		if p.Validate() == nil {
			ds.policy = p
		}
	}
}

// WithWorkers sets the number of concurrent senders.
func WithWorkers(n int) Option {
	return func(ds *Dispatcher) {
		if n > 0 {
			ds.workers = n
		}
	}
}

// WithQueueCapacity bounds how many ready intents may wait for a worker.
func WithQueueCapacity(n int) Option {
	return func(ds *Dispatcher) {
		if n > 0 {
			ds.queueCapacity = n
		}
	}
}

// WithSendTimeout bounds a single adapter call.
func WithSendTimeout(d time.Duration) Option {
	return func(ds *Dispatcher) {
		if d > 0 {
			ds.sendTimeout = d
		}
	}
}

// WithRequeueDelay sets how long a ready intent waits before retrying a full queue.
func WithRequeueDelay(d time.Duration) Option {
	return func(ds *Dispatcher) {
		if d > 0 {
			ds.requeueDelay = d
		}
	}
}

// WithObserver registers a callback for every intent reaching a terminal state.
func WithObserver(fn func(model.Intent)) Option {
	return func(ds *Dispatcher) {
		if fn != nil {
			ds.observers = append(ds.observers, fn)
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(ds *Dispatcher) {
		if now != nil {
			ds.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(ds *Dispatcher) {
		if l != nil {
			ds.logger = l
		}
	}
}
