// Package retry holds the bounded exponential retry policy shared by the
// fetcher and the dispatcher.
package retry

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrInvalidPolicy is returned by Validate.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// Policy bounds retries of one operation. MaxAttempts counts the first try.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64 // randomization factor in [0, 1)
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 2 * time.Second,
		MaxInterval:     2 * time.Minute,
		Multiplier:      2,
		Jitter:          0.2,
	}
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be >= 1", ErrInvalidPolicy)
	case p.InitialInterval <= 0:
		return fmt.Errorf("%w: initial interval must be > 0", ErrInvalidPolicy)
	case p.MaxInterval < p.InitialInterval:
		return fmt.Errorf("%w: max interval below initial interval", ErrInvalidPolicy)
	case p.Multiplier < 1:
		return fmt.Errorf("%w: multiplier must be >= 1", ErrInvalidPolicy)
	case p.Jitter < 0 || p.Jitter >= 1:
		return fmt.Errorf("%w: jitter must be in [0,1)", ErrInvalidPolicy)
	}
	return nil
}

// CanRetry reports whether another attempt is allowed after `attempts` tries.
func (p Policy) CanRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}

// NewBackOff returns a fresh exponential backoff stopping after MaxAttempts tries.
func (p Policy) NewBackOff() backoff.BackOff {
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(p.exponential(), uint64(retries))
}

// Delay returns the wait before the next try after `attempts` failed tries.
func (p Policy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	b := p.exponential()
	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Horizon is the longest total wait a fully retried operation can accumulate.
func (p Policy) Horizon() time.Duration {
	var total float64
	interval := float64(p.InitialInterval)
	for i := 1; i < p.MaxAttempts; i++ {
		total += math.Min(interval, float64(p.MaxInterval)) * (1 + p.Jitter)
		interval *= p.Multiplier
	}
	return time.Duration(total)
}

func (p Policy) exponential() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}
