package channels

import (
	"errors"
	"fmt"
)

// Kind separates failures worth retrying from ones that never succeed.
type Kind int

// Failure kinds.
const (
	Transient Kind = iota
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// Sentinel errors for channel delivery.
var (
	ErrChannelDisabled = errors.New("channel disabled")
	ErrNoContact       = errors.New("no contact address for user")
	ErrUnknownChannel  = errors.New("unknown channel")
)

// SendError is the result type adapters return on failure.
type SendError struct {
	Kind Kind
	Err  error
}

func (e *SendError) Error() string { return fmt.Sprintf("%s send error: %v", e.Kind, e.Err) }

func (e *SendError) Unwrap() error { return e.Err }

// TransientError wraps err as retryable.
func TransientError(err error) error { return &SendError{Kind: Transient, Err: err} }

// PermanentError wraps err as not retryable.
func PermanentError(err error) error { return &SendError{Kind: Permanent, Err: err} }

// Classify returns the kind of err. Unclassified errors, timeouts included,
// are transient.
func Classify(err error) Kind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, ErrChannelDisabled) || errors.Is(err, ErrNoContact) || errors.Is(err, ErrUnknownChannel) {
		return Permanent
	}
	return Transient
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == Permanent
}
