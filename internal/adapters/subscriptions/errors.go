package subscriptions

import "errors"

// Sentinel errors for subscription sources.
var (
	ErrInvalidSubscription = errors.New("invalid subscription")
	ErrSourceClosed        = errors.New("subscription source closed")
)
