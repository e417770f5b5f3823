package provider

import "errors"

// Sentinel kinds for provider errors.
var (
	// ErrProviderUnavailable covers transport failures, timeouts and 5xx/429 responses.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderMalformed means the response could not be decoded as a roster.
	ErrProviderMalformed = errors.New("provider response malformed")
)
