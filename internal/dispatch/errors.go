package dispatch

import "errors"

// Sentinel kinds for dispatcher errors.
var (
	ErrStopped       = errors.New("dispatcher stopped")
	ErrInvalidIntent = errors.New("invalid intent")
)
