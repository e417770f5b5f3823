package differ

import "errors"

var (
	// ErrInvalidPolicy is returned for an unknown new-entity policy name.
	ErrInvalidPolicy = errors.New("invalid new-entity policy")

	// ErrConflictRetriesExhausted means an entity kept losing the revision race.
	ErrConflictRetriesExhausted = errors.New("snapshot conflict retries exhausted")
)
