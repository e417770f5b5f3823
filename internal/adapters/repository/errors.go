package repository

import "errors"

// Sentinel kinds for snapshot store errors.
var (
	ErrNotFound         = errors.New("snapshot not found")
	ErrSnapshotConflict = errors.New("snapshot revision conflict")
	ErrInvalidRevision  = errors.New("next revision must follow expected revision")
	ErrStoreUnavailable = errors.New("snapshot store unavailable")
	ErrClosed           = errors.New("snapshot store closed")
)
