// Package repository holds the snapshot store: the last observed status per
// entity plus an outbox of committed change events.
package repository

import (
	"context"

	"github.com/okian/statuswatch/internal/domain/model"
)

// Store provides read/write access to snapshots.
//
// Writes are compare-and-set on the revision: a commit succeeds only if the
// stored revision still equals expectedRevision (0 meaning "no snapshot").
// The snapshot and its change event are persisted together.
type Store interface {
	// Get returns the snapshot for entityID, or ErrNotFound.
	Get(ctx context.Context, entityID string) (model.StatusSnapshot, error)

	// List returns every snapshot ordered by entity id.
	List(ctx context.Context) ([]model.StatusSnapshot, error)

	// Commit stores next if the current revision equals expectedRevision.
	// next.Revision must be expectedRevision+1. ev, when non-nil, is appended
	// to the outbox in the same step. Returns ErrSnapshotConflict on a lost race.
	Commit(ctx context.Context, expectedRevision int64, next model.StatusSnapshot, ev *model.ChangeEvent) error

	// Pending returns outbox events not yet acknowledged, oldest first.
	Pending(ctx context.Context) ([]model.ChangeEvent, error)

	// Ack marks an outbox event as handed off to dispatch.
	Ack(ctx context.Context, eventID string) error

	// Count returns the number of entities with a snapshot.
	Count(ctx context.Context) int

	Close() error
}
