// Package differ turns fetched observations into committed snapshots and
// change events.
package differ

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/statuswatch/internal/adapters/repository"
	"github.com/okian/statuswatch/internal/domain/model"
	"github.com/okian/statuswatch/pkg/logger"
	"github.com/okian/statuswatch/pkg/metrics"
)

const (
	defaultConcurrency        = 8
	defaultMaxConflictRetries = 3
)

// Result summarizes one diff pass.
type Result struct {
	Events    []model.ChangeEvent `json:"events"`
	Unchanged int                 `json:"unchanged"`
	Updated   int                 `json:"updated"`
	Conflicts int                 `json:"conflicts"`
	Skipped   int                 `json:"skipped"`
	Stale     int                 `json:"stale"`
}

// Differ compares observations against the snapshot store.
type Differ struct {
	store              repository.Store
	policy             NewEntityPolicy
	concurrency        int
	maxConflictRetries int
	now                func() time.Time
	logger             logger.Logger
}

// New creates a Differ over store.
func New(store repository.Store, opts ...Option) *Differ {
	d := &Differ{
		store:              store,
		policy:             NewEntityInjuredOnly,
		concurrency:        defaultConcurrency,
		maxConflictRetries: defaultMaxConflictRetries,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logger.Get().Named("differ")
	}
	return d
}

// Policy returns the active new-entity policy.
func (d *Differ) Policy() NewEntityPolicy {
	return d.policy
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeUpdated
	outcomeEmitted
	outcomeStale
)

// Run diffs every observation and commits changes. Entities absent from obs
// are left untouched, and so are entities whose observation predates the
// stored snapshot. Events come back ordered by entity id. Only a store
// that is closed or unavailable aborts the pass; an entity that keeps losing
// the revision race is skipped and retried on the next cycle.
func (d *Differ) Run(ctx context.Context, obs []model.Observation) (*Result, error) {
	start := time.Now()
	defer func() {
		metrics.RecordDiffDuration(float64(time.Since(start).Milliseconds()))
	}()

	// one event per entity per pass, last observation wins
	latest := make(map[string]model.Observation, len(obs))
	for _, o := range obs {
		latest[o.Entity.ID] = o
	}

	var (
		mu  sync.Mutex
		res = &Result{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	for _, o := range latest {
		g.Go(func() error {
			ev, out, conflicts, err := d.diffOne(gctx, o)

			mu.Lock()
			defer mu.Unlock()
			res.Conflicts += conflicts
			switch {
			case err != nil && isFatal(err):
				return err
			case err != nil:
				res.Skipped++
				d.logger.Warn(gctx, "skipping entity this cycle",
					logger.String("entity_id", o.Entity.ID),
					logger.Error(err),
				)
			case out == outcomeStale:
				res.Stale++
				metrics.RecordStaleObservation()
				d.logger.Debug(gctx, "ignoring observation older than the stored snapshot",
					logger.String("entity_id", o.Entity.ID),
					logger.Time("observed_at", o.ObservedAt),
				)
			case out == outcomeEmitted:
				res.Events = append(res.Events, *ev)
			case out == outcomeUpdated:
				res.Updated++
			default:
				res.Unchanged++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(res.Events, func(i, j int) bool {
		return res.Events[i].Entity.ID < res.Events[j].Entity.ID
	})
	for _, ev := range res.Events {
		metrics.RecordChangeEvent(string(ev.Class))
	}
	return res, nil
}

// diffOne classifies and commits a single entity, re-reading on conflict.
func (d *Differ) diffOne(ctx context.Context, o model.Observation) (*model.ChangeEvent, outcome, int, error) {
	id := o.Entity.ID
	conflicts := 0

	for conflicts < d.maxConflictRetries {
		if err := ctx.Err(); err != nil {
			return nil, outcomeUnchanged, conflicts, err
		}

		var prev *model.StatusSnapshot
		stored, err := d.store.Get(ctx, id)
		switch {
		case err == nil:
			prev = &stored
		case errors.Is(err, repository.ErrNotFound):
		default:
			return nil, outcomeUnchanged, conflicts, fmt.Errorf("read snapshot %s: %w", id, err)
		}

		if prev != nil && o.ObservedAt.Before(prev.ObservedAt) {
			return nil, outcomeStale, conflicts, nil
		}
		if !needsCommit(prev, o) {
			return nil, outcomeUnchanged, conflicts, nil
		}

		var expected int64
		if prev != nil {
			expected = prev.Revision
		}
		next := model.StatusSnapshot{
			Entity:     o.Entity,
			Status:     o.Status,
			Note:       o.Note,
			ObservedAt: o.ObservedAt,
			Revision:   expected + 1,
		}

		class, emit := Classify(prev, o, d.policy)
		var ev *model.ChangeEvent
		if emit {
			ev = &model.ChangeEvent{
				ID:         model.EventID(id, next.Revision, o.Status, o.Note),
				Entity:     o.Entity,
				NewStatus:  o.Status,
				NewNote:    o.Note,
				Class:      class,
				Revision:   next.Revision,
				DetectedAt: d.now().UTC(),
			}
			if prev != nil {
				ev.PrevStatus = prev.Status
				ev.PrevNote = prev.Note
			}
		}

		err = d.store.Commit(ctx, expected, next, ev)
		switch {
		case err == nil:
			if ev != nil {
				d.logger.Info(ctx, "change detected",
					logger.String("entity_id", id),
					logger.String("class", string(class)),
					logger.String("prev", string(ev.PrevStatus)),
					logger.String("new", string(ev.NewStatus)),
					logger.Int64("revision", next.Revision),
				)
				return ev, outcomeEmitted, conflicts, nil
			}
			return nil, outcomeUpdated, conflicts, nil
		case errors.Is(err, repository.ErrSnapshotConflict):
			conflicts++
			metrics.RecordSnapshotConflict()
			d.logger.Debug(ctx, "snapshot conflict, re-reading", logger.String("entity_id", id), logger.Int("attempt", conflicts))
		default:
			return nil, outcomeUnchanged, conflicts, fmt.Errorf("commit snapshot %s: %w", id, err)
		}
	}
	return nil, outcomeUnchanged, conflicts, fmt.Errorf("%w: %s after %d attempts", ErrConflictRetriesExhausted, id, conflicts)
}

// isFatal reports whether err means the store as a whole is unusable.
func isFatal(err error) bool {
	return errors.Is(err, repository.ErrStoreUnavailable) ||
		errors.Is(err, repository.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
