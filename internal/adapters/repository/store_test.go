package repository_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/statuswatch/internal/adapters/repository"
	"github.com/okian/statuswatch/internal/domain/model"
	"github.com/okian/statuswatch/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

type storeFactory func(t *testing.T) repository.Store

func memoryFactory(t *testing.T) repository.Store {
	s := repository.NewMemoryStore(context.Background())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sqliteFactory(t *testing.T) repository.Store {
	s, err := repository.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state", "statuswatch.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func snapshot(id string, status model.Status, note string, rev int64) model.StatusSnapshot {
	return model.StatusSnapshot{
		Entity:     model.TrackedEntity{ID: id, Name: "Player " + id, Team: "LAL", Rank: 5, Tier: model.TierTop},
		Status:     status,
		Note:       note,
		ObservedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Revision:   rev,
	}
}

func event(snap model.StatusSnapshot, prev model.Status, class model.ChangeClass) *model.ChangeEvent {
	return &model.ChangeEvent{
		ID:         model.EventID(snap.Entity.ID, snap.Revision, snap.Status, snap.Note),
		Entity:     snap.Entity,
		PrevStatus: prev,
		NewStatus:  snap.Status,
		NewNote:    snap.Note,
		Class:      class,
		Revision:   snap.Revision,
		DetectedAt: snap.ObservedAt,
	}
}

func TestStores(t *testing.T) {
	for name, factory := range map[string]storeFactory{"memory": memoryFactory, "sqlite": sqliteFactory} {
		runStoreContract(t, name, factory)
	}
}

func runStoreContract(t *testing.T, name string, factory storeFactory) {
	ctx := context.Background()

	Convey("Given an empty "+name+" store", t, func() {
		s := factory(t)

		Convey("When reading an unknown entity", func() {
			_, err := s.Get(ctx, "nobody")

			Convey("Then it reports not found", func() {
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
				So(s.Count(ctx), ShouldEqual, 0)
			})
		})

		Convey("When the first snapshot is committed with an event", func() {
			first := snapshot("7", model.StatusQuestionable, "ankle", 1)
			ev1 := event(first, "", model.ClassNewEntity)
			So(s.Commit(ctx, 0, first, ev1), ShouldBeNil)

			Convey("Then it can be read back with all fields", func() {
				got, err := s.Get(ctx, "7")
				So(err, ShouldBeNil)
				So(got.Status, ShouldEqual, model.StatusQuestionable)
				So(got.Note, ShouldEqual, "ankle")
				So(got.Revision, ShouldEqual, 1)
				So(got.Entity.Tier, ShouldEqual, model.TierTop)
				So(got.Entity.Team, ShouldEqual, "LAL")
				So(got.ObservedAt.Equal(first.ObservedAt), ShouldBeTrue)
			})

			Convey("Then the event is pending in the outbox", func() {
				pending, err := s.Pending(ctx)
				So(err, ShouldBeNil)
				So(pending, ShouldHaveLength, 1)
				So(pending[0].ID, ShouldEqual, ev1.ID)
				So(pending[0].Entity.Tier, ShouldEqual, model.TierTop)
			})

			Convey("And a second commit follows with the right revision", func() {
				second := snapshot("7", model.StatusOut, "ankle", 2)
				ev2 := event(second, model.StatusQuestionable, model.ClassDowngrade)
				So(s.Commit(ctx, 1, second, ev2), ShouldBeNil)

				Convey("Then the revision advances and events stay ordered", func() {
					got, _ := s.Get(ctx, "7")
					So(got.Revision, ShouldEqual, 2)
					So(got.Status, ShouldEqual, model.StatusOut)
					pending, _ := s.Pending(ctx)
					So(pending, ShouldHaveLength, 2)
					So(pending[0].ID, ShouldEqual, ev1.ID)
					So(pending[1].ID, ShouldEqual, ev2.ID)
				})

				Convey("Then acknowledging removes events from pending", func() {
					So(s.Ack(ctx, ev1.ID), ShouldBeNil)
					pending, _ := s.Pending(ctx)
					So(pending, ShouldHaveLength, 1)
					So(pending[0].ID, ShouldEqual, ev2.ID)
					So(errors.Is(s.Ack(ctx, ev1.ID), repository.ErrNotFound), ShouldBeTrue)
				})
			})

			Convey("And a stale writer commits against the old revision", func() {
				So(s.Commit(ctx, 1, snapshot("7", model.StatusOut, "", 2), nil), ShouldBeNil)
				err := s.Commit(ctx, 1, snapshot("7", model.StatusActive, "", 2), nil)

				Convey("Then it loses with a conflict and nothing is overwritten", func() {
					So(errors.Is(err, repository.ErrSnapshotConflict), ShouldBeTrue)
					got, _ := s.Get(ctx, "7")
					So(got.Status, ShouldEqual, model.StatusOut)
				})
			})

			Convey("And someone tries to create it again", func() {
				err := s.Commit(ctx, 0, snapshot("7", model.StatusActive, "", 1), nil)

				Convey("Then it conflicts", func() {
					So(errors.Is(err, repository.ErrSnapshotConflict), ShouldBeTrue)
				})
			})
		})

		Convey("When a commit skips a revision", func() {
			err := s.Commit(ctx, 0, snapshot("9", model.StatusOut, "", 5), nil)

			Convey("Then it is rejected", func() {
				So(errors.Is(err, repository.ErrInvalidRevision), ShouldBeTrue)
			})
		})

		Convey("When many writers race on one entity", func() {
			So(s.Commit(ctx, 0, snapshot("r", model.StatusActive, "", 1), nil), ShouldBeNil)
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := s.Commit(ctx, 1, snapshot("r", model.StatusOut, "", 2), nil); err == nil {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()

			Convey("Then exactly one commit wins", func() {
				So(wins.Load(), ShouldEqual, 1)
			})
		})

		Convey("When listing several entities", func() {
			So(s.Commit(ctx, 0, snapshot("b", model.StatusActive, "", 1), nil), ShouldBeNil)
			So(s.Commit(ctx, 0, snapshot("a", model.StatusOut, "", 1), nil), ShouldBeNil)

			Convey("Then they come back ordered by id", func() {
				list, err := s.List(ctx)
				So(err, ShouldBeNil)
				So(list, ShouldHaveLength, 2)
				So(list[0].Entity.ID, ShouldEqual, "a")
				So(s.Count(ctx), ShouldEqual, 2)
			})
		})
	})
}

func TestSQLitePersistence(t *testing.T) {
	ctx := context.Background()

	Convey("Given a sqlite store on disk", t, func() {
		path := filepath.Join(t.TempDir(), "persist.db")
		s, err := repository.OpenSQLite(ctx, path)
		So(err, ShouldBeNil)

		snap := snapshot("7", model.StatusOut, "knee", 1)
		ev := event(snap, "", model.ClassNewEntity)
		So(s.Commit(ctx, 0, snap, ev), ShouldBeNil)
		So(s.PutDedup(ctx, "u1|"+ev.ID+"|email", time.Now().Add(time.Hour)), ShouldBeNil)
		So(s.Close(), ShouldBeNil)

		Convey("When it is reopened", func() {
			reopened, err := repository.OpenSQLite(ctx, path)
			So(err, ShouldBeNil)
			defer reopened.Close()

			Convey("Then snapshots, unacked events and dedup keys survive", func() {
				got, err := reopened.Get(ctx, "7")
				So(err, ShouldBeNil)
				So(got.Note, ShouldEqual, "knee")

				pending, err := reopened.Pending(ctx)
				So(err, ShouldBeNil)
				So(pending, ShouldHaveLength, 1)
				So(pending[0].Class, ShouldEqual, model.ClassNewEntity)

				_, ok, err := reopened.GetDedup(ctx, "u1|"+ev.ID+"|email")
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)

				So(reopened.DeleteDedup(ctx, "u1|"+ev.ID+"|email"), ShouldBeNil)
				_, ok, _ = reopened.GetDedup(ctx, "u1|"+ev.ID+"|email")
				So(ok, ShouldBeFalse)
			})
		})
	})

	Convey("Given a sqlite store with a short acked retention", t, func() {
		path := filepath.Join(t.TempDir(), "prune.db")
		s, err := repository.OpenSQLite(ctx, path,
			repository.WithAckedRetention(time.Millisecond),
			repository.WithMetricsUpdateInterval(20*time.Millisecond),
		)
		So(err, ShouldBeNil)

		first := snapshot("7", model.StatusOut, "knee", 1)
		acked := event(first, "", model.ClassNewEntity)
		So(s.Commit(ctx, 0, first, acked), ShouldBeNil)
		second := snapshot("8", model.StatusDoubtful, "ankle", 1)
		unacked := event(second, "", model.ClassNewEntity)
		So(s.Commit(ctx, 0, second, unacked), ShouldBeNil)
		So(s.Ack(ctx, acked.ID), ShouldBeNil)

		Convey("When the background sweep runs", func() {
			time.Sleep(200 * time.Millisecond)
			So(s.Close(), ShouldBeNil)

			Convey("Then acknowledged rows are deleted and pending ones kept", func() {
				db, err := sql.Open("sqlite", path)
				So(err, ShouldBeNil)
				defer db.Close()

				var rows int
				So(db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&rows), ShouldBeNil)
				So(rows, ShouldEqual, 1)
				var id string
				So(db.QueryRowContext(ctx, `SELECT event_id FROM outbox`).Scan(&id), ShouldBeNil)
				So(id, ShouldEqual, unacked.ID)
			})
		})
	})

	Convey("Given an empty path", t, func() {
		_, err := repository.OpenSQLite(ctx, " ")
		So(errors.Is(err, repository.ErrStoreUnavailable), ShouldBeTrue)
	})
}
