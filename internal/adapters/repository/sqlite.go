package repository

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/okian/statuswatch/internal/domain/model"
	"github.com/okian/statuswatch/pkg/logger"
	"github.com/okian/statuswatch/pkg/metrics"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const (
	dedupPruneEvery   = 500
	dedupPruneTimeout = 50 * time.Millisecond
)

// SQLiteStore is a durable Store backed by a single SQLite file. It also
// persists dedup keys so delivery idempotency survives restarts.
type SQLiteStore struct {
	db   *sql.DB
	opts storeOptions
	log  logger.Logger

	opCount atomic.Uint64

	closeOnce sync.Once
	wg        sync.WaitGroup
	stopChan  chan struct{}
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrStoreUnavailable)
	}
	o := defaultStoreOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.Get().Named("snapshot-store")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	// SQLite prefers a single writer; revision checks run inside one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", o.busyTimeout.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	s := &SQLiteStore{db: db, opts: o, log: o.logger, stopChan: make(chan struct{})}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", ErrStoreUnavailable, err)
	}
	s.startMetricsUpdater(ctx)
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, entityID string) (model.StatusSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_id, name, team, position, rank, tier, status, note, observed_at, revision
		 FROM snapshots WHERE entity_id = ?`, entityID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StatusSnapshot{}, fmt.Errorf("%w: %s", ErrNotFound, entityID)
	}
	if err != nil {
		return model.StatusSnapshot{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return snap, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]model.StatusSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, name, team, position, rank, tier, status, note, observed_at, revision
		 FROM snapshots ORDER BY entity_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []model.StatusSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(r rowScanner) (model.StatusSnapshot, error) {
	var (
		snap       model.StatusSnapshot
		tier       string
		status     string
		observedMs int64
	)
	err := r.Scan(&snap.Entity.ID, &snap.Entity.Name, &snap.Entity.Team, &snap.Entity.Position,
		&snap.Entity.Rank, &tier, &status, &snap.Note, &observedMs, &snap.Revision)
	if err != nil {
		return model.StatusSnapshot{}, err
	}
	snap.Entity.Tier, _ = model.ParseTier(tier)
	snap.Status = model.Status(status)
	snap.ObservedAt = time.UnixMilli(observedMs).UTC()
	return snap, nil
}

// Commit implements Store.
func (s *SQLiteStore) Commit(ctx context.Context, expectedRevision int64, next model.StatusSnapshot, ev *model.ChangeEvent) error {
	if next.Revision != expectedRevision+1 {
		return fmt.Errorf("%w: expected %d, next %d", ErrInvalidRevision, expectedRevision, next.Revision)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	e := next.Entity
	var res sql.Result
	if expectedRevision == 0 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO snapshots(entity_id, name, team, position, rank, tier, status, note, observed_at, revision)
			 VALUES(?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(entity_id) DO NOTHING`,
			e.ID, e.Name, e.Team, e.Position, e.Rank, e.Tier.String(), string(next.Status), next.Note,
			next.ObservedAt.UnixMilli(), next.Revision)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE snapshots SET name=?, team=?, position=?, rank=?, tier=?, status=?, note=?, observed_at=?, revision=?
			 WHERE entity_id=? AND revision=?`,
			e.Name, e.Team, e.Position, e.Rank, e.Tier.String(), string(next.Status), next.Note,
			next.ObservedAt.UnixMilli(), next.Revision, e.ID, expectedRevision)
	}
	if err != nil {
		return fmt.Errorf("%w: write snapshot: %v", ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", ErrStoreUnavailable, err)
	}
	if n != 1 {
		return fmt.Errorf("%w: %s expected revision %d", ErrSnapshotConflict, e.ID, expectedRevision)
	}

	if ev != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode change event: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO outbox(event_id, entity_id, payload, created_at) VALUES(?,?,?,?)
			 ON CONFLICT(event_id) DO NOTHING`,
			ev.ID, e.ID, string(payload), time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("%w: write outbox: %v", ErrStoreUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Pending implements Store.
func (s *SQLiteStore) Pending(ctx context.Context) ([]model.ChangeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM outbox WHERE acked_at IS NULL ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []model.ChangeEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		var ev model.ChangeEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			s.log.Error(ctx, "skipping undecodable outbox entry", logger.Error(err))
			continue
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}

// Ack implements Store.
func (s *SQLiteStore) Ack(ctx context.Context, eventID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE outbox SET acked_at = ? WHERE event_id = ? AND acked_at IS NULL`,
		time.Now().UnixMilli(), eventID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: outbox event %s", ErrNotFound, eventID)
	}
	return nil
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context) int {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// PutDedup implements dedupe.Ledger.
func (s *SQLiteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%dedupPruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), dedupPruneTimeout)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

// GetDedup implements dedupe.Ledger.
func (s *SQLiteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// DeleteDedup implements dedupe.Ledger.
func (s *SQLiteStore) DeleteDedup(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE key = ?`, key)
	return err
}

func (s *SQLiteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

// pruneAcked deletes outbox rows acknowledged longer ago than the retention.
func (s *SQLiteStore) pruneAcked(ctx context.Context) {
	cutoff := time.Now().Add(-s.opts.ackedRetention).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE acked_at IS NOT NULL AND acked_at < ?`, cutoff)
	if err != nil {
		s.log.Warn(ctx, "outbox prune failed", logger.Error(err))
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug(ctx, "pruned acknowledged outbox rows", logger.Int64("rows", n))
	}
}

// Close stops background work and closes the database.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteStore) startMetricsUpdater(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.metricsUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.pruneAcked(ctx)
				s.updateMetrics(ctx)
			}
		}
	}()
}

func (s *SQLiteStore) updateMetrics(ctx context.Context) {
	metrics.UpdateTrackedEntities(s.Count(ctx))
	var pending int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE acked_at IS NULL`).Scan(&pending); err == nil {
		metrics.UpdateOutboxPending(pending)
	}
}
