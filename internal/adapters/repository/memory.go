package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/okian/statuswatch/internal/domain/model"
	"github.com/okian/statuswatch/pkg/logger"
	"github.com/okian/statuswatch/pkg/metrics"
)

// outboxEntry is one committed event awaiting acknowledgement.
type outboxEntry struct {
	seq   uint64
	event model.ChangeEvent
}

// MemoryStore is an in-process Store. State is lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]model.StatusSnapshot
	outbox    map[string]*outboxEntry
	seq       uint64
	closed    bool

	opts storeOptions

	wg       sync.WaitGroup
	stopChan chan struct{}
}

// NewMemoryStore constructs an in-memory store and starts its metrics updater.
func NewMemoryStore(ctx context.Context, opts ...Option) *MemoryStore {
	o := defaultStoreOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.Get().Named("snapshot-store")
	}

	s := &MemoryStore{
		snapshots: make(map[string]model.StatusSnapshot),
		outbox:    make(map[string]*outboxEntry),
		opts:      o,
		stopChan:  make(chan struct{}),
	}
	s.startMetricsUpdater(ctx)
	return s
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, entityID string) (model.StatusSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return model.StatusSnapshot{}, ErrClosed
	}
	snap, ok := s.snapshots[entityID]
	if !ok {
		return model.StatusSnapshot{}, fmt.Errorf("%w: %s", ErrNotFound, entityID)
	}
	return snap, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]model.StatusSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]model.StatusSnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity.ID < out[j].Entity.ID })
	return out, nil
}

// Commit implements Store.
func (s *MemoryStore) Commit(_ context.Context, expectedRevision int64, next model.StatusSnapshot, ev *model.ChangeEvent) error {
	if next.Revision != expectedRevision+1 {
		return fmt.Errorf("%w: expected %d, next %d", ErrInvalidRevision, expectedRevision, next.Revision)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	current, ok := s.snapshots[next.Entity.ID]
	switch {
	case !ok && expectedRevision != 0:
		return fmt.Errorf("%w: %s has no snapshot, expected revision %d", ErrSnapshotConflict, next.Entity.ID, expectedRevision)
	case ok && current.Revision != expectedRevision:
		return fmt.Errorf("%w: %s at revision %d, expected %d", ErrSnapshotConflict, next.Entity.ID, current.Revision, expectedRevision)
	}

	s.snapshots[next.Entity.ID] = next
	if ev != nil {
		if _, dup := s.outbox[ev.ID]; !dup {
			s.seq++
			s.outbox[ev.ID] = &outboxEntry{seq: s.seq, event: *ev}
		}
	}
	return nil
}

// Pending implements Store.
func (s *MemoryStore) Pending(_ context.Context) ([]model.ChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	entries := make([]*outboxEntry, 0, len(s.outbox))
	for _, e := range s.outbox {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]model.ChangeEvent, len(entries))
	for i, e := range entries {
		out[i] = e.event
	}
	return out, nil
}

// Ack implements Store. Acknowledged entries are dropped.
func (s *MemoryStore) Ack(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.outbox[eventID]; !ok {
		return fmt.Errorf("%w: outbox event %s", ErrNotFound, eventID)
	}
	delete(s.outbox, eventID)
	return nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

// Close stops the metrics updater.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopChan)
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// startMetricsUpdater periodically publishes snapshot and outbox gauges.
func (s *MemoryStore) startMetricsUpdater(ctx context.Context) {
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
				s.updateMetrics()
			}
		}
	}()
}

func (s *MemoryStore) updateMetrics() {
	s.mu.RLock()
	count := len(s.snapshots)
	pending := len(s.outbox)
	s.mu.RUnlock()

	metrics.UpdateTrackedEntities(count)
	metrics.UpdateOutboxPending(pending)
}
