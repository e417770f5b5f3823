// Package dedupe defines the interface for idempotency tracking.
package dedupe

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/okian/statuswatch/pkg/logger"
)

// Deduper records seen delivery keys to ensure at-most-once delivery.
type Deduper interface {
	// SeenAndRecord atomically checks if id was seen and records it if not.
	// Returns true if id was already seen, false if it was newly recorded.
	SeenAndRecord(ctx context.Context, id string) bool

	// Unrecord removes an ID so a delivery aborted before completion can run again.
	Unrecord(ctx context.Context, id string)

	Size() int64
}

// Ledger persists dedup keys across restarts.
type Ledger interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
	DeleteDedup(ctx context.Context, key string) error
}

const (
	defaultRetention = 72 * time.Hour
	defaultMaxSize   = 500_000
	cleanupDivisor   = 4
)

// stamp is one recorded key and the expiry it was recorded with.
type stamp struct {
	key string
	exp int64
}

// windowDeduper keeps keys for a retention window in a TTL cache, optionally
// backed by a persistent ledger.
type windowDeduper struct {
	cache     *cache.Cache
	retention time.Duration
	maxSize   int
	ledger    Ledger
	logger    logger.Logger

	mu sync.Mutex
	// Retention is fixed, so recording order is expiry order. Entries for
	// keys that were unrecorded or re-recorded are skipped when popped.
	order []stamp
}

// NewWindow creates a retention-bounded deduper.
func NewWindow(opts ...Option) Deduper {
	d := &windowDeduper{
		retention: defaultRetention,
		maxSize:   defaultMaxSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logger.Get().Named("dedupe")
	}
	d.cache = cache.New(d.retention, d.retention/cleanupDivisor)
	return d
}

// SeenAndRecord atomically checks and records id.
func (d *windowDeduper) SeenAndRecord(ctx context.Context, id string) bool {
	if d.remember(id) {
		return true
	}

	if d.ledger == nil {
		return false
	}

	until, ok, err := d.ledger.GetDedup(ctx, id)
	if err != nil {
		d.logger.Warn(ctx, "dedup ledger read failed; trusting memory", logger.String("key", id), logger.Error(err))
		return false
	}
	if ok && until.After(time.Now()) {
		return true
	}
	if err := d.ledger.PutDedup(ctx, id, time.Now().Add(d.retention)); err != nil {
		d.logger.Warn(ctx, "dedup ledger write failed", logger.String("key", id), logger.Error(err))
	}
	return false
}

// Unrecord removes id from memory and the ledger.
func (d *windowDeduper) Unrecord(ctx context.Context, id string) {
	d.cache.Delete(id)
	if d.ledger != nil {
		if err := d.ledger.DeleteDedup(ctx, id); err != nil {
			d.logger.Warn(ctx, "dedup ledger delete failed", logger.String("key", id), logger.Error(err))
		}
	}
}

// Size returns the number of live keys held in memory.
func (d *windowDeduper) Size() int64 {
	return int64(d.cache.ItemCount())
}

// remember records id in memory. It reports true when a live entry exists.
func (d *windowDeduper) remember(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now().UnixNano()
	for len(d.order) > 0 && d.order[0].exp <= now {
		d.dropLocked(d.order[0])
		d.order = d.order[1:]
	}
	if _, ok := d.cache.Get(id); ok {
		return true
	}
	for d.maxSize > 0 && d.cache.ItemCount() >= d.maxSize && len(d.order) > 0 {
		d.dropLocked(d.order[0])
		d.order = d.order[1:]
	}

	exp := now + d.retention.Nanoseconds()
	// Add fails when a live entry exists, which makes the check-and-set atomic.
	if err := d.cache.Add(id, exp, d.retention); err != nil {
		return true
	}
	d.order = append(d.order, stamp{key: id, exp: exp})
	return false
}

// dropLocked deletes s.key unless it was recorded again after s.
func (d *windowDeduper) dropLocked(s stamp) {
	if v, ok := d.cache.Get(s.key); ok {
		if exp, _ := v.(int64); exp != s.exp {
			return
		}
	}
	d.cache.Delete(s.key)
}
