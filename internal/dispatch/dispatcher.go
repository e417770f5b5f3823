// Package dispatch drives notification intents from acceptance to a terminal
// state: ordering per lane, quiet-hours deferral, deduplication, bounded
// concurrent sends and retries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/statuswatch/internal/adapters/channels"
	"github.com/okian/statuswatch/internal/adapters/mq/queue"
	"github.com/okian/statuswatch/internal/adapters/mq/worker"
	"github.com/okian/statuswatch/internal/domain/dedupe"
	"github.com/okian/statuswatch/internal/domain/model"
	"github.com/okian/statuswatch/internal/domain/retry"
	"github.com/okian/statuswatch/pkg/logger"
	"github.com/okian/statuswatch/pkg/metrics"
)

const (
	defaultWorkers       = 16
	defaultQueueCapacity = 1024
	defaultSendTimeout   = 10 * time.Second
	defaultRequeueDelay  = 50 * time.Millisecond
)

// Sender delivers one intent on its channel. Failures should be
// channels.SendError values; anything else counts as transient.
type Sender interface {
	Send(ctx context.Context, in model.Intent) error
}

// entry is the dispatcher's bookkeeping for one live intent.
type entry struct {
	intent   model.Intent
	timer    *time.Timer
	claimed  bool // a worker owns it
	recorded bool // dedup key written for this intent
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Live     map[model.IntentState]int   `json:"live"`
	Terminal map[model.IntentState]int64 `json:"terminal"`
	Lanes    int                         `json:"lanes"`
	Queued   int                         `json:"queued"`
	Workers  int                         `json:"workers"`
	Busy     int                         `json:"busy"`
}

// Dispatcher owns every non-terminal intent.
type Dispatcher struct {
	sender        Sender
	dedup         dedupe.Deduper
	policy        retry.Policy
	workers       int
	queueCapacity int
	sendTimeout   time.Duration
	requeueDelay  time.Duration
	observers     []func(model.Intent)
	now           func() time.Time
	logger        logger.Logger

	queue *queue.InMemoryQueue
	pool  *worker.Pool

	mu       sync.Mutex
	entries  map[string]*entry
	lanes    map[string][]string // lane key -> intent ids, head first
	held     map[string]string   // lane key -> user, until Resume
	terminal map[model.IntentState]int64
	started  bool
	stopped  bool
}

// New creates a Dispatcher. Call Start before Dispatch.
func New(sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender:        sender,
		policy:        retry.DefaultPolicy(),
		workers:       defaultWorkers,
		queueCapacity: defaultQueueCapacity,
		sendTimeout:   defaultSendTimeout,
		requeueDelay:  defaultRequeueDelay,
		now:           time.Now,
		entries:       make(map[string]*entry),
		lanes:         make(map[string][]string),
		held:          make(map[string]string),
		terminal:      make(map[model.IntentState]int64),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logger.Get().Named("dispatcher")
	}
	if d.dedup == nil {
		d.dedup = dedupe.NewWindow(dedupe.WithLogger(d.logger))
	}
	d.queue = queue.NewInMemoryQueue(queue.WithCapacity(d.queueCapacity))
	d.pool = worker.NewPool(d.workers, d.queue, worker.HandlerFunc(d.handle), worker.WithPoolLogger(d.logger))
	return d
}

// Start launches the worker pool. ctx scopes the workers, not the caller:
// pass a context that outlives shutdown so Shutdown can drain in-flight
// sends and only cut them off once its own deadline passes.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	d.pool.Start(ctx)
}

// Dispatch accepts one (user, event, channel) delivery. A future
// deferredUntil holds the intent until then. Within a lane intents are kept
// in event revision order. The call blocks while the queue is full, until
// ctx ends; an intent that could not be queued is withdrawn and the error
// returned.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, ev model.ChangeEvent, ch model.Channel, deferredUntil time.Time) (*model.Intent, error) {
	if userID == "" || ev.ID == "" || ch == "" {
		return nil, fmt.Errorf("%w: user, event and channel are required", ErrInvalidIntent)
	}

	now := d.now().UTC()
	in := model.Intent{
		ID:        uuid.NewString(),
		UserID:    userID,
		Event:     ev,
		Channel:   ch,
		State:     model.IntentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if deferredUntil.After(now) {
		in.DeferredUntil = deferredUntil.UTC()
	}

	d.mu.Lock()
	if d.stopped || !d.started {
		d.mu.Unlock()
		return nil, ErrStopped
	}
	e := &entry{intent: in}
	d.entries[in.ID] = e
	lane := in.LaneKey()
	_, held := d.held[lane]
	ready := d.insertLocked(lane, e) == 0 && !held && d.activateLocked(e)
	d.publishGaugesLocked()
	d.mu.Unlock()

	d.logger.Debug(ctx, "intent accepted",
		logger.String("intent_id", in.ID),
		logger.String("user_id", userID),
		logger.String("event_id", ev.ID),
		logger.String("channel", string(ch)),
		logger.Bool("deferred", !in.DeferredUntil.IsZero()),
	)

	if ready {
		if err := d.queue.Enqueue(ctx, queue.Job{IntentID: in.ID, LaneKey: lane}); err != nil {
			d.withdraw(in.ID)
			return nil, fmt.Errorf("dispatch %s: %w", in.ID, err)
		}
	}
	return &in, nil
}

// insertLocked places e in its lane by event order and returns its index.
// It never overtakes an intent a worker owns or one already attempted. A
// displaced head goes back to waiting.
func (d *Dispatcher) insertLocked(lane string, e *entry) int {
	ids := d.lanes[lane]
	pos := len(ids)
	for pos > 0 {
		prev := d.entries[ids[pos-1]]
		if prev.claimed || prev.intent.Attempts > 0 || !eventBefore(e.intent.Event, prev.intent.Event) {
			break
		}
		pos--
	}
	if pos == 0 && len(ids) > 0 {
		head := d.entries[ids[0]]
		if head.timer != nil {
			head.timer.Stop()
			head.timer = nil
		}
		head.intent.State = model.IntentPending
	}
	ids = append(ids, "")
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = e.intent.ID
	d.lanes[lane] = ids
	return pos
}

// eventBefore orders two events of the same entity.
func eventBefore(a, b model.ChangeEvent) bool {
	if a.Revision != b.Revision {
		return a.Revision < b.Revision
	}
	return a.DetectedAt.Before(b.DetectedAt)
}

func (d *Dispatcher) isHeadLocked(e *entry) bool {
	ids := d.lanes[e.intent.LaneKey()]
	return len(ids) > 0 && ids[0] == e.intent.ID
}

// activateLocked prepares a new lane head. It returns true when the head is
// ready to be queued now; a deferred head gets a release timer instead.
func (d *Dispatcher) activateLocked(e *entry) bool {
	wait := e.intent.DeferredUntil.Sub(d.now())
	if !e.intent.DeferredUntil.IsZero() && wait > 0 {
		e.intent.State = model.IntentScheduled
		e.intent.UpdatedAt = d.now().UTC()
		id := e.intent.ID
		e.timer = time.AfterFunc(wait, func() { d.release(id) })
		return false
	}
	e.intent.State = model.IntentPending
	return true
}

// release moves a scheduled intent back to pending at its due time.
func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	e, ok := d.entries[id]
	if d.stopped || !ok || e.intent.State != model.IntentScheduled {
		d.mu.Unlock()
		return
	}
	e.timer = nil
	e.intent.State = model.IntentPending
	e.intent.UpdatedAt = d.now().UTC()
	d.publishGaugesLocked()
	d.mu.Unlock()

	d.enqueueAsync(id)
}

// enqueueAsync queues id without blocking; a full queue schedules another try.
func (d *Dispatcher) enqueueAsync(id string) {
	d.mu.Lock()
	e, ok := d.entries[id]
	if d.stopped || !ok || e.claimed || e.intent.State != model.IntentPending || !d.isHeadLocked(e) {
		d.mu.Unlock()
		return
	}
	lane := e.intent.LaneKey()
	d.mu.Unlock()

	err := d.queue.TryEnqueue(queue.Job{IntentID: id, LaneKey: lane})
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrQueueFull):
		d.mu.Lock()
		if e, ok := d.entries[id]; ok && !d.stopped {
			e.timer = time.AfterFunc(d.requeueDelay, func() { d.enqueueAsync(id) })
		}
		d.mu.Unlock()
	default:
		d.logger.Debug(context.Background(), "intent not queued", logger.String("intent_id", id), logger.Error(err))
	}
}

// withdraw drops an intent that was never queued.
func (d *Dispatcher) withdraw(id string) {
	d.mu.Lock()
	e, ok := d.entries[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	next := d.removeLocked(e)
	d.publishGaugesLocked()
	d.mu.Unlock()

	if next != "" {
		d.enqueueAsync(next)
	}
}

// handle is the worker entry point for one queued intent.
func (d *Dispatcher) handle(ctx context.Context, j queue.Job) {
	d.mu.Lock()
	e, ok := d.entries[j.IntentID]
	if !ok || e.claimed || e.intent.State != model.IntentPending || !d.isHeadLocked(e) {
		d.mu.Unlock()
		return
	}
	e.claimed = true
	firstTry := !e.recorded
	key := e.intent.DedupKey()
	ch := e.intent.Channel
	d.mu.Unlock()

	if firstTry {
		if d.dedup.SeenAndRecord(ctx, key) {
			metrics.RecordDuplicateSuppressed(string(ch))
			d.finish(ctx, j.IntentID, model.IntentSuppressed, nil)
			return
		}
		d.mu.Lock()
		e.recorded = true
		d.mu.Unlock()
	}

	d.mu.Lock()
	e.intent.State = model.IntentSending
	e.intent.Attempts++
	e.intent.UpdatedAt = d.now().UTC()
	in := e.intent
	d.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	start := time.Now()
	err := d.sender.Send(sendCtx, in)
	cancel()
	metrics.RecordSendLatency(string(ch), float64(time.Since(start).Milliseconds()))

	switch {
	case err == nil:
		metrics.RecordSendAttempt(string(ch), "ok")
		d.finish(ctx, in.ID, model.IntentDelivered, nil)

	case ctx.Err() != nil:
		// shutdown cut the send short; the outbox replay delivers it later
		metrics.RecordSendAttempt(string(ch), "interrupted")
		d.dedup.Unrecord(context.WithoutCancel(ctx), key)
		d.abandon(ctx, in.ID, err)

	case channels.IsPermanent(err):
		metrics.RecordSendAttempt(string(ch), "permanent")
		d.finish(ctx, in.ID, model.IntentFailed, err)

	case d.policy.CanRetry(in.Attempts):
		metrics.RecordSendAttempt(string(ch), "transient")
		d.retryLater(ctx, in.ID, err)

	default:
		metrics.RecordSendAttempt(string(ch), "transient")
		d.finish(ctx, in.ID, model.IntentFailed, fmt.Errorf("gave up after %d attempts: %w", in.Attempts, err))
	}
}

// retryLater returns a transiently failed intent to pending behind a backoff
// timer. Its lane stays blocked meanwhile.
func (d *Dispatcher) retryLater(ctx context.Context, id string, cause error) {
	d.mu.Lock()
	e, ok := d.entries[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	wait := d.policy.Delay(e.intent.Attempts)
	e.claimed = false
	e.intent.State = model.IntentPending
	e.intent.LastError = cause.Error()
	e.intent.UpdatedAt = d.now().UTC()
	if !d.stopped {
		e.timer = time.AfterFunc(wait, func() { d.enqueueAsync(id) })
	}
	attempts := e.intent.Attempts
	d.mu.Unlock()

	d.logger.Warn(ctx, "transient send failure, will retry",
		logger.String("intent_id", id),
		logger.Int("attempt", attempts),
		logger.Duration("wait", wait),
		logger.Error(cause),
	)
}

// abandon forgets an intent whose send was cut off by shutdown. It reaches
// no terminal state, so observers never count it as settled.
func (d *Dispatcher) abandon(ctx context.Context, id string, cause error) {
	d.mu.Lock()
	e, ok := d.entries[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	in := e.intent
	d.removeLocked(e)
	d.publishGaugesLocked()
	d.mu.Unlock()

	d.logger.Warn(ctx, "send interrupted by shutdown",
		logger.String("intent_id", in.ID),
		logger.String("event_id", in.Event.ID),
		logger.String("channel", string(in.Channel)),
		logger.Error(cause),
	)
}

// finish moves an intent to a terminal state and promotes its lane's next head.
func (d *Dispatcher) finish(ctx context.Context, id string, state model.IntentState, cause error) {
	d.mu.Lock()
	e, ok := d.entries[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	e.intent.State = state
	e.intent.UpdatedAt = d.now().UTC()
	if cause != nil {
		e.intent.LastError = cause.Error()
	}
	final := e.intent
	next := d.removeLocked(e)
	d.terminal[state]++
	d.publishGaugesLocked()
	d.mu.Unlock()

	metrics.RecordIntentTerminal(string(final.Channel), string(state))
	fields := []logger.Field{
		logger.String("intent_id", final.ID),
		logger.String("user_id", final.UserID),
		logger.String("event_id", final.Event.ID),
		logger.String("channel", string(final.Channel)),
		logger.String("state", string(state)),
		logger.Int("attempts", final.Attempts),
	}
	if state == model.IntentFailed {
		d.logger.Error(ctx, "notification failed", append(fields, logger.String("last_error", final.LastError))...)
	} else {
		d.logger.Info(ctx, "notification finished", fields...)
	}
	d.notify(final)

	if next != "" {
		d.enqueueAsync(next)
	}
}

// removeLocked drops e from its lane and activates the new head. It returns
// the head's id when that head is ready to be queued.
func (d *Dispatcher) removeLocked(e *entry) string {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	delete(d.entries, e.intent.ID)

	lane := e.intent.LaneKey()
	ids := d.lanes[lane]
	wasHead := len(ids) > 0 && ids[0] == e.intent.ID
	for i, id := range ids {
		if id == e.intent.ID {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(d.lanes, lane)
		return ""
	}
	d.lanes[lane] = ids
	if _, held := d.held[lane]; !wasHead || held || d.stopped {
		return ""
	}
	head := d.entries[ids[0]]
	if head == nil || head.claimed || head.intent.State != model.IntentPending {
		return ""
	}
	if d.activateLocked(head) {
		return head.intent.ID
	}
	return ""
}

// CancelDeferred withdraws every deferred intent of userID that has not
// started sending. The returned intents are in state cancelled so the caller
// can re-resolve their events against fresh preferences. A lane whose head
// was withdrawn stays held, its later intents waiting, until Resume.
func (d *Dispatcher) CancelDeferred(ctx context.Context, userID string) []model.Intent {
	now := d.now()

	d.mu.Lock()
	var cancelled []model.Intent
	for _, e := range d.entries {
		if e.intent.UserID != userID || e.claimed {
			continue
		}
		deferred := e.intent.State == model.IntentScheduled ||
			(e.intent.State == model.IntentPending && e.intent.DeferredUntil.After(now))
		if !deferred {
			continue
		}
		e.intent.State = model.IntentCancelled
		e.intent.UpdatedAt = now.UTC()
		cancelled = append(cancelled, e.intent)
	}
	for _, in := range cancelled {
		e := d.entries[in.ID]
		if d.isHeadLocked(e) {
			d.held[in.LaneKey()] = userID
		}
		d.removeLocked(e)
		d.terminal[model.IntentCancelled]++
	}
	d.publishGaugesLocked()
	d.mu.Unlock()

	sortIntents(cancelled)
	for _, in := range cancelled {
		metrics.RecordIntentTerminal(string(in.Channel), string(model.IntentCancelled))
		d.notify(in)
	}
	if len(cancelled) > 0 {
		d.logger.Info(ctx, "cancelled deferred intents", logger.String("user_id", userID), logger.Int("count", len(cancelled)))
	}
	return cancelled
}

// Resume releases the lanes CancelDeferred held for userID and starts
// their heads.
func (d *Dispatcher) Resume(userID string) {
	d.mu.Lock()
	var ready []string
	for lane, user := range d.held {
		if user != userID {
			continue
		}
		delete(d.held, lane)
		ids := d.lanes[lane]
		if d.stopped || len(ids) == 0 {
			continue
		}
		head := d.entries[ids[0]]
		if head.claimed || head.intent.State != model.IntentPending {
			continue
		}
		if d.activateLocked(head) {
			ready = append(ready, head.intent.ID)
		}
	}
	d.publishGaugesLocked()
	d.mu.Unlock()

	for _, id := range ready {
		d.enqueueAsync(id)
	}
}

func (d *Dispatcher) notify(in model.Intent) {
	for _, fn := range d.observers {
		fn(in)
	}
}

// Stats reports live intents per state and terminal totals.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := Stats{
		Live:     make(map[model.IntentState]int),
		Terminal: make(map[model.IntentState]int64, len(d.terminal)),
		Lanes:    len(d.lanes),
		Queued:   d.queue.Len(context.Background()),
		Workers:  d.pool.Size(),
		Busy:     d.pool.Busy(),
	}
	for _, e := range d.entries {
		st.Live[e.intent.State]++
	}
	for k, v := range d.terminal {
		st.Terminal[k] = v
	}
	return st
}

func (d *Dispatcher) publishGaugesLocked() {
	scheduled := 0
	for _, e := range d.entries {
		if e.intent.State == model.IntentScheduled {
			scheduled++
		}
	}
	metrics.UpdateScheduledIntents(scheduled)
	metrics.UpdateActiveLanes(len(d.lanes))
}

// Shutdown stops timers, closes the queue and lets workers drain what is
// queued and in flight. Sends still running when ctx ends are cut off and
// abandoned. Scheduled and retrying intents are dropped and logged; their
// events remain in the outbox for replay.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	held := 0
	for _, e := range d.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
			held++
		}
	}
	started := d.started
	d.mu.Unlock()

	if held > 0 {
		d.logger.Warn(ctx, "dropping held intents at shutdown", logger.Int("count", held))
	}
	if !started {
		return d.queue.Close()
	}
	return d.pool.Shutdown(ctx)
}
