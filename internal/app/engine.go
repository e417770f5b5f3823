// Package service runs the detection and notification pipeline: fetch,
// diff, resolve and dispatch, on a fixed schedule.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/okian/statuswatch/internal/adapters/provider"
	"github.com/okian/statuswatch/internal/adapters/repository"
	"github.com/okian/statuswatch/internal/dispatch"
	"github.com/okian/statuswatch/internal/domain/differ"
	"github.com/okian/statuswatch/internal/domain/health"
	"github.com/okian/statuswatch/internal/domain/model"
	"github.com/okian/statuswatch/internal/domain/resolver"
	"github.com/okian/statuswatch/internal/telemetry"
	"github.com/okian/statuswatch/pkg/logger"
)

const defaultInterval = time.Hour

// Sentinel errors for the engine.
var (
	ErrNotStarted     = errors.New("engine not started")
	ErrMissingDeps    = errors.New("engine dependency missing")
	ErrCycleAborted   = errors.New("cycle aborted")
	errDispatchHalted = errors.New("dispatch halted")
)

// Fetcher returns the provider's current roster.
type Fetcher interface {
	FetchAll(ctx context.Context) (*provider.Result, error)
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Fetcher       Fetcher
	Store         repository.Store
	Subscriptions resolver.SubscriptionSource
	Sender        dispatch.Sender
}

// Report summarizes one cycle.
type Report struct {
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Outcome    health.Outcome `json:"outcome"`
	ReportHash string         `json:"report_hash,omitempty"`
	Unchanged  bool           `json:"unchanged_report"`
	Fetched    int            `json:"fetched"`
	Rejected   int            `json:"rejected"`
	Attempts   int            `json:"fetch_attempts"`
	Replayed   int            `json:"replayed"`
	Events     int            `json:"events"`
	Updated    int            `json:"updated"`
	Skipped    int            `json:"skipped"`
	Stale      int            `json:"stale"`
	Conflicts  int            `json:"conflicts"`
	Intents    int            `json:"intents"`
	Error      string         `json:"error,omitempty"`
}

// Reschedule is the result of a preference change.
type Reschedule struct {
	UserID      string `json:"user_id"`
	Cancelled   int    `json:"cancelled"`
	Rescheduled int    `json:"rescheduled"`
}

// Engine owns the cycle schedule and the pipeline components.
type Engine struct {
	deps       Deps
	differ     *differ.Differ
	resolver   *resolver.Resolver
	dispatcher *dispatch.Dispatcher
	health     *health.Tracker
	reporter   telemetry.Reporter

	interval     time.Duration
	runOnStart   bool
	differOpts   []differ.Option
	dispatchOpts []dispatch.Option
	now          func() time.Time
	logger       logger.Logger

	cycleMu  sync.Mutex
	lastHash string
	flight   singleflight.Group

	trackMu sync.Mutex
	tracked map[string]*eventTrack

	mu         sync.RWMutex
	started    bool
	lastReport *Report
	cron       *cron.Cron
	runCtx     context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New wires the pipeline over deps.
func New(deps Deps, opts ...Option) (*Engine, error) {
	if deps.Fetcher == nil || deps.Store == nil || deps.Subscriptions == nil || deps.Sender == nil {
		return nil, fmt.Errorf("%w: fetcher, store, subscriptions and sender are required", ErrMissingDeps)
	}
	e := &Engine{
		deps:       deps,
		interval:   defaultInterval,
		runOnStart: true,
		reporter:   telemetry.Nop{},
		now:        time.Now,
		tracked:    make(map[string]*eventTrack),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logger.Get().Named("engine")
	}
	if e.health == nil {
		e.health = health.NewTracker(0)
	}

	e.differ = differ.New(deps.Store, append([]differ.Option{differ.WithClock(e.now)}, e.differOpts...)...)
	e.resolver = resolver.New(deps.Subscriptions)
	dopts := append([]dispatch.Option{dispatch.WithClock(e.now)}, e.dispatchOpts...)
	dopts = append(dopts, dispatch.WithObserver(e.observeIntent))
	e.dispatcher = dispatch.New(deps.Sender, dopts...)
	return e, nil
}

// observeIntent feeds terminal outcomes to health and telemetry and settles
// the intent's outbox entry. Cancelled intents are settled by
// PreferencesChanged once their replacements are dispatched.
func (e *Engine) observeIntent(in model.Intent) {
	if !in.State.Terminal() {
		return
	}
	e.health.RecordIntent(in.Channel, in.State)
	if in.State == model.IntentFailed {
		e.reporter.CaptureError(context.Background(), "dispatch", errors.New(in.LastError), map[string]string{
			"channel":   string(in.Channel),
			"entity_id": in.Event.Entity.ID,
			"attempts":  fmt.Sprint(in.Attempts),
		})
	}
	if in.State != model.IntentCancelled {
		e.settle(context.Background(), in.Event.ID, 1, false)
	}
}

// eventTrack counts the live intents of one outbox event.
type eventTrack struct {
	live       int
	incomplete bool // some recipient was never dispatched
}

func (e *Engine) hold(eventID string, n int) {
	e.trackMu.Lock()
	defer e.trackMu.Unlock()
	t, ok := e.tracked[eventID]
	if !ok {
		t = &eventTrack{}
		e.tracked[eventID] = t
	}
	t.live += n
}

// settle releases n holds on eventID. The outbox entry is acknowledged when
// the last one goes, unless the event was only partly dispatched; such an
// event stays pending and is replayed.
func (e *Engine) settle(ctx context.Context, eventID string, n int, incomplete bool) {
	e.trackMu.Lock()
	t, ok := e.tracked[eventID]
	if !ok {
		e.trackMu.Unlock()
		return
	}
	t.live -= n
	t.incomplete = t.incomplete || incomplete
	done := t.live <= 0
	ack := done && !t.incomplete
	if done {
		delete(e.tracked, eventID)
	}
	e.trackMu.Unlock()

	if !ack {
		return
	}
	if err := e.deps.Store.Ack(context.WithoutCancel(ctx), eventID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		e.logger.Warn(ctx, "outbox ack failed", logger.String("event_id", eventID), logger.Error(err))
	}
}

func (e *Engine) inFlight(eventID string) bool {
	e.trackMu.Lock()
	defer e.trackMu.Unlock()
	_, ok := e.tracked[eventID]
	return ok
}

// Start replays the outbox, starts the workers and schedules cycles.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	e.runCtx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	// workers outlive runCtx; Stop drains them under its own deadline
	e.dispatcher.Start(context.WithoutCancel(ctx))

	if n, err := e.ReplayOutbox(ctx); err != nil {
		e.logger.Warn(ctx, "outbox replay incomplete", logger.Int("replayed", n), logger.Error(err))
	}

	cl := cronLogger{l: e.logger}
	e.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.DelayIfStillRunning(cl)))
	e.cron.Schedule(cron.Every(e.interval), cron.FuncJob(e.scheduledCycle))
	e.cron.Start()

	if e.runOnStart {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.scheduledCycle()
		}()
	}

	e.started = true
	e.logger.Info(ctx, "engine started", logger.Duration("interval", e.interval))
	return nil
}

func (e *Engine) scheduledCycle() {
	e.mu.RLock()
	ctx := e.runCtx
	e.mu.RUnlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if _, err := e.runCycle(ctx); err != nil {
		e.logger.Warn(ctx, "scheduled cycle did not complete", logger.Error(err))
	}
}

// RunCycle runs a cycle now. Concurrent callers share one run.
func (e *Engine) RunCycle(ctx context.Context) (*Report, error) {
	e.mu.RLock()
	started := e.started
	e.mu.RUnlock()
	if !started {
		return nil, ErrNotStarted
	}
	v, err, shared := e.flight.Do("cycle", func() (interface{}, error) {
		return e.runCycle(ctx)
	})
	if shared {
		e.logger.Debug(ctx, "manual cycle coalesced")
	}
	rep, _ := v.(*Report)
	return rep, err
}

// runCycle is serialized by cycleMu.
func (e *Engine) runCycle(ctx context.Context) (*Report, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	rep := &Report{StartedAt: e.now().UTC(), Outcome: health.OutcomeSuccess}
	err := e.cycle(ctx, rep)
	rep.FinishedAt = e.now().UTC()
	if err != nil {
		rep.Error = err.Error()
	}

	e.health.RecordCycle(health.Cycle{
		Outcome:  rep.Outcome,
		At:       rep.FinishedAt,
		Fetched:  rep.Fetched,
		Rejected: rep.Rejected,
		Events:   rep.Events,
		Err:      err,
	})
	if rep.Outcome == health.OutcomeFailed {
		e.reporter.CaptureError(ctx, "cycle", err, map[string]string{"outcome": string(rep.Outcome)})
	}

	e.mu.Lock()
	e.lastReport = rep
	e.mu.Unlock()

	e.logger.Info(ctx, "cycle finished",
		logger.String("outcome", string(rep.Outcome)),
		logger.Int("fetched", rep.Fetched),
		logger.Int("events", rep.Events),
		logger.Int("intents", rep.Intents),
		logger.Duration("took", rep.FinishedAt.Sub(rep.StartedAt)),
	)
	return rep, err
}

func (e *Engine) cycle(ctx context.Context, rep *Report) error {
	replayed, err := e.replay(ctx)
	rep.Replayed = replayed
	if err != nil {
		rep.Outcome = health.OutcomeFailed
		return fmt.Errorf("%w: %w", ErrCycleAborted, err)
	}

	res, err := e.deps.Fetcher.FetchAll(ctx)
	if err != nil {
		// Provider trouble is retried inside the fetcher; once it surfaces
		// here the cycle is lost and the next tick tries again.
		rep.Outcome = health.OutcomeDegraded
		return fmt.Errorf("%w: %w", ErrCycleAborted, err)
	}
	rep.Fetched = len(res.Observations)
	rep.Rejected = res.Rejected
	rep.Attempts = res.Attempts
	rep.ReportHash = res.ReportHash

	if res.ReportHash != "" && res.ReportHash == e.lastHash {
		rep.Unchanged = true
		return nil
	}

	diff, err := e.differ.Run(ctx, res.Observations)
	if err != nil {
		rep.Outcome = health.OutcomeFailed
		return fmt.Errorf("%w: %w", ErrCycleAborted, err)
	}
	rep.Events = len(diff.Events)
	rep.Updated = diff.Updated
	rep.Skipped = diff.Skipped
	rep.Stale = diff.Stale
	rep.Conflicts = diff.Conflicts
	if diff.Skipped == 0 {
		e.lastHash = res.ReportHash
	} else {
		rep.Outcome = health.OutcomeDegraded
	}

	for _, ev := range diff.Events {
		n, err := e.deliver(ctx, ev)
		rep.Intents += n
		if errors.Is(err, errDispatchHalted) {
			rep.Outcome = health.OutcomeDegraded
			return err
		}
		if err != nil {
			rep.Outcome = health.OutcomeDegraded
		}
	}
	return nil
}

// deliver resolves recipients for ev and dispatches one intent per channel.
// The outbox entry is acknowledged once every intent is settled. An event
// whose subscriptions cannot be read stays in the outbox for the next replay.
func (e *Engine) deliver(ctx context.Context, ev model.ChangeEvent) (int, error) {
	recipients, err := e.resolver.Resolve(ctx, ev, e.now())
	if err != nil {
		e.logger.Warn(ctx, "recipients unavailable; event kept for replay", logger.String("event_id", ev.ID), logger.Error(err))
		return 0, err
	}

	// this hold keeps intents that finish early from acking the entry
	// before every recipient is dispatched
	e.hold(ev.ID, 1)
	n := 0
	for _, r := range recipients {
		for _, ch := range r.Channels {
			e.hold(ev.ID, 1)
			_, err := e.dispatcher.Dispatch(ctx, r.UserID, ev, ch, r.DeferredUntil)
			switch {
			case err == nil:
				n++
			case errors.Is(err, dispatch.ErrStopped) || ctx.Err() != nil:
				e.settle(ctx, ev.ID, 2, true)
				return n, fmt.Errorf("%w: %w", errDispatchHalted, err)
			default:
				e.settle(ctx, ev.ID, 1, false)
				e.logger.Warn(ctx, "dispatch rejected",
					logger.String("event_id", ev.ID),
					logger.String("user_id", r.UserID),
					logger.String("channel", string(ch)),
					logger.Error(err),
				)
			}
		}
	}
	e.settle(ctx, ev.ID, 1, false)
	return n, nil
}

// ReplayOutbox re-delivers committed events that were never acknowledged.
// Events whose intents are still live in this process are left alone;
// deliveries that already happened are absorbed by the dedup window.
func (e *Engine) ReplayOutbox(ctx context.Context) (int, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	return e.replay(ctx)
}

func (e *Engine) replay(ctx context.Context) (int, error) {
	pending, err := e.deps.Store.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("read outbox: %w", err)
	}
	replayed := 0
	for _, ev := range pending {
		if e.inFlight(ev.ID) {
			continue
		}
		if _, err := e.deliver(ctx, ev); err != nil {
			if errors.Is(err, errDispatchHalted) {
				return replayed, err
			}
			continue
		}
		replayed++
	}
	if len(pending) > 0 {
		e.logger.Info(ctx, "outbox replayed", logger.Int("pending", len(pending)), logger.Int("replayed", replayed))
	}
	return replayed, nil
}

// PreferencesChanged withdraws userID's deferred intents and dispatches their
// events again under the user's current subscriptions. The user's lanes hold
// until the replacements are in place so event order is kept.
func (e *Engine) PreferencesChanged(ctx context.Context, userID string) (*Reschedule, error) {
	e.mu.RLock()
	started := e.started
	e.mu.RUnlock()
	if !started {
		return nil, ErrNotStarted
	}

	cancelled := e.dispatcher.CancelDeferred(ctx, userID)
	defer e.dispatcher.Resume(userID)
	out := &Reschedule{UserID: userID, Cancelled: len(cancelled)}

	withdrawn := make(map[string]int, len(cancelled))
	var events []model.ChangeEvent
	for _, in := range cancelled {
		if withdrawn[in.Event.ID] == 0 {
			events = append(events, in.Event)
		}
		withdrawn[in.Event.ID]++
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].DetectedAt.Equal(events[j].DetectedAt) {
			return events[i].DetectedAt.Before(events[j].DetectedAt)
		}
		return events[i].Revision < events[j].Revision
	})

	var firstErr error
	for _, ev := range events {
		if firstErr != nil {
			e.settle(ctx, ev.ID, withdrawn[ev.ID], true)
			continue
		}
		n, err := e.redispatch(ctx, userID, ev)
		out.Rescheduled += n
		if err != nil {
			firstErr = err
		}
		e.settle(ctx, ev.ID, withdrawn[ev.ID], err != nil)
	}
	e.logger.Info(ctx, "preferences applied",
		logger.String("user_id", userID),
		logger.Int("cancelled", out.Cancelled),
		logger.Int("rescheduled", out.Rescheduled),
	)
	return out, firstErr
}

// redispatch re-resolves ev for userID alone and dispatches the result.
func (e *Engine) redispatch(ctx context.Context, userID string, ev model.ChangeEvent) (int, error) {
	recipients, err := e.resolver.Resolve(ctx, ev, e.now())
	if err != nil {
		return 0, fmt.Errorf("re-resolve %s: %w", ev.ID, err)
	}
	n := 0
	for _, r := range recipients {
		if r.UserID != userID {
			continue
		}
		for _, ch := range r.Channels {
			e.hold(ev.ID, 1)
			if _, err := e.dispatcher.Dispatch(ctx, userID, ev, ch, r.DeferredUntil); err != nil {
				e.settle(ctx, ev.ID, 1, true)
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// Snapshot returns the stored status of one entity.
func (e *Engine) Snapshot(ctx context.Context, entityID string) (model.StatusSnapshot, error) {
	return e.deps.Store.Get(ctx, entityID)
}

// Health returns the health tracker.
func (e *Engine) Health() *health.Tracker {
	return e.health
}

// LastReport returns the most recent cycle report, or nil.
func (e *Engine) LastReport() *Report {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastReport == nil {
		return nil
	}
	cp := *e.lastReport
	return &cp
}

// GetStats returns engine statistics for monitoring.
func (e *Engine) GetStats() map[string]interface{} {
	e.mu.RLock()
	started := e.started
	last := e.lastReport
	e.mu.RUnlock()

	stats := map[string]interface{}{
		"started":         started,
		"intervalSeconds": int(e.interval.Seconds()),
		"newEntityPolicy": string(e.differ.Policy()),
		"trackedEntities": e.deps.Store.Count(context.Background()),
		"dispatcher":      e.dispatcher.Stats(),
		"health":          e.health.Status(),
	}
	if last != nil {
		stats["lastCycle"] = *last
	}
	return stats
}

// Stop halts scheduling, waits for a running cycle and drains the
// dispatcher. Sends in flight run to completion unless ctx expires first.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	c := e.cron
	e.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	e.cancel()
	e.wg.Wait()

	err := e.dispatcher.Shutdown(ctx)
	e.reporter.Flush(2 * time.Second)
	e.logger.Info(ctx, "engine stopped")
	return err
}
