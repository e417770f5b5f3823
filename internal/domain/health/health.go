// Package health tracks fetch cycle outcomes and delivery failures for the
// operational surface.
package health

import (
	"sync"
	"time"

	"github.com/okian/statuswatch/internal/domain/model"
	"github.com/okian/statuswatch/pkg/metrics"
)

// Outcome is the result of one fetch cycle.
type Outcome string

// Cycle outcomes.
const (
	OutcomeUnknown  Outcome = "unknown"
	OutcomeSuccess  Outcome = "success"
	OutcomeDegraded Outcome = "degraded"
	OutcomeFailed   Outcome = "failed"
)

const defaultUnhealthyAfter = 3

// Cycle is what the engine reports after each fetch cycle.
type Cycle struct {
	Outcome  Outcome
	At       time.Time
	Fetched  int
	Rejected int
	Events   int
	Err      error
}

// Status is a point-in-time view of the tracker.
type Status struct {
	Healthy             bool                                          `json:"healthy"`
	LastOutcome         Outcome                                       `json:"last_outcome"`
	LastCycleAt         time.Time                                     `json:"last_cycle_at,omitempty"`
	LastSuccessAt       time.Time                                     `json:"last_success_at,omitempty"`
	LastError           string                                        `json:"last_error,omitempty"`
	ConsecutiveFailures int                                           `json:"consecutive_failures"`
	Cycles              map[Outcome]int64                             `json:"cycles"`
	RecordsFetched      int64                                         `json:"records_fetched"`
	RecordsRejected     int64                                         `json:"records_rejected"`
	EventsEmitted       int64                                         `json:"events_emitted"`
	Intents             map[model.Channel]map[model.IntentState]int64 `json:"intents"`
}

// Tracker aggregates health signals. It is safe for concurrent use.
type Tracker struct {
	mu             sync.RWMutex
	unhealthyAfter int

	lastOutcome   Outcome
	lastCycleAt   time.Time
	lastSuccessAt time.Time
	lastError     string
	failures      int
	cycles        map[Outcome]int64
	fetched       int64
	rejected      int64
	events        int64
	intents       map[model.Channel]map[model.IntentState]int64
}

// NewTracker creates a tracker. unhealthyAfter is the number of consecutive
// non-successful cycles after which the service reports unhealthy; values
// below one use the default of three.
func NewTracker(unhealthyAfter int) *Tracker {
	if unhealthyAfter < 1 {
		unhealthyAfter = defaultUnhealthyAfter
	}
	return &Tracker{
		unhealthyAfter: unhealthyAfter,
		lastOutcome:    OutcomeUnknown,
		cycles:         make(map[Outcome]int64),
		intents:        make(map[model.Channel]map[model.IntentState]int64),
	}
}

// RecordCycle stores a cycle result.
func (t *Tracker) RecordCycle(c Cycle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastOutcome = c.Outcome
	t.lastCycleAt = c.At
	t.cycles[c.Outcome]++
	t.fetched += int64(c.Fetched)
	t.rejected += int64(c.Rejected)
	t.events += int64(c.Events)

	if c.Err != nil {
		t.lastError = c.Err.Error()
	}
	if c.Outcome == OutcomeSuccess {
		t.failures = 0
		t.lastSuccessAt = c.At
		t.lastError = ""
		metrics.UpdateLastSuccess(c.At)
	} else {
		t.failures++
	}
	metrics.RecordFetchCycle(string(c.Outcome))
	metrics.UpdateConsecutiveFailures(t.failures)
}

// RecordIntent counts a terminal intent outcome.
func (t *Tracker) RecordIntent(ch model.Channel, state model.IntentState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	byState, ok := t.intents[ch]
	if !ok {
		byState = make(map[model.IntentState]int64)
		t.intents[ch] = byState
	}
	byState[state]++
}

// Healthy is false after a failed cycle or a run of unsuccessful ones.
func (t *Tracker) Healthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.healthyLocked()
}

func (t *Tracker) healthyLocked() bool {
	return t.lastOutcome != OutcomeFailed && t.failures < t.unhealthyAfter
}

// Status returns a copy of the current state.
func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cycles := make(map[Outcome]int64, len(t.cycles))
	for k, v := range t.cycles {
		cycles[k] = v
	}
	intents := make(map[model.Channel]map[model.IntentState]int64, len(t.intents))
	for ch, byState := range t.intents {
		cp := make(map[model.IntentState]int64, len(byState))
		for k, v := range byState {
			cp[k] = v
		}
		intents[ch] = cp
	}

	return Status{
		Healthy:             t.healthyLocked(),
		LastOutcome:         t.lastOutcome,
		LastCycleAt:         t.lastCycleAt,
		LastSuccessAt:       t.lastSuccessAt,
		LastError:           t.lastError,
		ConsecutiveFailures: t.failures,
		Cycles:              cycles,
		RecordsFetched:      t.fetched,
		RecordsRejected:     t.rejected,
		EventsEmitted:       t.events,
		Intents:             intents,
	}
}

// FailedDeliveries sums failed intents across channels.
func (t *Tracker) FailedDeliveries() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var n int64
	for _, byState := range t.intents {
		n += byState[model.IntentFailed]
	}
	return n
}
