package model

import "time"

// IntentState is the lifecycle state of a notification intent.
type IntentState string

// Intent states. Delivered, suppressed, failed and cancelled are terminal.
const (
	IntentPending    IntentState = "pending"
	IntentScheduled  IntentState = "scheduled"
	IntentSending    IntentState = "sending"
	IntentDelivered  IntentState = "delivered"
	IntentSuppressed IntentState = "suppressed"
	IntentFailed     IntentState = "failed"
	IntentCancelled  IntentState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s IntentState) Terminal() bool {
	switch s {
	case IntentDelivered, IntentSuppressed, IntentFailed, IntentCancelled:
		return true
	}
	return false
}

// IntentStates lists every state, for stats output.
var IntentStates = []IntentState{
	IntentPending, IntentScheduled, IntentSending,
	IntentDelivered, IntentSuppressed, IntentFailed, IntentCancelled,
}

// Intent is a pending delivery of one change event to one user on one channel.
type Intent struct {
	ID            string      `json:"id"`
	UserID        string      `json:"user_id"`
	Event         ChangeEvent `json:"event"`
	Channel       Channel     `json:"channel"`
	DeferredUntil time.Time   `json:"deferred_until,omitempty"`
	State         IntentState `json:"state"`
	Attempts      int         `json:"attempts"`
	LastError     string      `json:"last_error,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// DedupKey identifies the (user, event, channel) triple that may be delivered at most once.
func (i *Intent) DedupKey() string {
	return i.UserID + "|" + i.Event.ID + "|" + string(i.Channel)
}

// LaneKey groups intents that must be delivered in detection order.
func (i *Intent) LaneKey() string {
	return i.UserID + "|" + i.Event.Entity.ID + "|" + string(i.Channel)
}
