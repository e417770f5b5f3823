package model

import "time"

// StatusSnapshot is the last observed status for one entity.
// Revision starts at 1 and increases by one on every committed change.
type StatusSnapshot struct {
	Entity     TrackedEntity `json:"entity"`
	Status     Status        `json:"status"`
	Note       string        `json:"note,omitempty"`
	ObservedAt time.Time     `json:"observed_at"`
	Revision   int64         `json:"revision"`
}

// EntityID is a shorthand for Entity.ID.
func (s StatusSnapshot) EntityID() string {
	return s.Entity.ID
}

// Observation is one validated provider record, ready for diffing.
type Observation struct {
	Entity     TrackedEntity `json:"entity"`
	Status     Status        `json:"status"`
	Note       string        `json:"note,omitempty"`
	ObservedAt time.Time     `json:"observed_at"`
}
