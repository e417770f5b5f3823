package model

import (
	"hash/fnv"
	"strconv"
	"time"
)

// ChangeClass classifies a detected transition.
type ChangeClass string

// Change classes.
const (
	ClassNewEntity ChangeClass = "new_entity"
	ClassUpgrade   ChangeClass = "status_upgrade"
	ClassDowngrade ChangeClass = "status_downgrade"
	ClassNoteOnly  ChangeClass = "note_only"
)

// ChangeEvent records one transition detected by the differ.
// PrevStatus is empty for ClassNewEntity.
type ChangeEvent struct {
	ID         string        `json:"id"`
	Entity     TrackedEntity `json:"entity"`
	PrevStatus Status        `json:"prev_status,omitempty"`
	NewStatus  Status        `json:"new_status"`
	PrevNote   string        `json:"prev_note,omitempty"`
	NewNote    string        `json:"new_note,omitempty"`
	Class      ChangeClass   `json:"class"`
	Revision   int64         `json:"revision"`
	DetectedAt time.Time     `json:"detected_at"`
}

// EventID derives a stable identity from the transition itself so the same
// committed change always maps to the same id.
func EventID(entityID string, revision int64, status Status, note string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(entityID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.FormatInt(revision, 10)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(status))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(note))
	return strconv.FormatUint(h.Sum64(), 16)
}
