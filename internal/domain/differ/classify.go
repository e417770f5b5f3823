package differ

import (
	"fmt"
	"strings"

	"github.com/okian/statuswatch/internal/domain/model"
)

// NewEntityPolicy decides whether the first sighting of an entity notifies.
type NewEntityPolicy string

// New-entity policies.
const (
	// NewEntityInjuredOnly notifies only when the first status is not nominal.
	NewEntityInjuredOnly NewEntityPolicy = "injured_only"
	NewEntityAlways      NewEntityPolicy = "always"
	NewEntityNever       NewEntityPolicy = "never"
)

// ParseNewEntityPolicy accepts a policy name; empty means injured_only.
func ParseNewEntityPolicy(s string) (NewEntityPolicy, error) {
	switch p := NewEntityPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return NewEntityInjuredOnly, nil
	case NewEntityInjuredOnly, NewEntityAlways, NewEntityNever:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
}

// Classify compares an observation with the stored snapshot (nil when the
// entity has never been seen). emit is false when no event should be raised;
// class is empty when status and note are both unchanged.
func Classify(prev *model.StatusSnapshot, obs model.Observation, policy NewEntityPolicy) (class model.ChangeClass, emit bool) {
	if prev == nil {
		switch policy {
		case NewEntityAlways:
			return model.ClassNewEntity, true
		case NewEntityNever:
			return model.ClassNewEntity, false
		default:
			return model.ClassNewEntity, !obs.Status.Nominal()
		}
	}

	switch {
	case prev.Status != obs.Status:
		if obs.Status.Severity() > prev.Status.Severity() {
			return model.ClassDowngrade, true
		}
		return model.ClassUpgrade, true
	case prev.Note != obs.Note:
		return model.ClassNoteOnly, true
	}
	return "", false
}

// needsCommit reports whether the stored snapshot is stale. Metadata such as
// team or rank is refreshed even though it never raises an event.
func needsCommit(prev *model.StatusSnapshot, obs model.Observation) bool {
	if prev == nil {
		return true
	}
	return prev.Status != obs.Status || prev.Note != obs.Note || prev.Entity != obs.Entity
}
