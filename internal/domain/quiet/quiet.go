// Package quiet evaluates daily quiet-hours windows in a user's timezone.
package quiet

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // windows must resolve IANA zones in minimal containers

	"github.com/okian/statuswatch/internal/domain/model"
)

// Sentinel errors for window parsing.
var (
	ErrInvalidWindow   = errors.New("invalid quiet hours window")
	ErrInvalidTimezone = errors.New("invalid quiet hours timezone")
)

const minutesPerDay = 24 * 60

// Window is a parsed quiet-hours window: local [start, end) in minutes after midnight.
type Window struct {
	start int
	end   int
	loc   *time.Location
}

// Parse validates q and returns a Window. An empty timezone means UTC.
func Parse(q model.QuietHours) (*Window, error) {
	start, err := parseClock(q.Start)
	if err != nil {
		return nil, fmt.Errorf("%w: start: %v", ErrInvalidWindow, err)
	}
	end, err := parseClock(q.End)
	if err != nil {
		return nil, fmt.Errorf("%w: end: %v", ErrInvalidWindow, err)
	}
	loc := time.UTC
	if tz := strings.TrimSpace(q.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidTimezone, tz, err)
		}
	}
	return &Window{start: start, end: end, loc: loc}, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return h*60 + m, nil
}

// Enabled reports whether the window covers any time at all.
func (w *Window) Enabled() bool {
	return w != nil && w.start != w.end
}

// Location returns the window's timezone.
func (w *Window) Location() *time.Location {
	return w.loc
}

// Contains reports whether t falls inside the window.
func (w *Window) Contains(t time.Time) bool {
	if !w.Enabled() {
		return false
	}
	m := minuteOfDay(t.In(w.loc))
	if w.start < w.end {
		return m >= w.start && m < w.end
	}
	return m >= w.start || m < w.end
}

// ReleaseAt returns the earliest instant at or after t outside the window.
// For t outside the window that is t itself; inside it is exactly the window end.
func (w *Window) ReleaseAt(t time.Time) time.Time {
	if !w.Contains(t) {
		return t
	}
	local := t.In(w.loc)
	day := 0
	if w.start > w.end && minuteOfDay(local) >= w.start {
		day = 1
	}
	y, mo, d := local.Date()
	return time.Date(y, mo, d+day, w.end/60, w.end%60, 0, 0, w.loc)
}

// String renders the window as "HH:MM-HH:MM Zone".
func (w *Window) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d %s", w.start/60, w.start%60, w.end/60, w.end%60, w.loc)
}

func minuteOfDay(t time.Time) int {
	return (t.Hour()*60 + t.Minute()) % minutesPerDay
}
