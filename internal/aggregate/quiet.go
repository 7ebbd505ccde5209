package aggregate

import (
	"fmt"
	"time"

	"livestop/internal/resolve"
)

// QuietHours is the nightly window during which rail-like lines are not
// polled. Start may be after End, in which case the window spans midnight.
type QuietHours struct {
	Enabled  bool
	Start    time.Duration // offset from local midnight
	End      time.Duration
	Location *time.Location
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Contains reports whether t falls in the window.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled || q.Start == q.End {
		return false
	}
	loc := q.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	offset := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second
	if q.Start < q.End {
		return offset >= q.Start && offset < q.End
	}
	return offset >= q.Start || offset < q.End
}

// suspends reports whether the lines are all rail-like and t is quiet.
func (q QuietHours) suspends(lines []resolve.LineRef, t time.Time) bool {
	if len(lines) == 0 || !q.Contains(t) {
		return false
	}
	for _, l := range lines {
		if !l.Line.Mode.RailLike() {
			return false
		}
	}
	return true
}
