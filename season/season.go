// Package season implements the date window that gates export and archival
// behavior. During the season the exporter publishes live JSON; outside it
// the collector keeps ingesting and the monthly archival loop takes over.
package season

import (
	"fmt"
	"time"
)

// dateLayout is the ISO format used in configuration (YYYY-MM-DD).
const dateLayout = "2006-01-02"

// Window is an inclusive date range. Both bounds are compared at day
// granularity in UTC; the time-of-day components of Start and End are
// ignored.
type Window struct {
	Start time.Time
	End   time.Time
}

// Parse builds a Window from ISO date strings.
func Parse(start, end string) (Window, error) {
	s, err := time.ParseInLocation(dateLayout, start, time.UTC)
	if err != nil {
		return Window{}, fmt.Errorf("season: invalid start date %q: %w", start, err)
	}
	e, err := time.ParseInLocation(dateLayout, end, time.UTC)
	if err != nil {
		return Window{}, fmt.Errorf("season: invalid end date %q: %w", end, err)
	}
	if e.Before(s) {
		return Window{}, fmt.Errorf("season: end date %s precedes start date %s", end, start)
	}
	return Window{Start: s, End: e}, nil
}

// Contains reports whether t falls inside the window, inclusive on both
// ends.
func (w Window) Contains(t time.Time) bool {
	day := truncateToDay(t)
	return !day.Before(truncateToDay(w.Start)) && !day.After(truncateToDay(w.End))
}

// ContainsNow reports whether the current UTC date is in season.
func (w Window) ContainsNow() bool {
	return w.Contains(time.Now().UTC())
}

func (w Window) String() string {
	return fmt.Sprintf("%s to %s", w.Start.Format(dateLayout), w.End.Format(dateLayout))
}

func truncateToDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
