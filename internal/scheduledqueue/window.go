package scheduledqueue

import "time"

// Window restricts dispatch to a day-of-week + timezone + start/end
// time-of-day range. A computed due time falling outside the window is
// moved forward to the next permitted start. A zero Window (no Days
// set) permits every time.
type Window struct {
	Location *time.Location
	Days map[time.Weekday]bool // empty/nil means every day
	StartMin int // minutes since midnight, inclusive
	EndMin int // minutes since midnight, exclusive
}

// Permits reports whether t falls inside the window.
func (w Window) Permits(t time.Time) bool {
	if len(w.Days) == 0 && w.StartMin == 0 && w.EndMin == 0 {
		return true
	}
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)

	if len(w.Days) > 0 && !w.Days[lt.Weekday()] {
		return false
	}
	minuteOfDay := lt.Hour()*60 + lt.Minute()
	return minuteOfDay >= w.StartMin && minuteOfDay < w.EndMin
}

// NextPermitted returns the earliest instant at or after t that the
// window permits, advancing day-by-day until both the weekday and
// time-of-day constraints are satisfied.
func (w Window) NextPermitted(t time.Time) time.Time {
	if w.Permits(t) {
		return t
	}
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}

	for i := 0; i < 8; i++ {
		lt := t.In(loc).AddDate(0, 0, i)
		dayStart := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc).Add(time.Duration(w.StartMin) * time.Minute)
		if dayStart.Before(t) {
			continue
		}
		candidate := Window{Days: w.Days, StartMin: w.StartMin, EndMin: w.EndMin, Location: loc}
		if len(w.Days) == 0 || w.Days[dayStart.Weekday()] {
			if candidate.Permits(dayStart) {
				return dayStart
			}
		}
	}
	// Degenerate window (e.g. StartMin == EndMin): give up and return t
	// unchanged rather than loop forever.
	return t
}
