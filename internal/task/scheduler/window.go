package scheduler

import "time"

// windowSchedule fires on the grid first, first+every, first+2*every, ...
// and never after end (zero end means open-ended). It satisfies cron.Schedule;
// returning the zero time tells cron the entry will not run again.
type windowSchedule struct {
	first time.Time
	every time.Duration
	end   time.Time
}

// Next returns the first grid point strictly after t.
func (w windowSchedule) Next(t time.Time) time.Time {
	n := w.first
	if !t.Before(w.first) {
		k := t.Sub(w.first)/w.every + 1
		n = w.first.Add(k * w.every)
	}
	if !w.end.IsZero() && n.After(w.end) {
		return time.Time{}
	}
	return n
}

// dueAt returns the latest grid point not after t, bounded by end.
// Zero when t is before first.
func (w windowSchedule) dueAt(t time.Time) time.Time {
	if t.Before(w.first) {
		return time.Time{}
	}
	if !w.end.IsZero() && t.After(w.end) {
		t = w.end
	}
	k := t.Sub(w.first) / w.every
	return w.first.Add(k * w.every)
}

// last is the final grid point of a bounded window, zero if open-ended.
func (w windowSchedule) last() time.Time {
	if w.end.IsZero() {
		return time.Time{}
	}
	return w.dueAt(w.end)
}
