package feed

import "time"

// Window is the date horizon for one run, computed once from configuration.
// The admission check applies to check-in dates only; the optional
// already-ended rule additionally drops stays whose check-out predates today.
type Window struct {
	Start       time.Time
	End         time.Time
	Today       time.Time
	IgnoreEnded bool
}

// NewWindow computes the lookback/lookahead horizon for the current run.
func NewWindow(now time.Time, lookbackMonths, lookaheadMonths int, ignoreEnded bool) Window {
	today := truncateToDate(now)
	return Window{
		Start:       today.AddDate(0, -lookbackMonths, 0),
		End:         today.AddDate(0, lookaheadMonths, 0),
		Today:       today,
		IgnoreEnded: ignoreEnded,
	}
}

// Admits reports whether an entry with the given stay dates belongs to this
// run. Filtering happens before classification for cost control.
func (w Window) Admits(checkIn, checkOut time.Time) bool {
	in := truncateToDate(checkIn)
	if in.Before(w.Start) || in.After(w.End) {
		return false
	}
	if w.IgnoreEnded && !checkOut.IsZero() {
		out := truncateToDate(checkOut)
		if out.Before(w.Today) {
			return false
		}
	}
	return true
}
