package reconcile

import (
	"time"

	"github.com/tidewell/reservesync/internal/records"
)

// RemovalVerdict names what the safe removal policy decided for one record
// absent from its feed this run.
type RemovalVerdict string

const (
	// VerdictExempt skips tracking entirely: the record has operational
	// consequences downstream that outweigh a stale feed entry.
	VerdictExempt RemovalVerdict = "exempt"
	// VerdictTrack starts the absence clock on first miss.
	VerdictTrack RemovalVerdict = "track"
	// VerdictWithinGrace takes no action while the grace period runs.
	VerdictWithinGrace RemovalVerdict = "within_grace"
	// VerdictIncrement counts one more confirmed consecutive absence.
	VerdictIncrement RemovalVerdict = "increment"
	// VerdictRetire confirms the withdrawal; the record clones to removed.
	VerdictRetire RemovalVerdict = "retire"
)

// RemovalPolicy governs when an active record whose entry disappeared from
// its feed is actually marked removed versus provisionally tracked. A single
// missing sighting is never sufficient evidence of a cancellation.
type RemovalPolicy struct {
	// Grace is the minimum elapsed time since the first miss before absences
	// start counting again.
	Grace time.Duration
	// MissThreshold is the consecutive-absence count that confirms removal.
	MissThreshold int
	// RecentArrivalDays exempts stays whose check-in is within the last N days.
	RecentArrivalDays int
}

// Evaluate decides the fate of one unsighted active record. Exceptions are
// computed first and unconditionally skip both removal and tracking.
func (p RemovalPolicy) Evaluate(record *records.ReservationRecord, now time.Time) RemovalVerdict {
	if p.exempt(record, now) {
		return VerdictExempt
	}

	if record.MissingSince == nil {
		return VerdictTrack
	}

	if now.Sub(*record.MissingSince) < p.Grace {
		return VerdictWithinGrace
	}

	if record.MissingCount+1 >= p.MissThreshold {
		return VerdictRetire
	}
	return VerdictIncrement
}

func (p RemovalPolicy) exempt(record *records.ReservationRecord, now time.Time) bool {
	if !record.JobStatus.Terminal() {
		return true
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	if checkIn, err := time.Parse(records.DateLayout, record.CheckIn); err == nil {
		recentCutoff := today.AddDate(0, 0, -p.RecentArrivalDays)
		if !checkIn.Before(recentCutoff) && !checkIn.After(today) {
			return true
		}
	}

	if checkOut, err := time.Parse(records.DateLayout, record.CheckOut); err == nil {
		tomorrow := today.AddDate(0, 0, 1)
		if checkOut.Equal(today) || checkOut.Equal(tomorrow) {
			return true
		}
	}

	return false
}
