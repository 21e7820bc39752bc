package reconcile

import (
	"testing"
	"time"

	"github.com/tidewell/reservesync/internal/feed"
	"github.com/tidewell/reservesync/internal/records"
)

func stayEntry(uid, propertyID string, checkIn, checkOut time.Time, entryType records.EntryType) feed.Entry {
	return feed.Entry{
		SourceUID:  uid,
		FeedID:     "feed-" + propertyID,
		PropertyID: propertyID,
		CheckIn:    checkIn,
		CheckOut:   checkOut,
		EntryType:  entryType,
	}
}

func day(d int) time.Time {
	return time.Date(2025, 9, d, 0, 0, 0, 0, time.UTC)
}

func TestCalculateFlagsOverlap(t *testing.T) {
	entries := []feed.Entry{
		stayEntry("a", "p1", day(1), day(5), records.EntryTypeReservation),
		stayEntry("b", "p1", day(4), day(8), records.EntryTypeReservation),
		stayEntry("c", "p1", day(10), day(12), records.EntryTypeReservation),
	}
	flags := CalculateFlags(entries)

	if !flags[0].OverlappingDates || !flags[1].OverlappingDates {
		t.Fatalf("expected overlapping pair flagged, got %+v", flags)
	}
	if flags[2].OverlappingDates {
		t.Fatalf("expected disjoint stay unflagged, got %+v", flags[2])
	}
}

func TestCalculateFlagsBlocksNeverOverlap(t *testing.T) {
	// Providers emit a block mirroring a confirmed reservation; that pairing
	// must not flag the reservation.
	entries := []feed.Entry{
		stayEntry("a", "p1", day(1), day(5), records.EntryTypeReservation),
		stayEntry("b", "p1", day(1), day(5), records.EntryTypeBlock),
	}
	flags := CalculateFlags(entries)

	if flags[0].OverlappingDates || flags[1].OverlappingDates {
		t.Fatalf("expected block pairing unflagged, got %+v", flags)
	}
}

func TestCalculateFlagsSameDayTurnover(t *testing.T) {
	entries := []feed.Entry{
		stayEntry("a", "p1", day(1), day(5), records.EntryTypeReservation),
		stayEntry("b", "p1", day(5), day(9), records.EntryTypeReservation),
	}
	flags := CalculateFlags(entries)

	if !flags[0].SameDayTurnover || !flags[1].SameDayTurnover {
		t.Fatalf("expected back-to-back boundary flagged both ways, got %+v", flags)
	}
	if flags[0].OverlappingDates || flags[1].OverlappingDates {
		t.Fatalf("expected touching ranges not flagged as overlap, got %+v", flags)
	}
}

func TestCalculateFlagsIsolatedPerProperty(t *testing.T) {
	entries := []feed.Entry{
		stayEntry("a", "p1", day(1), day(5), records.EntryTypeReservation),
		stayEntry("b", "p2", day(4), day(8), records.EntryTypeReservation),
	}
	flags := CalculateFlags(entries)

	if flags[0].OverlappingDates || flags[1].OverlappingDates {
		t.Fatalf("expected no cross-property comparison, got %+v", flags)
	}
}
