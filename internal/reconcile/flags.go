package reconcile

import (
	"github.com/tidewell/reservesync/internal/feed"
	"github.com/tidewell/reservesync/internal/records"
)

// Flags are the derived booleans recomputed for every entry every run.
type Flags struct {
	OverlappingDates bool
	SameDayTurnover  bool
}

// CalculateFlags computes per-entry flags across all entries sharing a
// property in this run. The result aligns with the input by index.
func CalculateFlags(entries []feed.Entry) []Flags {
	byProperty := make(map[string][]int)
	for i, entry := range entries {
		byProperty[entry.PropertyID] = append(byProperty[entry.PropertyID], i)
	}

	flags := make([]Flags, len(entries))
	for _, indexes := range byProperty {
		for _, i := range indexes {
			for _, j := range indexes {
				if i == j {
					continue
				}
				a, b := entries[i], entries[j]
				if datesOverlap(a, b) {
					flags[i].OverlappingDates = true
				}
				if sameDayTurnover(a, b) {
					flags[i].SameDayTurnover = true
				}
			}
		}
	}
	return flags
}

// datesOverlap reports a stay-range intersection between two reservation
// entries. Blocks do not count; a block overlapping its own reservation is
// how several providers represent confirmed bookings.
func datesOverlap(a, b feed.Entry) bool {
	if a.EntryType != records.EntryTypeReservation || b.EntryType != records.EntryTypeReservation {
		return false
	}
	return a.CheckIn.Before(b.CheckOut) && b.CheckIn.Before(a.CheckOut)
}

// sameDayTurnover reports a back-to-back stay boundary: one entry departs the
// day another arrives.
func sameDayTurnover(a, b feed.Entry) bool {
	return a.CheckOut.Equal(b.CheckIn) || a.CheckIn.Equal(b.CheckOut)
}
