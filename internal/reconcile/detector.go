package reconcile

import (
	"sort"

	"github.com/tidewell/reservesync/internal/feed"
	"github.com/tidewell/reservesync/internal/records"
)

// Action is the detector's verdict for one incoming entry.
type Action string

const (
	// ActionInsert creates a new record for a first-sighted identity.
	ActionInsert Action = "insert"
	// ActionUnchanged leaves the matching active record untouched.
	ActionUnchanged Action = "unchanged"
	// ActionModify clones-and-retires the matching active records.
	ActionModify Action = "modify"
	// ActionUIDChange reconciles a provider-rotated uid with the active
	// record occupying the same slot.
	ActionUIDChange Action = "uid_change"
	// ActionDuplicateIgnore drops a same-slot entry from a second source.
	ActionDuplicateIgnore Action = "duplicate_ignore"
)

// Decision pairs an entry with its verdict and the existing records involved.
type Decision struct {
	Action   Action
	Entry    feed.Entry
	Flags    Flags
	Existing []*records.ReservationRecord
}

// Detector runs the decision procedure once per entry against the run's
// read-only state indexes and the shared claimed-slot set.
type Detector struct {
	state  *State
	claims *SlotClaims
}

// NewDetector returns a detector for one run.
func NewDetector(state *State, claims *SlotClaims) *Detector {
	return &Detector{state: state, claims: claims}
}

// Decide applies the decision table to one entry. The slot-index check runs
// before uid-change reconciliation; that ordering is canonical.
func (d *Detector) Decide(entry feed.Entry, flags Flags) Decision {
	decision := Decision{Entry: entry, Flags: flags}

	byIdentity := d.state.ByIdentity(entry.IdentityKey())
	bySlot := d.state.BySlot(entry.SlotKey())

	if len(byIdentity) > 0 {
		decision.Existing = byIdentity
		if recordMatchesEntry(mostRecent(byIdentity), entry, flags) {
			decision.Action = ActionUnchanged
			return decision
		}
		// The change may move the booking into a slot already held by another
		// identity, or into one claimed earlier in this run. Either way the
		// clone must not create a second active record for that slot.
		foreign := foreignOccupants(bySlot, entry.IdentityKey())
		if len(foreign) > 0 {
			decision.Existing = foreign
			decision.Action = ActionDuplicateIgnore
			return decision
		}
		if !d.claims.Claim(entry.SlotKey()) {
			decision.Action = ActionDuplicateIgnore
			return decision
		}
		decision.Action = ActionModify
		return decision
	}

	// No identity match. A slot occupant with a different uid is either the
	// same logical booking under a rotated uid (same feed) or a second source
	// racing to create the same booking (different feed).
	if len(bySlot) > 0 {
		sameFeed := make([]*records.ReservationRecord, 0, len(bySlot))
		for _, record := range bySlot {
			if record.FeedID == entry.FeedID {
				sameFeed = append(sameFeed, record)
			}
		}
		if len(sameFeed) > 0 {
			if !d.claims.Claim(entry.SlotKey()) {
				decision.Action = ActionDuplicateIgnore
				return decision
			}
			decision.Existing = sameFeed
			decision.Action = ActionUIDChange
			return decision
		}
		decision.Existing = bySlot
		decision.Action = ActionDuplicateIgnore
		return decision
	}

	// Genuinely new booking. Claim the slot before any write so a later
	// same-run entry for the same slot cannot also insert.
	if !d.claims.Claim(entry.SlotKey()) {
		decision.Action = ActionDuplicateIgnore
		return decision
	}
	decision.Action = ActionInsert
	return decision
}

// foreignOccupants filters slot occupants down to those held by a different
// identity than the entry's, so a record being modified in place does not
// block its own slot.
func foreignOccupants(occupants []*records.ReservationRecord, identityKey string) []*records.ReservationRecord {
	foreign := make([]*records.ReservationRecord, 0, len(occupants))
	for _, record := range occupants {
		if record.IdentityKey() != identityKey {
			foreign = append(foreign, record)
		}
	}
	return foreign
}

// recordMatchesEntry reports whether the active record already reflects the
// entry: stay dates, property, classification and derived flags all equal.
func recordMatchesEntry(record *records.ReservationRecord, entry feed.Entry, flags Flags) bool {
	if record == nil {
		return false
	}
	return record.PropertyID == entry.PropertyID &&
		record.CheckIn == entry.CheckInDate() &&
		record.CheckOut == entry.CheckOutDate() &&
		record.EntryType == entry.EntryType &&
		record.BlockSubtype == entry.BlockSubtype &&
		record.ServiceType == entry.ServiceType &&
		record.OriginPlatform == entry.OriginPlatform &&
		record.OverlappingDates == flags.OverlappingDates &&
		record.SameDayTurnover == flags.SameDayTurnover
}

// mostRecent picks the record whose state the clone should carry forward: the
// most recently written active row, ties broken by latest LastUpdated.
func mostRecent(candidates []*records.ReservationRecord) *records.ReservationRecord {
	if len(candidates) == 0 {
		return nil
	}
	sorted := make([]*records.ReservationRecord, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LastUpdated.After(sorted[j].LastUpdated)
	})
	return sorted[0]
}
