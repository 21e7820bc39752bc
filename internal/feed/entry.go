// Package feed acquires remote calendar documents and local delimited
// exports, and turns them into normalized per-run entries.
package feed

import (
	"time"

	"github.com/tidewell/reservesync/internal/records"
)

// Entry is the ephemeral, per-run representation of one booking or block
// event from a feed, prior to reconciliation against the record store.
type Entry struct {
	SourceUID  string
	FeedID     string
	PropertyID string

	CheckIn  time.Time
	CheckOut time.Time

	EntryType      records.EntryType
	BlockSubtype   records.BlockSubtype
	ServiceType    records.ServiceType
	OriginPlatform records.OriginPlatform

	Summary     string
	Description string
}

// CheckInDate renders the check-in as a canonical calendar date.
func (e Entry) CheckInDate() string {
	return e.CheckIn.Format(records.DateLayout)
}

// CheckOutDate renders the check-out as a canonical calendar date.
func (e Entry) CheckOutDate() string {
	return e.CheckOut.Format(records.DateLayout)
}

// CompositeUID derives the disambiguated identity for this entry.
func (e Entry) CompositeUID() string {
	return records.BuildCompositeUID(e.SourceUID, e.PropertyID)
}

// IdentityKey joins composite uid and feed id, matching the record store's
// sighting index.
func (e Entry) IdentityKey() string {
	return e.CompositeUID() + "|" + e.FeedID
}

// SlotKey derives the anti-duplicate grouping key for this entry.
func (e Entry) SlotKey() records.SlotKey {
	return records.SlotKey{
		PropertyID: e.PropertyID,
		CheckIn:    e.CheckInDate(),
		CheckOut:   e.CheckOutDate(),
		EntryType:  e.EntryType,
	}
}

// ParseStats counts the outcome of parsing one feed document.
type ParseStats struct {
	// Events is the number of components or rows encountered.
	Events int
	// Parsed is the number of entries produced.
	Parsed int
	// SkippedWindow counts entries dropped by the date window policy.
	SkippedWindow int
	// SkippedInvalid counts entries dropped for unparseable dates or fields.
	SkippedInvalid int
}
