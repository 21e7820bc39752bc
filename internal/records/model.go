package records

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the canonical calendar-date layout for persisted stay dates.
// Dates are stored as strings so slot-key comparisons and indexes stay free of
// timezone drift.
const DateLayout = "2006-01-02"

const maxIdentifierLength = 190

var (
	// ErrInvalidPropertyID indicates that a property identifier is empty or exceeds storage bounds.
	ErrInvalidPropertyID = errors.New("records: invalid property id")
	// ErrInvalidFeedID indicates that a feed identifier is empty or exceeds storage bounds.
	ErrInvalidFeedID = errors.New("records: invalid feed id")
	// ErrInvalidSourceUID indicates that a source-provided event uid is empty or exceeds storage bounds.
	ErrInvalidSourceUID = errors.New("records: invalid source uid")
)

// Status enumerates the lifecycle states of a reservation record.
type Status string

const (
	// StatusNew marks a record written on first sighting of its composite identity.
	StatusNew Status = "new"
	// StatusModified marks the active clone written after the booking changed.
	StatusModified Status = "modified"
	// StatusOld marks a retired record superseded by a newer clone.
	StatusOld Status = "old"
	// StatusRemoved marks a record whose source entry was confirmed withdrawn.
	StatusRemoved Status = "removed"
)

// Active reports whether the status counts toward the anti-duplicate invariant:
// at most one active record may exist per slot key.
func (s Status) Active() bool {
	return s == StatusNew || s == StatusModified
}

// EntryType distinguishes guest reservations from calendar blocks.
type EntryType string

const (
	EntryTypeReservation EntryType = "reservation"
	EntryTypeBlock       EntryType = "block"
)

// BlockSubtype refines a block entry when the feed text reveals its cause.
type BlockSubtype string

const (
	BlockSubtypeNone        BlockSubtype = ""
	BlockSubtypeOwner       BlockSubtype = "owner_block"
	BlockSubtypeMaintenance BlockSubtype = "maintenance_block"
)

// ServiceType names the field-service category downstream consumers schedule
// from an active record.
type ServiceType string

const (
	ServiceTypeTurnover   ServiceType = "turnover"
	ServiceTypeDeepClean  ServiceType = "deep_clean"
	ServiceTypeInspection ServiceType = "inspection"
	ServiceTypeNone       ServiceType = "none"
)

// OriginPlatform names the booking platform the feed entry originated from.
type OriginPlatform string

const (
	OriginAirbnb  OriginPlatform = "airbnb"
	OriginVrbo    OriginPlatform = "vrbo"
	OriginBooking OriginPlatform = "booking"
	OriginDirect  OriginPlatform = "direct"
	OriginUnknown OriginPlatform = "unknown"
)

// JobStatus mirrors the downstream dispatch system's job state. The engine
// never writes job state; it only reads it for the safe-removal exceptions.
type JobStatus string

const (
	JobStatusNone       JobStatus = ""
	JobStatusScheduled  JobStatus = "scheduled"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the downstream job can no longer be disrupted by
// retiring its record.
func (s JobStatus) Terminal() bool {
	return s == JobStatusNone || s == JobStatusCompleted || s == JobStatusCancelled
}

// PropertyID represents a validated property identifier.
type PropertyID string

// NewPropertyID validates raw input and returns a PropertyID.
func NewPropertyID(rawInput string) (PropertyID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPropertyID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPropertyID, maxIdentifierLength)
	}
	return PropertyID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PropertyID) String() string {
	return string(id)
}

// FeedID represents a validated feed identifier.
type FeedID string

// NewFeedID validates raw input and returns a FeedID.
func NewFeedID(rawInput string) (FeedID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFeedID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidFeedID, maxIdentifierLength)
	}
	return FeedID(trimmed), nil
}

// String returns the underlying string identifier.
func (id FeedID) String() string {
	return string(id)
}

// BuildCompositeUID disambiguates source uids that providers reuse across
// properties or regenerate across syncs.
func BuildCompositeUID(sourceUID, propertyID string) string {
	return sourceUID + "_" + propertyID
}

// SlotKey is the anti-duplicate grouping key for one stay at one property.
type SlotKey struct {
	PropertyID string
	CheckIn    string
	CheckOut   string
	EntryType  EntryType
}

// String renders the slot key for logging and claimed-slot bookkeeping.
func (k SlotKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.PropertyID, k.CheckIn, k.CheckOut, k.EntryType)
}

// ReservationRecord is the durable unit of truth for one lifecycle state of
// one booking. Rows are never mutated in their dated fields after the write
// that produced them; changes arrive as new cloned rows.
type ReservationRecord struct {
	ID           uint   `gorm:"column:id;primaryKey;autoIncrement"`
	CompositeUID string `gorm:"column:composite_uid;size:400;not null;index:idx_records_identity,priority:1"`
	SourceUID    string `gorm:"column:source_uid;size:190;not null"`
	PropertyID   string `gorm:"column:property_id;size:190;not null;index:idx_records_slot,priority:1"`
	FeedID       string `gorm:"column:feed_id;size:190;not null;index:idx_records_identity,priority:2"`

	CheckIn  string `gorm:"column:check_in;size:10;not null;index:idx_records_slot,priority:2"`
	CheckOut string `gorm:"column:check_out;size:10;not null;index:idx_records_slot,priority:3"`

	EntryType      EntryType      `gorm:"column:entry_type;size:32;not null;index:idx_records_slot,priority:4"`
	BlockSubtype   BlockSubtype   `gorm:"column:block_subtype;size:32;not null;default:''"`
	ServiceType    ServiceType    `gorm:"column:service_type;size:32;not null"`
	OriginPlatform OriginPlatform `gorm:"column:origin_platform;size:32;not null"`

	Status Status `gorm:"column:status;size:16;not null;index"`

	Summary     string `gorm:"column:summary;size:512;not null;default:''"`
	Description string `gorm:"column:description;type:text;not null;default:''"`

	// Derived booleans recomputed every run.
	OverlappingDates bool `gorm:"column:overlapping_dates;not null;default:false"`
	SameDayTurnover  bool `gorm:"column:same_day_turnover;not null;default:false"`

	// Safe-removal tracking.
	MissingCount int        `gorm:"column:missing_count;not null;default:0"`
	MissingSince *time.Time `gorm:"column:missing_since"`
	LastSeenAt   time.Time  `gorm:"column:last_seen_at"`

	LastUpdated time.Time `gorm:"column:last_updated;not null"`

	// Downstream-owned fields, preserved verbatim when cloning forward. The
	// engine never writes them on its own behalf.
	JobID           string     `gorm:"column:job_id;size:190;not null;default:''"`
	JobStatus       JobStatus  `gorm:"column:job_status;size:32;not null;default:''"`
	JobSyncedAt     *time.Time `gorm:"column:job_synced_at"`
	AssigneeID      string     `gorm:"column:assignee_id;size:190;not null;default:''"`
	DownstreamNotes string     `gorm:"column:downstream_notes;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (ReservationRecord) TableName() string {
	return "reservation_records"
}

// SlotKey derives the anti-duplicate grouping key for this record.
func (r *ReservationRecord) SlotKey() SlotKey {
	return SlotKey{
		PropertyID: r.PropertyID,
		CheckIn:    r.CheckIn,
		CheckOut:   r.CheckOut,
		EntryType:  r.EntryType,
	}
}

// IdentityKey joins composite uid and feed id, the lookup key for sighting an
// already-recorded booking.
func (r *ReservationRecord) IdentityKey() string {
	return r.CompositeUID + "|" + r.FeedID
}

// CloneForward copies the record with downstream-owned fields preserved
// verbatim. Dated and derived fields are expected to be overwritten by the
// caller before the clone is written.
func (r *ReservationRecord) CloneForward() ReservationRecord {
	clone := *r
	clone.ID = 0
	clone.MissingCount = 0
	clone.MissingSince = nil
	return clone
}
