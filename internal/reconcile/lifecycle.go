package reconcile

import (
	"context"
	"fmt"

	"github.com/tidewell/reservesync/internal/feed"
	"github.com/tidewell/reservesync/internal/records"
)

// Lifecycle applies detector decisions through clone-and-retire writes. A
// record's dated fields are never mutated in place; every change arrives as a
// freshly written row while the superseded rows retire to old.
type Lifecycle struct {
	writer *records.BatchWriter
	runCtx RunContext
}

// NewLifecycle returns the state machine for one run.
func NewLifecycle(writer *records.BatchWriter, runCtx RunContext) *Lifecycle {
	return &Lifecycle{writer: writer, runCtx: runCtx}
}

// Apply executes one decision. It returns the action actually applied, which
// for uid-change reconciliation depends on whether the slot record needed
// content changes.
func (l *Lifecycle) Apply(ctx context.Context, decision Decision) (Action, error) {
	switch decision.Action {
	case ActionUnchanged, ActionDuplicateIgnore:
		return decision.Action, nil

	case ActionInsert:
		record := l.recordFromEntry(decision.Entry, decision.Flags)
		record.Status = records.StatusNew
		if err := l.writer.QueueCreate(ctx, &record); err != nil {
			return decision.Action, err
		}
		return ActionInsert, nil

	case ActionModify:
		next := l.recordFromEntry(decision.Entry, decision.Flags)
		if _, err := l.RetireAndClone(ctx, decision.Existing, next, records.StatusModified); err != nil {
			return decision.Action, err
		}
		return ActionModify, nil

	case ActionUIDChange:
		// The provider emitted a new uid for what is logically the same
		// booking. The old rows retire to old, never removed; the replacement
		// is modified when content changed, new otherwise.
		next := l.recordFromEntry(decision.Entry, decision.Flags)
		status := records.StatusNew
		if !recordMatchesEntry(mostRecent(decision.Existing), decision.Entry, decision.Flags) {
			status = records.StatusModified
		}
		if _, err := l.RetireAndClone(ctx, decision.Existing, next, status); err != nil {
			return decision.Action, err
		}
		return ActionUIDChange, nil

	default:
		return decision.Action, fmt.Errorf("reconcile: unknown action %q", decision.Action)
	}
}

// RetireAndClone retires every given row to old and writes exactly one
// replacement carrying the merged fields plus every downstream-owned field
// copied verbatim from the most recently active retired row.
func (l *Lifecycle) RetireAndClone(ctx context.Context, retiring []*records.ReservationRecord, next records.ReservationRecord, newStatus records.Status) (*records.ReservationRecord, error) {
	donor := mostRecent(retiring)
	if donor != nil {
		next.JobID = donor.JobID
		next.JobStatus = donor.JobStatus
		next.JobSyncedAt = donor.JobSyncedAt
		next.AssigneeID = donor.AssigneeID
		next.DownstreamNotes = donor.DownstreamNotes
	}

	for _, record := range retiring {
		record.Status = records.StatusOld
		if err := l.writer.QueueUpdate(ctx, record); err != nil {
			return nil, err
		}
	}

	next.Status = newStatus
	if err := l.writer.QueueCreate(ctx, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// RetireAsRemoved clones a record into its removed terminal state once the
// safe removal policy confirms the withdrawal.
func (l *Lifecycle) RetireAsRemoved(ctx context.Context, record *records.ReservationRecord) (*records.ReservationRecord, error) {
	next := record.CloneForward()
	next.MissingCount = record.MissingCount
	next.MissingSince = record.MissingSince
	return l.RetireAndClone(ctx, []*records.ReservationRecord{record}, next, records.StatusRemoved)
}

func (l *Lifecycle) recordFromEntry(entry feed.Entry, flags Flags) records.ReservationRecord {
	return records.ReservationRecord{
		CompositeUID:     entry.CompositeUID(),
		SourceUID:        entry.SourceUID,
		PropertyID:       entry.PropertyID,
		FeedID:           entry.FeedID,
		CheckIn:          entry.CheckInDate(),
		CheckOut:         entry.CheckOutDate(),
		EntryType:        entry.EntryType,
		BlockSubtype:     entry.BlockSubtype,
		ServiceType:      entry.ServiceType,
		OriginPlatform:   entry.OriginPlatform,
		Summary:          entry.Summary,
		Description:      entry.Description,
		OverlappingDates: flags.OverlappingDates,
		SameDayTurnover:  flags.SameDayTurnover,
		LastSeenAt:       l.runCtx.Now,
	}
}
