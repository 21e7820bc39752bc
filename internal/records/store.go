package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreError carries an operation-scoped failure code alongside its cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code exposes the dotted operation code for log correlation.
func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew   = "records.store.new"
	opLoadActive = "records.load_active"
	opCreate     = "records.create"
	opUpdate     = "records.update"
	opDelete     = "records.delete"
	opCreateMany = "records.create_many"
	opUpdateMany = "records.update_many"
	opRetireFeed = "records.retire_feed"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// activeProjection lists the columns the reconciliation pass reads. The bulk
// load deliberately projects rather than selecting *, matching the capability
// contract of the record store.
var activeProjection = []string{
	"id", "composite_uid", "source_uid", "property_id", "feed_id",
	"check_in", "check_out", "entry_type", "block_subtype", "service_type",
	"origin_platform", "status", "summary", "description",
	"overlapping_dates", "same_day_turnover",
	"missing_count", "missing_since", "last_seen_at", "last_updated",
	"job_id", "job_status", "job_synced_at", "assignee_id", "downstream_notes",
}

// StoreConfig wires the dependencies of a record store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store provides the persistent record capability set: filtered bulk read
// with projection, single create/update/delete, and bounded batch writes.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore validates dependencies and returns a record store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// LoadActive returns every record currently holding an active status,
// projected to the reconciliation column set.
func (s *Store) LoadActive(ctx context.Context) ([]ReservationRecord, error) {
	var out []ReservationRecord
	err := s.db.WithContext(ctx).
		Select(activeProjection).
		Where("status IN ?", []Status{StatusNew, StatusModified}).
		Find(&out).Error
	if err != nil {
		return nil, newStoreError(opLoadActive, "query_failed", err)
	}
	return out, nil
}

// Create inserts a single record.
func (s *Store) Create(ctx context.Context, record *ReservationRecord) error {
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return newStoreError(opCreate, "insert_failed", err)
	}
	return nil
}

// Update persists a single record in full.
func (s *Store) Update(ctx context.Context, record *ReservationRecord) error {
	if record.ID == 0 {
		return newStoreError(opUpdate, "missing_record_id", nil)
	}
	if err := s.db.WithContext(ctx).Save(record).Error; err != nil {
		return newStoreError(opUpdate, "save_failed", err)
	}
	return nil
}

// Delete removes a single record. Reconciliation never calls this; it exists
// for the out-of-scope maintenance tooling that shares the store.
func (s *Store) Delete(ctx context.Context, recordID uint) error {
	if recordID == 0 {
		return newStoreError(opDelete, "missing_record_id", nil)
	}
	if err := s.db.WithContext(ctx).Delete(&ReservationRecord{}, recordID).Error; err != nil {
		return newStoreError(opDelete, "delete_failed", err)
	}
	return nil
}

// CreateMany inserts the given records inside one transaction.
func (s *Store) CreateMany(ctx context.Context, batch []*ReservationRecord) error {
	if len(batch) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, record := range batch {
			if err := tx.Create(record).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return newStoreError(opCreateMany, "batch_insert_failed", err)
	}
	return nil
}

// UpdateMany saves the given records inside one transaction.
func (s *Store) UpdateMany(ctx context.Context, batch []*ReservationRecord) error {
	if len(batch) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, record := range batch {
			if record.ID == 0 {
				return fmt.Errorf("record without id in update batch")
			}
			if err := tx.Save(record).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return newStoreError(opUpdateMany, "batch_save_failed", err)
	}
	return nil
}

// RetireFeed marks every active record of a feed as old. Used for feeds the
// registry flags for removal before the run proper begins.
func (s *Store) RetireFeed(ctx context.Context, feedID string, retiredAt time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&ReservationRecord{}).
		Where("feed_id = ? AND status IN ?", feedID, []Status{StatusNew, StatusModified}).
		Updates(map[string]interface{}{
			"status":       StatusOld,
			"last_updated": retiredAt,
		})
	if result.Error != nil {
		return 0, newStoreError(opRetireFeed, "update_failed", result.Error)
	}
	return result.RowsAffected, nil
}
