package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tidewell/reservesync/internal/records"
)

const (
	migrationBackfillCompositeUIDs = "2026-07-14_backfill_composite_uids"
	migrationNormalizeLegacyStatus = "2026-08-02_normalize_legacy_statuses"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillCompositeUIDs, apply: backfillCompositeUIDs},
		{name: migrationNormalizeLegacyStatus, apply: normalizeLegacyStatuses},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillCompositeUIDs repairs rows imported before the composite identity
// existed; their composite uid derives from source uid and property id.
func backfillCompositeUIDs(db *gorm.DB) error {
	return db.Exec(
		"UPDATE reservation_records SET composite_uid = source_uid || '_' || property_id WHERE composite_uid = '';",
	).Error
}

// normalizeLegacyStatuses rewrites capitalized status values written by an
// earlier importer so status filters stay exact-match.
func normalizeLegacyStatuses(db *gorm.DB) error {
	legacy := map[string]records.Status{
		"New":      records.StatusNew,
		"Modified": records.StatusModified,
		"Old":      records.StatusOld,
		"Removed":  records.StatusRemoved,
	}
	for from, to := range legacy {
		err := db.Model(&records.ReservationRecord{}).
			Where("status = ?", from).
			Update("status", to).Error
		if err != nil {
			return err
		}
	}
	return nil
}
