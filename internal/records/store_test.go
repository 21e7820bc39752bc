package records

import (
	"context"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&ReservationRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store, db
}

func seedRecord(t *testing.T, db *gorm.DB, record ReservationRecord) ReservationRecord {
	t.Helper()
	if record.LastUpdated.IsZero() {
		record.LastUpdated = time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	}
	if err := db.Create(&record).Error; err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}
	return record
}

func TestNewStoreRequiresDatabase(t *testing.T) {
	if _, err := NewStore(StoreConfig{}); err == nil {
		t.Fatalf("expected error for missing database")
	}
}

func TestLoadActiveReturnsOnlyActiveStatuses(t *testing.T) {
	store, db := newTestStore(t)
	seedRecord(t, db, ReservationRecord{CompositeUID: "a_p1", SourceUID: "a", PropertyID: "p1", FeedID: "f1", CheckIn: "2025-08-01", CheckOut: "2025-08-05", EntryType: EntryTypeReservation, ServiceType: ServiceTypeTurnover, OriginPlatform: OriginAirbnb, Status: StatusNew})
	seedRecord(t, db, ReservationRecord{CompositeUID: "b_p1", SourceUID: "b", PropertyID: "p1", FeedID: "f1", CheckIn: "2025-08-06", CheckOut: "2025-08-09", EntryType: EntryTypeReservation, ServiceType: ServiceTypeTurnover, OriginPlatform: OriginAirbnb, Status: StatusModified})
	seedRecord(t, db, ReservationRecord{CompositeUID: "c_p1", SourceUID: "c", PropertyID: "p1", FeedID: "f1", CheckIn: "2025-08-10", CheckOut: "2025-08-12", EntryType: EntryTypeReservation, ServiceType: ServiceTypeTurnover, OriginPlatform: OriginAirbnb, Status: StatusOld})
	seedRecord(t, db, ReservationRecord{CompositeUID: "d_p1", SourceUID: "d", PropertyID: "p1", FeedID: "f1", CheckIn: "2025-08-13", CheckOut: "2025-08-15", EntryType: EntryTypeReservation, ServiceType: ServiceTypeTurnover, OriginPlatform: OriginAirbnb, Status: StatusRemoved})

	active, err := store.LoadActive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active records, got %d", len(active))
	}
	for _, record := range active {
		if !record.Status.Active() {
			t.Fatalf("unexpected non-active record %q with status %q", record.CompositeUID, record.Status)
		}
	}
}

func TestUpdateRequiresRecordID(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.Update(context.Background(), &ReservationRecord{CompositeUID: "x_p1"})
	if err == nil {
		t.Fatalf("expected error for record without id")
	}
}

func TestRetireFeedRetiresOnlyActiveRows(t *testing.T) {
	store, db := newTestStore(t)
	seedRecord(t, db, ReservationRecord{CompositeUID: "a_p1", SourceUID: "a", PropertyID: "p1", FeedID: "f1", CheckIn: "2025-08-01", CheckOut: "2025-08-05", EntryType: EntryTypeReservation, ServiceType: ServiceTypeTurnover, OriginPlatform: OriginAirbnb, Status: StatusNew})
	seedRecord(t, db, ReservationRecord{CompositeUID: "b_p1", SourceUID: "b", PropertyID: "p1", FeedID: "f1", CheckIn: "2025-08-06", CheckOut: "2025-08-09", EntryType: EntryTypeReservation, ServiceType: ServiceTypeTurnover, OriginPlatform: OriginAirbnb, Status: StatusRemoved})
	seedRecord(t, db, ReservationRecord{CompositeUID: "c_p2", SourceUID: "c", PropertyID: "p2", FeedID: "f2", CheckIn: "2025-08-01", CheckOut: "2025-08-05", EntryType: EntryTypeReservation, ServiceType: ServiceTypeTurnover, OriginPlatform: OriginAirbnb, Status: StatusNew})

	retiredAt := time.Date(2025, 8, 1, 6, 0, 0, 0, time.UTC)
	count, err := store.RetireFeed(context.Background(), "f1", retiredAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 retired row, got %d", count)
	}

	var retired ReservationRecord
	if err := db.Where("composite_uid = ?", "a_p1").Take(&retired).Error; err != nil {
		t.Fatalf("failed to load retired record: %v", err)
	}
	if retired.Status != StatusOld {
		t.Fatalf("expected status old, got %q", retired.Status)
	}
	if !retired.LastUpdated.Equal(retiredAt) {
		t.Fatalf("expected last updated stamped with retirement time")
	}

	var untouched ReservationRecord
	if err := db.Where("composite_uid = ?", "c_p2").Take(&untouched).Error; err != nil {
		t.Fatalf("failed to load sibling record: %v", err)
	}
	if untouched.Status != StatusNew {
		t.Fatalf("expected sibling feed untouched, got %q", untouched.Status)
	}
}

func TestCreateManyWritesAllRecords(t *testing.T) {
	store, db := newTestStore(t)
	batch := []*ReservationRecord{
		{CompositeUID: "a_p1", SourceUID: "a", PropertyID: "p1", FeedID: "f1", CheckIn: "2025-08-01", CheckOut: "2025-08-05", EntryType: EntryTypeReservation, ServiceType: ServiceTypeTurnover, OriginPlatform: OriginAirbnb, Status: StatusNew, LastUpdated: time.Now()},
		{CompositeUID: "b_p1", SourceUID: "b", PropertyID: "p1", FeedID: "f1", CheckIn: "2025-08-06", CheckOut: "2025-08-09", EntryType: EntryTypeReservation, ServiceType: ServiceTypeTurnover, OriginPlatform: OriginAirbnb, Status: StatusNew, LastUpdated: time.Now()},
	}
	if err := store.CreateMany(context.Background(), batch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var total int64
	if err := db.Model(&ReservationRecord{}).Count(&total).Error; err != nil {
		t.Fatalf("failed to count records: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 records, got %d", total)
	}
}

func TestUpdateManyRejectsRecordsWithoutID(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.UpdateMany(context.Background(), []*ReservationRecord{{CompositeUID: "a_p1"}})
	if err == nil {
		t.Fatalf("expected error for record without id in batch")
	}
}
