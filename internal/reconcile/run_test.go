package reconcile

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/tidewell/reservesync/internal/config"
	"github.com/tidewell/reservesync/internal/feed"
	"github.com/tidewell/reservesync/internal/records"
	"github.com/tidewell/reservesync/internal/registry"
)

// calendarServer serves a swappable iCal document for runner tests.
type calendarServer struct {
	mu     sync.Mutex
	body   string
	server *httptest.Server
}

func newCalendarServer(t *testing.T) *calendarServer {
	t.Helper()
	cs := &calendarServer{}
	cs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		body := cs.body
		cs.mu.Unlock()
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(cs.server.Close)
	return cs
}

func (cs *calendarServer) serve(events ...string) {
	lines := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//Airbnb Inc//Hosting Calendar 1.0//EN"}
	lines = append(lines, events...)
	lines = append(lines, "END:VCALENDAR", "")
	cs.mu.Lock()
	cs.body = strings.Join(lines, "\r\n")
	cs.mu.Unlock()
}

func (cs *calendarServer) serveRaw(body string) {
	cs.mu.Lock()
	cs.body = body
	cs.mu.Unlock()
}

func calendarEvent(uid, start, end, summary string) []string {
	return []string{
		"BEGIN:VEVENT",
		"UID:" + uid,
		"DTSTART;VALUE=DATE:" + start,
		"DTEND;VALUE=DATE:" + end,
		"SUMMARY:" + summary,
		"END:VEVENT",
	}
}

type runnerHarness struct {
	runner   *Runner
	store    *records.Store
	registry *registry.Service
	db       *gorm.DB
	now      time.Time
	mu       sync.Mutex
}

func (h *runnerHarness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *runnerHarness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

type sequenceIDProvider struct {
	mu sync.Mutex
	n  int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return fmt.Sprintf("run-%d", p.n), nil
}

func newRunnerHarness(t *testing.T, sources ...registry.FeedSource) *runnerHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&records.ReservationRecord{}, &registry.FeedSource{}, &registry.FeedRunStats{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	for _, source := range sources {
		if err := db.Create(&source).Error; err != nil {
			t.Fatalf("failed to seed feed source: %v", err)
		}
	}

	store, err := records.NewStore(records.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	registryService, err := registry.NewService(registry.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build registry service: %v", err)
	}
	fetcher := feed.NewFetcher(feed.FetcherConfig{Concurrency: 2, Timeout: 5 * time.Second})

	harness := &runnerHarness{
		store:    store,
		registry: registryService,
		db:       db,
		now:      time.Date(2025, 8, 14, 6, 0, 0, 0, time.UTC),
	}

	app := config.AppConfig{
		LookbackMonths:    1,
		LookaheadMonths:   12,
		IgnoreEnded:       false,
		FetchConcurrency:  2,
		FetchTimeout:      5 * time.Second,
		RemovalGrace:      12 * time.Hour,
		MissThreshold:     3,
		RecentArrivalDays: 3,
		BatchSize:         10,
	}
	runner, err := NewRunner(RunnerConfig{
		Store:      store,
		Registry:   registryService,
		Fetcher:    fetcher,
		App:        app,
		Clock:      harness.clock,
		IDProvider: &sequenceIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to build runner: %v", err)
	}
	harness.runner = runner
	return harness
}

func (h *runnerHarness) run(t *testing.T) Summary {
	t.Helper()
	summary, err := h.runner.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	return summary
}

func (h *runnerHarness) activeRecords(t *testing.T) []records.ReservationRecord {
	t.Helper()
	active, err := h.store.LoadActive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return active
}

func activeSource(feedID, propertyID, url string) registry.FeedSource {
	return registry.FeedSource{
		FeedID:     feedID,
		URL:        url,
		PropertyID: propertyID,
		Status:     registry.FeedStatusActive,
	}
}

func TestRunLifecycleAcrossRuns(t *testing.T) {
	calendar := newCalendarServer(t)
	harness := newRunnerHarness(t, activeSource("feed-a", "p1", calendar.server.URL))

	// First sighting inserts a new record.
	calendar.serve(calendarEvent("uid-1@airbnb.com", "20250901", "20250905", "Reserved")...)
	summary := harness.run(t)
	if summary.Created != 1 || summary.Modified != 0 || summary.Removed != 0 {
		t.Fatalf("unexpected first-run summary %+v", summary)
	}
	active := harness.activeRecords(t)
	if len(active) != 1 || active[0].Status != records.StatusNew {
		t.Fatalf("expected single new record, got %+v", active)
	}

	// The identical feed content is a no-op.
	summary = harness.run(t)
	if summary.Unchanged != 1 || summary.Created != 0 || summary.Modified != 0 {
		t.Fatalf("expected idempotent second run, got %+v", summary)
	}
	if got := harness.activeRecords(t); len(got) != 1 || got[0].ID != active[0].ID {
		t.Fatalf("expected record untouched, got %+v", got)
	}

	// Changed dates clone-and-retire.
	calendar.serve(calendarEvent("uid-1@airbnb.com", "20250902", "20250906", "Reserved")...)
	summary = harness.run(t)
	if summary.Modified != 1 {
		t.Fatalf("expected modify on date change, got %+v", summary)
	}
	active = harness.activeRecords(t)
	if len(active) != 1 || active[0].Status != records.StatusModified {
		t.Fatalf("expected single modified record, got %+v", active)
	}
	if active[0].CheckIn != "2025-09-02" || active[0].CheckOut != "2025-09-06" {
		t.Fatalf("expected clone dates, got %q..%q", active[0].CheckIn, active[0].CheckOut)
	}
	var old int64
	if err := harness.db.Model(&records.ReservationRecord{}).Where("status = ?", records.StatusOld).Count(&old).Error; err != nil {
		t.Fatalf("failed to count retired rows: %v", err)
	}
	if old != 1 {
		t.Fatalf("expected one retired row, got %d", old)
	}

	// The entry disappears: first miss only starts the absence clock.
	calendar.serve()
	summary = harness.run(t)
	if summary.Removed != 0 {
		t.Fatalf("expected no removal on first miss, got %+v", summary)
	}
	active = harness.activeRecords(t)
	if len(active) != 1 || active[0].MissingCount != 1 || active[0].MissingSince == nil {
		t.Fatalf("expected absence tracked, got %+v", active)
	}

	// Second confirmed absence after the grace period increments.
	harness.advance(13 * time.Hour)
	summary = harness.run(t)
	if summary.Removed != 0 {
		t.Fatalf("expected no removal below threshold, got %+v", summary)
	}
	if active = harness.activeRecords(t); active[0].MissingCount != 2 {
		t.Fatalf("expected second absence counted, got %+v", active)
	}

	// Third confirmed absence reaches the threshold and retires the record.
	harness.advance(13 * time.Hour)
	summary = harness.run(t)
	if summary.Removed != 1 {
		t.Fatalf("expected removal at threshold, got %+v", summary)
	}
	if active = harness.activeRecords(t); len(active) != 0 {
		t.Fatalf("expected no active records, got %+v", active)
	}
	var removed records.ReservationRecord
	if err := harness.db.Where("status = ?", records.StatusRemoved).Take(&removed).Error; err != nil {
		t.Fatalf("failed to load removed clone: %v", err)
	}
	if removed.MissingCount != 3 {
		t.Fatalf("expected three recorded absences, got %d", removed.MissingCount)
	}
}

func TestRunReappearanceResetsAbsenceTracking(t *testing.T) {
	calendar := newCalendarServer(t)
	harness := newRunnerHarness(t, activeSource("feed-a", "p1", calendar.server.URL))

	calendar.serve(calendarEvent("uid-1@airbnb.com", "20250901", "20250905", "Reserved")...)
	harness.run(t)

	calendar.serve()
	harness.run(t)
	harness.advance(13 * time.Hour)
	harness.run(t)
	if active := harness.activeRecords(t); active[0].MissingCount != 2 {
		t.Fatalf("expected two absences before reappearance, got %+v", active)
	}

	// The entry comes back: tracking resets instead of marching to removal.
	calendar.serve(calendarEvent("uid-1@airbnb.com", "20250901", "20250905", "Reserved")...)
	summary := harness.run(t)
	if summary.Unchanged != 1 {
		t.Fatalf("expected unchanged sighting, got %+v", summary)
	}
	active := harness.activeRecords(t)
	if active[0].MissingCount != 0 || active[0].MissingSince != nil {
		t.Fatalf("expected tracking reset, got %+v", active[0])
	}
}

func TestRunUIDRotationPreservesBooking(t *testing.T) {
	calendar := newCalendarServer(t)
	harness := newRunnerHarness(t, activeSource("feed-a", "p1", calendar.server.URL))

	calendar.serve(calendarEvent("uid-old@airbnb.com", "20250901", "20250905", "Reserved")...)
	harness.run(t)

	// The provider regenerates the uid for the same stay.
	calendar.serve(calendarEvent("uid-new@airbnb.com", "20250901", "20250905", "Reserved")...)
	summary := harness.run(t)
	if summary.Modified != 1 || summary.Removed != 0 {
		t.Fatalf("expected uid rotation reconciled without removal, got %+v", summary)
	}

	active := harness.activeRecords(t)
	if len(active) != 1 {
		t.Fatalf("expected one active record, got %d", len(active))
	}
	if active[0].SourceUID != "uid-new@airbnb.com" || active[0].Status != records.StatusNew {
		t.Fatalf("expected replacement under the rotated uid, got %+v", active[0])
	}
}

func TestRunCrossFeedDuplicateIgnored(t *testing.T) {
	first := newCalendarServer(t)
	second := newCalendarServer(t)
	harness := newRunnerHarness(t,
		activeSource("feed-a", "p1", first.server.URL),
		activeSource("feed-b", "p1", second.server.URL),
	)

	first.serve(calendarEvent("uid-a@airbnb.com", "20250901", "20250905", "Reserved")...)
	second.serve(calendarEvent("uid-b@vrbo.com", "20250901", "20250905", "Reserved")...)

	summary := harness.run(t)
	if summary.Created != 1 || summary.Duplicates != 1 {
		t.Fatalf("expected one insert and one ignored duplicate, got %+v", summary)
	}
	if active := harness.activeRecords(t); len(active) != 1 {
		t.Fatalf("expected single active record for the slot, got %+v", active)
	}
}

func TestRunSlotCollisionKeepsOneActiveRecord(t *testing.T) {
	calendar := newCalendarServer(t)
	harness := newRunnerHarness(t, activeSource("feed-a", "p1", calendar.server.URL))

	calendar.serve(calendarEvent("uid-a@airbnb.com", "20250901", "20250905", "Reserved")...)
	harness.run(t)

	// uid-a moves onto the same stay a brand-new uid-b also claims. Only one
	// of them may end the run active on that slot.
	var events []string
	events = append(events, calendarEvent("uid-a@airbnb.com", "20250910", "20250915", "Reserved")...)
	events = append(events, calendarEvent("uid-b@airbnb.com", "20250910", "20250915", "Reserved")...)
	calendar.serve(events...)

	summary := harness.run(t)
	if summary.Modified != 1 || summary.Duplicates != 1 {
		t.Fatalf("expected one modify and one ignored duplicate, got %+v", summary)
	}

	active := harness.activeRecords(t)
	slots := make(map[string]string, len(active))
	for _, record := range active {
		key := record.PropertyID + "|" + record.CheckIn + "|" + record.CheckOut + "|" + string(record.EntryType)
		if holder, taken := slots[key]; taken {
			t.Fatalf("records %q and %q both active on slot %s", holder, record.CompositeUID, key)
		}
		slots[key] = record.CompositeUID
	}
	if len(active) != 1 || active[0].SourceUID != "uid-a@airbnb.com" {
		t.Fatalf("expected only the moved booking active, got %+v", active)
	}
}

func TestRunMalformedFeedCountsAsError(t *testing.T) {
	calendar := newCalendarServer(t)
	harness := newRunnerHarness(t, activeSource("feed-a", "p1", calendar.server.URL))

	// The provider serves a sign-in page instead of a calendar.
	calendar.serveRaw("<html><body>sign in to continue</body></html>")

	summary := harness.run(t)
	if summary.Errors != 1 {
		t.Fatalf("expected malformed feed counted as error, got %+v", summary)
	}
	if summary.Fetched != 0 || summary.Parsed != 0 {
		t.Fatalf("expected no fetched or parsed counts, got %+v", summary)
	}

	var stats registry.FeedRunStats
	if err := harness.db.Where("feed_id = ?", "feed-a").Take(&stats).Error; err != nil {
		t.Fatalf("failed to load run stats: %v", err)
	}
	if stats.Errors != 1 || stats.LastError == "" {
		t.Fatalf("expected error recorded in bookkeeping, got %+v", stats)
	}
}

func TestRunIgnoresRecordsOfUnregisteredFeeds(t *testing.T) {
	calendar := newCalendarServer(t)
	harness := newRunnerHarness(t, activeSource("feed-a", "p1", calendar.server.URL))
	calendar.serve(calendarEvent("uid-1@airbnb.com", "20250901", "20250905", "Reserved")...)

	// A record from a feed the registry no longer lists: this run's feeds
	// carry no evidence about it, so absence tracking must leave it alone.
	orphan := records.ReservationRecord{
		CompositeUID:   "uid-ghost@airbnb.com_p9",
		SourceUID:      "uid-ghost@airbnb.com",
		PropertyID:     "p9",
		FeedID:         "feed-ghost",
		CheckIn:        "2025-09-10",
		CheckOut:       "2025-09-15",
		EntryType:      records.EntryTypeReservation,
		ServiceType:    records.ServiceTypeTurnover,
		OriginPlatform: records.OriginAirbnb,
		Status:         records.StatusNew,
		LastUpdated:    harness.clock(),
	}
	if err := harness.store.Create(context.Background(), &orphan); err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}

	for i := 0; i < 5; i++ {
		harness.run(t)
		harness.advance(13 * time.Hour)
	}

	var stored records.ReservationRecord
	if err := harness.db.First(&stored, orphan.ID).Error; err != nil {
		t.Fatalf("failed to load record: %v", err)
	}
	if stored.Status != records.StatusNew || stored.MissingCount != 0 || stored.MissingSince != nil {
		t.Fatalf("expected orphaned record untouched, got %+v", stored)
	}
}

func TestRunFeedFailureDoesNotTriggerImmediateRemoval(t *testing.T) {
	calendar := newCalendarServer(t)
	harness := newRunnerHarness(t, activeSource("feed-a", "p1", calendar.server.URL))

	calendar.serve(calendarEvent("uid-1@airbnb.com", "20250901", "20250905", "Reserved")...)
	harness.run(t)

	// The feed starts failing; the miss goes through grace and threshold
	// instead of removing anything outright.
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer broken.Close()
	if err := harness.db.Model(&registry.FeedSource{}).Where("feed_id = ?", "feed-a").Update("url", broken.URL).Error; err != nil {
		t.Fatalf("failed to repoint feed: %v", err)
	}

	summary := harness.run(t)
	if summary.Errors != 1 {
		t.Fatalf("expected fetch failure counted, got %+v", summary)
	}
	if summary.Removed != 0 {
		t.Fatalf("expected no removal from a single failed fetch, got %+v", summary)
	}
	active := harness.activeRecords(t)
	if len(active) != 1 || active[0].MissingCount != 1 {
		t.Fatalf("expected record merely tracked, got %+v", active)
	}
}

func TestRunExemptionsOverrideRemoval(t *testing.T) {
	calendar := newCalendarServer(t)
	harness := newRunnerHarness(t, activeSource("feed-a", "p1", calendar.server.URL))

	calendar.serve(calendarEvent("uid-1@airbnb.com", "20250901", "20250905", "Reserved")...)
	harness.run(t)

	// A downstream job is dispatched against the record.
	if err := harness.db.Model(&records.ReservationRecord{}).
		Where("source_uid = ?", "uid-1@airbnb.com").
		Updates(map[string]interface{}{"job_id": "job-1", "job_status": records.JobStatusInProgress}).Error; err != nil {
		t.Fatalf("failed to attach job: %v", err)
	}

	calendar.serve()
	for i := 0; i < 5; i++ {
		harness.run(t)
		harness.advance(13 * time.Hour)
	}

	active := harness.activeRecords(t)
	if len(active) != 1 {
		t.Fatalf("expected exempt record still active, got %+v", active)
	}
	if active[0].MissingCount != 0 {
		t.Fatalf("expected exemption to skip tracking, got %+v", active[0])
	}
}

func TestRunRetiresFeedsFlaggedForRemoval(t *testing.T) {
	calendar := newCalendarServer(t)
	harness := newRunnerHarness(t, activeSource("feed-a", "p1", calendar.server.URL))

	calendar.serve(calendarEvent("uid-1@airbnb.com", "20250901", "20250905", "Reserved")...)
	harness.run(t)

	if err := harness.db.Model(&registry.FeedSource{}).Where("feed_id = ?", "feed-a").Update("status", registry.FeedStatusRemove).Error; err != nil {
		t.Fatalf("failed to flag feed: %v", err)
	}

	summary := harness.run(t)
	if summary.Feeds != 0 {
		t.Fatalf("expected no active feeds after pre-pass, got %+v", summary)
	}
	if active := harness.activeRecords(t); len(active) != 0 {
		t.Fatalf("expected feed records retired, got %+v", active)
	}

	var source registry.FeedSource
	if err := harness.db.Where("feed_id = ?", "feed-a").Take(&source).Error; err != nil {
		t.Fatalf("failed to load source: %v", err)
	}
	if source.Status != registry.FeedStatusInactive {
		t.Fatalf("expected feed deactivated, got %q", source.Status)
	}
}

func TestRunWritesBookkeeping(t *testing.T) {
	calendar := newCalendarServer(t)
	harness := newRunnerHarness(t, activeSource("feed-a", "p1", calendar.server.URL))

	calendar.serve(calendarEvent("uid-1@airbnb.com", "20250901", "20250905", "Reserved")...)
	summary := harness.run(t)

	var stats registry.FeedRunStats
	if err := harness.db.Where("feed_id = ?", "feed-a").Take(&stats).Error; err != nil {
		t.Fatalf("failed to load run stats: %v", err)
	}
	if stats.RunID != summary.RunID {
		t.Fatalf("expected bookkeeping stamped with run id %q, got %q", summary.RunID, stats.RunID)
	}
	if stats.Fetched != 1 || stats.Parsed != 1 || stats.Created != 1 {
		t.Fatalf("unexpected bookkeeping counters %+v", stats)
	}
}
