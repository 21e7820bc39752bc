package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tidewell/reservesync/internal/config"
	"github.com/tidewell/reservesync/internal/feed"
	"github.com/tidewell/reservesync/internal/records"
	"github.com/tidewell/reservesync/internal/registry"
)

var (
	errMissingStore      = errors.New("record store is required")
	errMissingRegistry   = errors.New("registry service is required")
	errMissingFetcher    = errors.New("fetcher is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opRunnerNew = "reconcile.runner.new"
	opRun       = "reconcile.run"
)

// RunError carries an operation-scoped failure code alongside its cause.
type RunError struct {
	code string
	err  error
}

func (e *RunError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *RunError) Unwrap() error {
	return e.err
}

// Code exposes the dotted operation code for log correlation.
func (e *RunError) Code() string {
	return e.code
}

func newRunError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &RunError{code: code, err: cause}
}

// Summary aggregates the outcome of one reconciliation run.
type Summary struct {
	RunID      string
	Feeds      int
	Fetched    int
	Parsed     int
	Skipped    int
	Created    int
	Modified   int
	Unchanged  int
	Duplicates int
	Removed    int
	Errors     int
	Duration   time.Duration
}

// feedTally accumulates the per-feed bookkeeping counters during a run.
type feedTally struct {
	fetched   int
	parsed    int
	skipped   int
	created   int
	modified  int
	removed   int
	errors    int
	lastError string
}

// RunnerConfig wires the dependencies of a runner.
type RunnerConfig struct {
	Store      *records.Store
	Registry   *registry.Service
	Fetcher    *feed.Fetcher
	App        config.AppConfig
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Runner executes complete reconciliation passes. There is no cross-run
// concurrency: a run must finish or be cleanly aborted before the next starts,
// because the loaded state snapshot would otherwise be stale.
type Runner struct {
	store      *records.Store
	registry   *registry.Service
	fetcher    *feed.Fetcher
	app        config.AppConfig
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewRunner validates dependencies and returns a runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Store == nil {
		return nil, newRunError(opRunnerNew, "missing_store", errMissingStore)
	}
	if cfg.Registry == nil {
		return nil, newRunError(opRunnerNew, "missing_registry", errMissingRegistry)
	}
	if cfg.Fetcher == nil {
		return nil, newRunError(opRunnerNew, "missing_fetcher", errMissingFetcher)
	}
	if cfg.IDProvider == nil {
		return nil, newRunError(opRunnerNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Runner{
		store:      cfg.Store,
		registry:   cfg.Registry,
		fetcher:    cfg.Fetcher,
		app:        cfg.App,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Run executes one reconciliation pass: registry snapshot, removal pre-pass,
// state load, concurrent fetch and parse, detection, safe removal, flush, and
// bookkeeping. Per-feed failures never abort siblings; only run-level
// cancellation or a store failure aborts the pass.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	started := r.clock().UTC()

	runID, err := r.idProvider.NewID()
	if err != nil {
		return Summary{}, newRunError(opRun, "id_generation_failed", err)
	}
	logger := r.logger.With(zap.String("run_id", runID))

	sources, err := r.registry.ListSources(ctx)
	if err != nil {
		return Summary{}, newRunError(opRun, "registry_load_failed", err)
	}

	if err := r.retireRemovedFeeds(ctx, sources, started, logger); err != nil {
		return Summary{}, err
	}

	active := make([]registry.FeedSource, 0, len(sources))
	for _, source := range sources {
		if source.Status == registry.FeedStatusActive {
			active = append(active, source)
		}
	}

	window := feed.NewWindow(started, r.app.LookbackMonths, r.app.LookaheadMonths, r.app.IgnoreEnded)
	runCtx := NewRunContext(runID, started, window, active)

	// The state snapshot and its indexes are built once, synchronously,
	// before any feed's entries are detected against them.
	state, err := LoadState(ctx, r.store)
	if err != nil {
		return Summary{}, newRunError(opRun, "state_load_failed", err)
	}

	tallies := make(map[string]*feedTally, len(active))
	for _, source := range active {
		tallies[source.FeedID] = &feedTally{}
	}

	entries, err := r.acquireEntries(ctx, active, runCtx, tallies, logger)
	if err != nil {
		return Summary{}, err
	}

	writer, err := records.NewBatchWriter(records.BatchWriterConfig{
		Store:        r.store,
		BatchSize:    r.app.BatchSize,
		RunTimestamp: started,
		Logger:       logger,
	})
	if err != nil {
		return Summary{}, newRunError(opRun, "batch_writer_init_failed", err)
	}

	summary := Summary{RunID: runID, Feeds: len(active)}
	detector := NewDetector(state, NewSlotClaims())
	lifecycle := NewLifecycle(writer, runCtx)
	flags := CalculateFlags(entries)
	sighted := make(map[string]struct{}, len(entries))

	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return Summary{}, newRunError(opRun, "cancelled", err)
		}

		decision := detector.Decide(entry, flags[i])
		applied, err := lifecycle.Apply(ctx, decision)
		if err != nil {
			return Summary{}, newRunError(opRun, "apply_failed", err)
		}

		tally := tallies[entry.FeedID]
		switch applied {
		case ActionInsert:
			summary.Created++
			if tally != nil {
				tally.created++
			}
		case ActionModify, ActionUIDChange:
			summary.Modified++
			if tally != nil {
				tally.modified++
			}
			for _, record := range decision.Existing {
				sighted[record.IdentityKey()] = struct{}{}
			}
		case ActionUnchanged:
			summary.Unchanged++
			for _, record := range decision.Existing {
				sighted[record.IdentityKey()] = struct{}{}
				if err := r.resetMissing(ctx, writer, record); err != nil {
					return Summary{}, newRunError(opRun, "missing_reset_failed", err)
				}
			}
		case ActionDuplicateIgnore:
			summary.Duplicates++
		}
	}

	removed, err := r.applySafeRemoval(ctx, state, sighted, runCtx, lifecycle, writer, tallies, logger)
	if err != nil {
		return Summary{}, err
	}
	summary.Removed = removed

	if err := writer.Flush(ctx); err != nil {
		return Summary{}, newRunError(opRun, "flush_failed", err)
	}

	// Bookkeeping commits only after the run survived to this point; an
	// aborted run leaves the previous counters untouched.
	if err := ctx.Err(); err != nil {
		return Summary{}, newRunError(opRun, "cancelled", err)
	}
	for _, source := range active {
		tally := tallies[source.FeedID]
		stats := registry.FeedRunStats{
			FeedID:    source.FeedID,
			RunID:     runID,
			Fetched:   tally.fetched,
			Parsed:    tally.parsed,
			Skipped:   tally.skipped,
			Created:   tally.created,
			Modified:  tally.modified,
			Removed:   tally.removed,
			Errors:    tally.errors,
			LastError: tally.lastError,
			UpdatedAt: started,
		}
		if err := r.registry.UpsertRunStats(ctx, stats); err != nil {
			logger.Error("bookkeeping upsert failed",
				zap.String("feed_id", source.FeedID), zap.Error(err))
		}
		summary.Fetched += tally.fetched
		summary.Parsed += tally.parsed
		summary.Skipped += tally.skipped
		summary.Errors += tally.errors
	}

	summary.Duration = r.clock().UTC().Sub(started)
	writeStats := writer.Stats()
	logger.Info("reconciliation run complete",
		zap.Int("feeds", summary.Feeds),
		zap.Int("fetched", summary.Fetched),
		zap.Int("parsed", summary.Parsed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("created", summary.Created),
		zap.Int("modified", summary.Modified),
		zap.Int("unchanged", summary.Unchanged),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("removed", summary.Removed),
		zap.Int("errors", summary.Errors),
		zap.Int("writes_failed", writeStats.Failed),
		zap.Duration("duration", summary.Duration))

	return summary, nil
}

// retireRemovedFeeds retires every active record of feeds the registry flags
// for removal, then deactivates those feeds, before the run proper begins.
func (r *Runner) retireRemovedFeeds(ctx context.Context, sources []registry.FeedSource, now time.Time, logger *zap.Logger) error {
	for _, source := range sources {
		if source.Status != registry.FeedStatusRemove {
			continue
		}
		retired, err := r.store.RetireFeed(ctx, source.FeedID, now)
		if err != nil {
			return newRunError(opRun, "feed_retire_failed", err)
		}
		if err := r.registry.MarkInactive(ctx, source.FeedID); err != nil {
			return newRunError(opRun, "feed_deactivate_failed", err)
		}
		logger.Info("feed flagged for removal retired",
			zap.String("feed_id", source.FeedID),
			zap.Int64("records_retired", retired))
	}
	return nil
}

// acquireEntries fetches every active feed concurrently and parses each
// feed's content into entries. Per-feed failures land in the tally and
// contribute zero entries.
func (r *Runner) acquireEntries(ctx context.Context, active []registry.FeedSource, runCtx RunContext, tallies map[string]*feedTally, logger *zap.Logger) ([]feed.Entry, error) {
	results := r.fetcher.FetchAll(ctx, active)
	if err := ctx.Err(); err != nil {
		return nil, newRunError(opRun, "cancelled", err)
	}

	parser := feed.NewParser(feed.ParserConfig{Window: runCtx.Window, Logger: logger})
	perFeed := make([][]feed.Entry, len(results))
	statsPerFeed := make([]feed.ParseStats, len(results))
	parseErrs := make([]error, len(results))

	group, _ := errgroup.WithContext(ctx)
	for i, result := range results {
		i, result := i, result
		group.Go(func() error {
			switch {
			case result.Err != nil:
				// Recorded below; the feed contributes zero entries.
			case result.Skipped:
				body, name, err := r.readLocalFeed(result.Source)
				if err != nil {
					parseErrs[i] = err
					return nil
				}
				if name == "" {
					// Not a recognized local marker either; nothing to parse.
					return nil
				}
				entries, stats, err := parser.ParseDelimited(body, result.Source)
				if err != nil {
					parseErrs[i] = err
					return nil
				}
				perFeed[i] = entries
				statsPerFeed[i] = stats
			default:
				entries, stats, err := parser.ParseCalendar(result.Body, result.Source)
				if err != nil {
					parseErrs[i] = err
					return nil
				}
				perFeed[i] = entries
				statsPerFeed[i] = stats
			}
			return nil
		})
	}
	_ = group.Wait()

	var entries []feed.Entry
	for i, result := range results {
		tally := tallies[result.Source.FeedID]
		if tally == nil {
			continue
		}
		if result.Err != nil {
			tally.errors++
			tally.lastError = result.Err.Error()
			logger.Warn("feed fetch failed",
				zap.String("feed_id", result.Source.FeedID),
				zap.Error(result.Err))
			continue
		}
		if parseErrs[i] != nil {
			tally.errors++
			tally.lastError = parseErrs[i].Error()
			logger.Warn("feed parse failed",
				zap.String("feed_id", result.Source.FeedID),
				zap.Error(parseErrs[i]))
			continue
		}
		tally.fetched++
		tally.parsed += statsPerFeed[i].Parsed
		tally.skipped += statsPerFeed[i].SkippedWindow + statsPerFeed[i].SkippedInvalid
		entries = append(entries, perFeed[i]...)
	}
	return entries, nil
}

// readLocalFeed resolves a local-file marker against the watched directory.
func (r *Runner) readLocalFeed(source registry.FeedSource) ([]byte, string, error) {
	name, ok := feed.LocalFileName(source.URL)
	if !ok {
		return nil, "", nil
	}
	body, err := os.ReadFile(filepath.Join(r.app.InboxDir, name))
	if err != nil {
		return nil, name, fmt.Errorf("read local feed: %w", err)
	}
	return body, name, nil
}

// resetMissing clears absence tracking for a record that reappeared.
func (r *Runner) resetMissing(ctx context.Context, writer *records.BatchWriter, record *records.ReservationRecord) error {
	if record.MissingCount == 0 && record.MissingSince == nil {
		return nil
	}
	record.MissingCount = 0
	record.MissingSince = nil
	record.LastSeenAt = r.clock().UTC()
	return writer.QueueUpdate(ctx, record)
}

// applySafeRemoval runs the safe removal policy over every active record that
// was not sighted in this run's parsed entries. Records belonging to feeds
// outside the run's registered sources are left alone: their absence from the
// fetched entries is not evidence of withdrawal.
func (r *Runner) applySafeRemoval(ctx context.Context, state *State, sighted map[string]struct{}, runCtx RunContext, lifecycle *Lifecycle, writer *records.BatchWriter, tallies map[string]*feedTally, logger *zap.Logger) (int, error) {
	policy := RemovalPolicy{
		Grace:             r.app.RemovalGrace,
		MissThreshold:     r.app.MissThreshold,
		RecentArrivalDays: r.app.RecentArrivalDays,
	}
	now := r.clock().UTC()
	removed := 0

	for _, record := range state.All() {
		if _, ok := runCtx.Sources[record.FeedID]; !ok {
			continue
		}
		if _, ok := sighted[record.IdentityKey()]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return removed, newRunError(opRun, "cancelled", err)
		}

		switch policy.Evaluate(record, now) {
		case VerdictExempt, VerdictWithinGrace:
			// No action.
		case VerdictTrack:
			since := now
			record.MissingSince = &since
			record.MissingCount = 1
			if err := writer.QueueUpdate(ctx, record); err != nil {
				return removed, newRunError(opRun, "missing_track_failed", err)
			}
		case VerdictIncrement:
			record.MissingCount++
			if err := writer.QueueUpdate(ctx, record); err != nil {
				return removed, newRunError(opRun, "missing_increment_failed", err)
			}
		case VerdictRetire:
			record.MissingCount++
			if _, err := lifecycle.RetireAsRemoved(ctx, record); err != nil {
				return removed, newRunError(opRun, "removal_failed", err)
			}
			removed++
			if tally := tallies[record.FeedID]; tally != nil {
				tally.removed++
			}
			logger.Info("record confirmed withdrawn",
				zap.String("composite_uid", record.CompositeUID),
				zap.String("feed_id", record.FeedID),
				zap.String("property", runCtx.PropertyName(record.PropertyID)),
				zap.Int("missing_count", record.MissingCount))
		}
	}
	return removed, nil
}
