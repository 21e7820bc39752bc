package records

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// WriteStats counts the outcome of all writes issued through one writer.
type WriteStats struct {
	Created int
	Updated int
	Failed  int
}

// BatchWriterConfig wires the dependencies of a batch writer.
type BatchWriterConfig struct {
	Store *Store
	// BatchSize bounds how many pending operations accumulate before a flush.
	BatchSize int
	// RunTimestamp is stamped as LastUpdated on every record the writer touches.
	RunTimestamp time.Time
	Logger       *zap.Logger
}

// BatchWriter coalesces pending creates and updates into bounded batches.
// When a batch write fails it falls back to issuing the same operations
// individually so one malformed record does not block the rest. A record whose
// individual write also fails is logged and left in its prior state for the
// next run.
type BatchWriter struct {
	store        *Store
	batchSize    int
	runTimestamp time.Time
	logger       *zap.Logger

	pendingCreates []*ReservationRecord
	pendingUpdates []*ReservationRecord
	stats          WriteStats
}

// NewBatchWriter validates dependencies and returns a writer for one run.
func NewBatchWriter(cfg BatchWriterConfig) (*BatchWriter, error) {
	if cfg.Store == nil {
		return nil, newStoreError("records.batch_writer.new", "missing_store", errMissingDatabase)
	}
	batchSize := cfg.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	runTimestamp := cfg.RunTimestamp
	if runTimestamp.IsZero() {
		runTimestamp = time.Now().UTC()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &BatchWriter{
		store:        cfg.Store,
		batchSize:    batchSize,
		runTimestamp: runTimestamp,
		logger:       logger,
	}, nil
}

// QueueCreate stages a record for insertion, flushing if the batch is full.
// An auto-flush drains pending updates first so a retire queued alongside its
// replacement clone always lands before the clone.
func (w *BatchWriter) QueueCreate(ctx context.Context, record *ReservationRecord) error {
	record.LastUpdated = w.runTimestamp
	w.pendingCreates = append(w.pendingCreates, record)
	if len(w.pendingCreates) >= w.batchSize {
		if err := w.flushUpdates(ctx); err != nil {
			return err
		}
		return w.flushCreates(ctx)
	}
	return nil
}

// QueueUpdate stages a record for saving, flushing if the batch is full.
func (w *BatchWriter) QueueUpdate(ctx context.Context, record *ReservationRecord) error {
	record.LastUpdated = w.runTimestamp
	w.pendingUpdates = append(w.pendingUpdates, record)
	if len(w.pendingUpdates) >= w.batchSize {
		return w.flushUpdates(ctx)
	}
	return nil
}

// Flush writes every pending operation. Updates drain before creates so that
// clone-and-retire batches retire old rows before their replacement appears.
func (w *BatchWriter) Flush(ctx context.Context) error {
	if err := w.flushUpdates(ctx); err != nil {
		return err
	}
	return w.flushCreates(ctx)
}

// Stats returns the cumulative write outcome for the run.
func (w *BatchWriter) Stats() WriteStats {
	return w.stats
}

func (w *BatchWriter) flushCreates(ctx context.Context) error {
	if len(w.pendingCreates) == 0 {
		return nil
	}
	batch := w.pendingCreates
	w.pendingCreates = nil

	err := w.store.CreateMany(ctx, batch)
	if err == nil {
		w.stats.Created += len(batch)
		return nil
	}
	w.logger.Warn("batch insert failed, retrying records individually",
		zap.Int("batch_size", len(batch)), zap.Error(err))

	for _, record := range batch {
		if err := w.store.Create(ctx, record); err != nil {
			w.stats.Failed++
			w.logger.Error("record insert failed",
				zap.String("composite_uid", record.CompositeUID),
				zap.String("feed_id", record.FeedID),
				zap.Error(err))
			continue
		}
		w.stats.Created++
	}
	return nil
}

func (w *BatchWriter) flushUpdates(ctx context.Context) error {
	if len(w.pendingUpdates) == 0 {
		return nil
	}
	batch := w.pendingUpdates
	w.pendingUpdates = nil

	err := w.store.UpdateMany(ctx, batch)
	if err == nil {
		w.stats.Updated += len(batch)
		return nil
	}
	w.logger.Warn("batch save failed, retrying records individually",
		zap.Int("batch_size", len(batch)), zap.Error(err))

	for _, record := range batch {
		if err := w.store.Update(ctx, record); err != nil {
			w.stats.Failed++
			w.logger.Error("record save failed",
				zap.String("composite_uid", record.CompositeUID),
				zap.String("feed_id", record.FeedID),
				zap.Error(err))
			continue
		}
		w.stats.Updated++
	}
	return nil
}
