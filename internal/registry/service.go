package registry

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew     = "registry.service.new"
	opListSources    = "registry.list_sources"
	opMarkInactive   = "registry.mark_inactive"
	opUpsertRunStats = "registry.upsert_run_stats"
)

// ServiceError carries an operation-scoped failure code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code exposes the dotted operation code for log correlation.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig wires the dependencies of a registry service.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service reads the feed registry and upserts run bookkeeping.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService validates dependencies and returns a registry service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, logger: logger}, nil
}

// ListSources returns every registered feed, regardless of status. The caller
// decides which statuses participate in the run.
func (s *Service) ListSources(ctx context.Context) ([]FeedSource, error) {
	var sources []FeedSource
	if err := s.db.WithContext(ctx).Order("feed_id ASC").Find(&sources).Error; err != nil {
		s.logger.Error("feed source query failed",
			zap.String("operation", opListSources), zap.Error(err))
		return nil, newServiceError(opListSources, "query_failed", err)
	}
	return sources, nil
}

// MarkInactive flips a feed to inactive after its removal pre-pass completed.
func (s *Service) MarkInactive(ctx context.Context, feedID string) error {
	result := s.db.WithContext(ctx).
		Model(&FeedSource{}).
		Where("feed_id = ?", feedID).
		Update("status", FeedStatusInactive)
	if result.Error != nil {
		s.logger.Error("feed deactivation failed",
			zap.String("operation", opMarkInactive),
			zap.String("feed_id", feedID),
			zap.Error(result.Error))
		return newServiceError(opMarkInactive, "update_failed", result.Error)
	}
	return nil
}

// UpsertRunStats writes the per-feed counters for the current run, replacing
// any counters from a previous run.
func (s *Service) UpsertRunStats(ctx context.Context, stats FeedRunStats) error {
	if stats.FeedID == "" {
		return newServiceError(opUpsertRunStats, "missing_feed_id", nil)
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "feed_id"}},
			UpdateAll: true,
		}).
		Create(&stats).Error
	if err != nil {
		s.logger.Error("run stats upsert failed",
			zap.String("operation", opUpsertRunStats),
			zap.String("feed_id", stats.FeedID),
			zap.Error(err))
		return newServiceError(opUpsertRunStats, "upsert_failed", err)
	}
	return nil
}
