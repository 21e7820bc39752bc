package registry

import (
	"strings"
	"time"
)

// FeedStatus controls whether a registered feed participates in runs.
type FeedStatus string

const (
	// FeedStatusActive feeds are fetched and reconciled every run.
	FeedStatusActive FeedStatus = "active"
	// FeedStatusRemove feeds have all their active records retired before the
	// run proper begins, then drop to inactive.
	FeedStatusRemove FeedStatus = "remove"
	// FeedStatusInactive feeds are ignored.
	FeedStatusInactive FeedStatus = "inactive"
)

// FeedSource maps a feed identifier to exactly one property.
type FeedSource struct {
	FeedID       string     `gorm:"column:feed_id;primaryKey;size:190;not null"`
	URL          string     `gorm:"column:url;size:1024;not null"`
	PropertyID   string     `gorm:"column:property_id;size:190;not null;index"`
	PropertyName string     `gorm:"column:property_name;size:320;not null;default:''"`
	Status       FeedStatus `gorm:"column:status;size:16;not null;default:'active'"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (FeedSource) TableName() string {
	return "feed_sources"
}

// Remote reports whether the feed is fetched over HTTP. Anything else is a
// local-file marker handled by the watched-directory ingestion path.
func (f FeedSource) Remote() bool {
	url := strings.ToLower(strings.TrimSpace(f.URL))
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// FeedRunStats records per-feed counters for the most recent run, upserted
// once per feed per run for operational visibility.
type FeedRunStats struct {
	FeedID    string    `gorm:"column:feed_id;primaryKey;size:190;not null"`
	RunID     string    `gorm:"column:run_id;size:64;not null"`
	Fetched   int       `gorm:"column:fetched;not null;default:0"`
	Parsed    int       `gorm:"column:parsed;not null;default:0"`
	Skipped   int       `gorm:"column:skipped;not null;default:0"`
	Created   int       `gorm:"column:created;not null;default:0"`
	Modified  int       `gorm:"column:modified;not null;default:0"`
	Removed   int       `gorm:"column:removed;not null;default:0"`
	Errors    int       `gorm:"column:errors;not null;default:0"`
	LastError string    `gorm:"column:last_error;size:1024;not null;default:''"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FeedRunStats) TableName() string {
	return "feed_run_stats"
}
