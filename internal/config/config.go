package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "RESERVESYNC"

	defaultDatabasePath       = "reservesync.db"
	defaultLogLevel           = "info"
	defaultInboxDir           = "inbox"
	defaultLookbackMonths     = 1
	defaultLookaheadMonths    = 12
	defaultFetchConcurrency   = 8
	defaultFetchTimeoutSecs   = 30
	defaultPerHostRPS         = 1.0
	defaultUserAgent          = "reservesync/1.0"
	defaultRemovalGraceHours  = 12
	defaultMissThreshold      = 3
	defaultRecentArrivalDays  = 3
	defaultBatchSize          = 50
	defaultDaemonMinIntervalS = 300
	defaultDaemonMaxIntervalS = 900
)

// AppConfig captures runtime configuration for a reconciliation run.
type AppConfig struct {
	DatabasePath string
	LogLevel     string

	// InboxDir is the watched directory where sibling ingestion paths drop
	// delimited feed exports.
	InboxDir string

	// Date window policy.
	LookbackMonths  int
	LookaheadMonths int
	IgnoreEnded     bool

	// Feed acquisition.
	FetchConcurrency int
	FetchTimeout     time.Duration
	PerHostRPS       float64
	UserAgent        string

	// Safe removal policy.
	RemovalGrace      time.Duration
	MissThreshold     int
	RecentArrivalDays int

	// Record store batching.
	BatchSize int

	// Daemon loop bounds.
	DaemonMinInterval time.Duration
	DaemonMaxInterval time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("feeds.inbox_dir", defaultInboxDir)
	configViper.SetDefault("window.lookback_months", defaultLookbackMonths)
	configViper.SetDefault("window.lookahead_months", defaultLookaheadMonths)
	configViper.SetDefault("window.ignore_ended", true)
	configViper.SetDefault("fetch.concurrency", defaultFetchConcurrency)
	configViper.SetDefault("fetch.timeout_seconds", defaultFetchTimeoutSecs)
	configViper.SetDefault("fetch.per_host_rps", defaultPerHostRPS)
	configViper.SetDefault("fetch.user_agent", defaultUserAgent)
	configViper.SetDefault("removal.grace_hours", defaultRemovalGraceHours)
	configViper.SetDefault("removal.miss_threshold", defaultMissThreshold)
	configViper.SetDefault("removal.recent_arrival_days", defaultRecentArrivalDays)
	configViper.SetDefault("store.batch_size", defaultBatchSize)
	configViper.SetDefault("daemon.min_interval_seconds", defaultDaemonMinIntervalS)
	configViper.SetDefault("daemon.max_interval_seconds", defaultDaemonMaxIntervalS)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		InboxDir:          configViper.GetString("feeds.inbox_dir"),
		LookbackMonths:    configViper.GetInt("window.lookback_months"),
		LookaheadMonths:   configViper.GetInt("window.lookahead_months"),
		IgnoreEnded:       configViper.GetBool("window.ignore_ended"),
		FetchConcurrency:  configViper.GetInt("fetch.concurrency"),
		FetchTimeout:      time.Duration(configViper.GetInt("fetch.timeout_seconds")) * time.Second,
		PerHostRPS:        configViper.GetFloat64("fetch.per_host_rps"),
		UserAgent:         configViper.GetString("fetch.user_agent"),
		RemovalGrace:      time.Duration(configViper.GetInt("removal.grace_hours")) * time.Hour,
		MissThreshold:     configViper.GetInt("removal.miss_threshold"),
		RecentArrivalDays: configViper.GetInt("removal.recent_arrival_days"),
		BatchSize:         configViper.GetInt("store.batch_size"),
		DaemonMinInterval: time.Duration(configViper.GetInt("daemon.min_interval_seconds")) * time.Second,
		DaemonMaxInterval: time.Duration(configViper.GetInt("daemon.max_interval_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// validate rejects fatal misconfiguration before any fetch begins.
func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.LookbackMonths < 0 {
		return fmt.Errorf("window.lookback_months must not be negative")
	}
	if c.LookaheadMonths < 0 {
		return fmt.Errorf("window.lookahead_months must not be negative")
	}
	if c.FetchConcurrency < 1 {
		return fmt.Errorf("fetch.concurrency must be at least 1")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be positive")
	}
	if c.MissThreshold < 1 {
		return fmt.Errorf("removal.miss_threshold must be at least 1")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("store.batch_size must be at least 1")
	}
	if c.DaemonMaxInterval < c.DaemonMinInterval {
		return fmt.Errorf("daemon.max_interval_seconds must not be below daemon.min_interval_seconds")
	}
	return nil
}
