package main

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tidewell/reservesync/internal/config"
	"github.com/tidewell/reservesync/internal/database"
	"github.com/tidewell/reservesync/internal/feed"
	"github.com/tidewell/reservesync/internal/logging"
	"github.com/tidewell/reservesync/internal/reconcile"
	"github.com/tidewell/reservesync/internal/records"
	"github.com/tidewell/reservesync/internal/registry"
)

var (
	cfgFile string
	daemon  bool
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "reservesync",
		Short: "Reservation feed reconciliation engine",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().BoolVar(&daemon, "daemon", false, "Run forever with jittered sleeps between runs")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("inbox-dir", defaults.GetString("feeds.inbox_dir"), "Watched directory for delimited feed exports")
	cmd.PersistentFlags().Int("lookback-months", defaults.GetInt("window.lookback_months"), "Date window lookback in months")
	cmd.PersistentFlags().Int("lookahead-months", defaults.GetInt("window.lookahead_months"), "Date window lookahead in months")
	cmd.PersistentFlags().Int("fetch-concurrency", defaults.GetInt("fetch.concurrency"), "Concurrent feed fetch cap")
	cmd.PersistentFlags().Int("miss-threshold", defaults.GetInt("removal.miss_threshold"), "Consecutive absences before a record is removed")
	cmd.PersistentFlags().Int("batch-size", defaults.GetInt("store.batch_size"), "Record store write batch size")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "feeds.inbox_dir", "inbox-dir")
	bindFlag(cmd, "window.lookback_months", "lookback-months")
	bindFlag(cmd, "window.lookahead_months", "lookahead-months")
	bindFlag(cmd, "fetch.concurrency", "fetch-concurrency")
	bindFlag(cmd, "removal.miss_threshold", "miss-threshold")
	bindFlag(cmd, "store.batch_size", "batch-size")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func run(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := records.NewStore(records.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	registryService, err := registry.NewService(registry.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	fetcher := feed.NewFetcher(feed.FetcherConfig{
		Concurrency: appConfig.FetchConcurrency,
		Timeout:     appConfig.FetchTimeout,
		PerHostRPS:  appConfig.PerHostRPS,
		UserAgent:   appConfig.UserAgent,
		Logger:      logger,
	})

	runner, err := reconcile.NewRunner(reconcile.RunnerConfig{
		Store:      store,
		Registry:   registryService,
		Fetcher:    fetcher,
		App:        appConfig,
		Clock:      time.Now,
		IDProvider: reconcile.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !daemon {
		_, err := runner.Run(signalCtx)
		return err
	}

	// One run at a time, forever, with a jittered sleep between passes.
	for {
		if _, err := runner.Run(signalCtx); err != nil {
			if signalCtx.Err() != nil {
				return nil
			}
			logger.Error("reconciliation run failed", zap.Error(err))
		}

		sleep := jitteredInterval(appConfig.DaemonMinInterval, appConfig.DaemonMaxInterval)
		select {
		case <-signalCtx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

func jitteredInterval(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := max - min
	return min + time.Duration(rand.Int63n(int64(span)))
}
