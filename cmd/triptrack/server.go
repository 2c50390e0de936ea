package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/goodtune/triptrack/internal/bus"
	"github.com/goodtune/triptrack/internal/config"
	"github.com/goodtune/triptrack/internal/directory"
	"github.com/goodtune/triptrack/internal/ingest"
	"github.com/goodtune/triptrack/internal/metrics"
	"github.com/goodtune/triptrack/internal/notify"
	"github.com/goodtune/triptrack/internal/policy/opa"
	"github.com/goodtune/triptrack/internal/storage"
	"github.com/goodtune/triptrack/internal/storage/postgres"
	redisstore "github.com/goodtune/triptrack/internal/storage/redis"
	"github.com/goodtune/triptrack/internal/systemd"
	"github.com/goodtune/triptrack/internal/trip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	drainTimeout   = 10 * time.Second
	statusInterval = 30 * time.Second
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start TripTrack server",
	Long:  `Start the TripTrack server: NATS position ingress, trip tracking, trip events and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger, closeLog, err := setupLogger(cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}
	defer closeLog()
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting TripTrack")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Msg("Storage initialized")

	// Initialize motion criterion
	criterion, engine, err := buildCriterion(cfg.Trips.Motion, logger)
	if err != nil {
		return err
	}

	logger.Info().
		Str("criterion", cfg.Trips.Motion.Criterion).
		Msg("Motion criterion initialized")

	// Initialize device directory (shares the Redis settings of the storage section)
	var dir *directory.Directory
	if cfg.Directory.Enabled {
		client, err := redisstore.Connect(cfg.Storage.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect device directory: %w", err)
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Error().Err(err).Msg("Failed to close directory connection")
			}
		}()

		dir, err = directory.New(client, cfg.Directory, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize device directory: %w", err)
		}
		if err := dir.Start(); err != nil {
			return fmt.Errorf("failed to start device directory: %w", err)
		}
		defer dir.Stop()
	}

	// Connect to NATS
	nc, err := bus.Connect(cfg.NATS, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	// Initialize trip event notifiers
	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.NATS.PublishEvents {
		notifiers = append(notifiers, notify.NewNATSNotifier(nc, cfg.NATS.EventsPrefix, logger))
	}

	// Initialize Tracker
	tracker, manager, err := buildTracker(cfg, store.Trips(), criterion, dir, notifiers, logger)
	if err != nil {
		return err
	}

	logger.Info().
		Str("strategy", string(tracker.Strategy())).
		Str("min_trip_duration", cfg.Trips.MinTripDuration).
		Float64("min_trip_distance", cfg.Trips.MinTripDistance).
		Msg("Trip Tracker initialized")

	// Initialize ingest
	lanes := ingest.NewLanes(cfg.Ingest.Lanes, cfg.Ingest.LaneBuffer, tracker, logger)
	lanes.Start(ctx)

	subscriber := ingest.NewSubscriber(nc, cfg.NATS, lanes, logger)
	if err := subscriber.Start(ctx); err != nil {
		lanes.Close()
		return err
	}

	// Initialize Metrics Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)
	metricsServer.AddHealthCheck("storage", store.Ping)
	metricsServer.AddHealthCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("not connected")
		}
		return nil
	})

	// Use systemd socket-activated listener if available
	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	logger.Info().
		Str("addr", metricsAddr).
		Msg("Metrics Server started")

	// Log startup complete
	logger.Info().Msg("TripTrack startup complete")
	logger.Info().Msgf("Positions: %s (queue %q)", cfg.NATS.PositionsSubject, cfg.NATS.QueueGroup)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	go supervise(ctx, manager, logger)

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig != syscall.SIGHUP {
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			break
		}

		logger.Info().Msg("SIGHUP received, reloading...")
		if engine != nil {
			if err := engine.Reload(); err != nil {
				logger.Error().Err(err).Msg("Failed to reload motion policy")
			} else {
				logger.Info().Msg("Motion policy reloaded successfully")
			}
		}
		if dir != nil {
			dir.Purge()
		}
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Queued positions are handled before storage goes away
	if err := subscriber.Stop(drainTimeout); err != nil {
		logger.Error().Err(err).Msg("Error draining position subscription")
	}
	lanes.Close()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().
		Int("devices", manager.Len()).
		Int("active_trips", manager.ActiveCount()).
		Msg("TripTrack stopped")

	return nil
}

// supervise feeds the systemd watchdog and keeps the unit status current
func supervise(ctx context.Context, manager *trip.Manager, logger zerolog.Logger) {
	watchdog := systemd.WatchdogInterval()
	interval := statusInterval
	if watchdog > 0 && watchdog < interval {
		interval = watchdog
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if watchdog > 0 {
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
			}
		}
		status := fmt.Sprintf("%d devices, %d active trips", manager.Len(), manager.ActiveCount())
		if err := systemd.NotifyStatus(status); err != nil {
			logger.Debug().Err(err).Msg("Failed to send systemd status")
		}
	}
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "redis"
	}

	switch storageType {
	case "redis":
		return redisstore.Open(cfg.Redis)
	case "postgres":
		return postgres.Open(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

// buildCriterion returns the configured motion criterion. The rego engine is
// also returned on its own so it can be reloaded.
func buildCriterion(cfg config.MotionConfig, logger zerolog.Logger) (trip.MotionCriterion, *opa.Engine, error) {
	if cfg.Criterion == "rego" {
		engine, err := opa.NewEngine(cfg.PolicyDir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize motion policy: %w", err)
		}
		return engine, engine, nil
	}

	criterion, err := trip.NewCriterion(cfg.Criterion, cfg.IgnitionAttribute, cfg.OdometerMinDelta)
	if err != nil {
		return nil, nil, err
	}
	return criterion, nil, nil
}

// buildTracker wires the state manager, policy and tracker. dir may be nil.
func buildTracker(cfg *config.Config, trips storage.TripStore, criterion trip.MotionCriterion, dir *directory.Directory, notifier notify.Notifier, logger zerolog.Logger) (*trip.Tracker, *trip.Manager, error) {
	strategy, err := trip.ParseStrategy(cfg.Trips.PersistenceStrategy)
	if err != nil {
		return nil, nil, err
	}

	var (
		users trip.UserLookup
		attrs trip.AttributeLookup
	)
	if dir != nil {
		users = dir
		attrs = dir
	}

	manager := trip.NewManager(cfg.Trips.Shards, users, logger)
	policy := trip.NewPolicy(criterion, thresholds(cfg.Trips), logger)

	tracker := trip.NewTracker(trips, manager, policy, trip.Config{
		Strategy:       strategy,
		StorageTimeout: parseDuration(cfg.Trips.StorageTimeout, trip.DefaultStorageTimeout),
		Notifier:       notifier,
		Attributes:     attrs,
	}, logger)

	return tracker, manager, nil
}

func thresholds(cfg config.TripsConfig) trip.Thresholds {
	return trip.Thresholds{
		MinDuration:    parseDuration(cfg.MinTripDuration, time.Minute),
		MinDistance:    cfg.MinTripDistance,
		SpeedThreshold: cfg.Motion.SpeedThreshold,
		MinStop:        parseDuration(cfg.MinStopDuration, 0),
	}
}

// setupLogger configures the logger based on configuration. The returned func
// closes the rotating log file, if any.
func setupLogger(cfg config.LoggingConfig, out io.Writer) (zerolog.Logger, func(), error) {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	console := out
	if cfg.Format == "text" {
		console = zerolog.ConsoleWriter{Out: out}
	}

	if cfg.File.Path == "" {
		return zerolog.New(console).With().Timestamp().Logger(), func() {}, nil
	}

	if err := storage.EnsureDir(filepath.Dir(cfg.File.Path)); err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// The file always gets JSON regardless of the console format
	file := &lumberjack.Logger{
		Filename:   cfg.File.Path,
		MaxSize:    cfg.File.MaxSizeMB,
		MaxBackups: cfg.File.MaxBackups,
		MaxAge:     cfg.File.MaxAgeDays,
		Compress:   cfg.File.Compress,
	}

	writer := zerolog.MultiLevelWriter(console, file)
	closeFile := func() { _ = file.Close() }

	return zerolog.New(writer).With().Timestamp().Logger(), closeFile, nil
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
