package main

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/triptrack/internal/config"
	"github.com/goodtune/triptrack/internal/policy/opa"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the TripTrack configuration file for syntax and semantic errors.
When the rego motion criterion is selected the policies are compiled too.`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	if cfg.Trips.Motion.Criterion == "rego" {
		if _, err := opa.NewEngine(cfg.Trips.Motion.PolicyDir, zerolog.Nop()); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "❌ Motion policy validation failed: %v\n", err)
			return err
		}
	}

	// Check for unknown keys (always, not just with -dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		_, _ = fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		_, _ = fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	// If dump requested, show full configuration with defaults highlighted
	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(os.Stdout, cfg, config.Default(), unknownKeys)
	}

	return nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := getValidKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// getValidKeys returns a set of all valid configuration keys
func getValidKeys() map[string]bool {
	keys := map[string]bool{
		// Server
		"server.metrics_port": true,
		"server.bind_address": true,

		// Storage
		"storage.type":                   true,
		"storage.redis.host":             true,
		"storage.redis.port":             true,
		"storage.redis.password":         true,
		"storage.redis.db":               true,
		"storage.redis.pool_size":        true,
		"storage.redis.min_idle_conns":   true,
		"storage.redis.dial_timeout":     true,
		"storage.redis.read_timeout":     true,
		"storage.redis.write_timeout":    true,
		"storage.postgres.dsn":           true,
		"storage.postgres.max_conns":     true,
		"storage.postgres.min_conns":     true,
		"storage.postgres.query_timeout": true,
		"storage.postgres.migrate":       true,

		// Logging
		"logging.level":             true,
		"logging.format":            true,
		"logging.file.path":         true,
		"logging.file.max_size_mb":  true,
		"logging.file.max_backups":  true,
		"logging.file.max_age_days": true,
		"logging.file.compress":     true,

		// Trips
		"trips.min_trip_duration":         true,
		"trips.min_trip_distance":         true,
		"trips.persistence_strategy":      true,
		"trips.min_stop_duration":         true,
		"trips.storage_timeout":           true,
		"trips.shards":                    true,
		"trips.motion.criterion":          true,
		"trips.motion.speed_threshold":    true,
		"trips.motion.ignition_attribute": true,
		"trips.motion.odometer_min_delta": true,
		"trips.motion.policy_dir":         true,

		// NATS
		"nats.url":               true,
		"nats.name":              true,
		"nats.positions_subject": true,
		"nats.queue_group":       true,
		"nats.events_prefix":     true,
		"nats.publish_events":    true,
		"nats.reconnect_wait":    true,
		"nats.max_reconnects":    true,

		// Ingest
		"ingest.lanes":       true,
		"ingest.lane_buffer": true,

		// Directory
		"directory.enabled":      true,
		"directory.cache_size":   true,
		"directory.cache_ttl":    true,
		"directory.refresh_cron": true,
	}

	return keys
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(w io.Writer, cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	field := func(name string, value, defaultValue interface{}) {
		dumpField(w, name, value, defaultValue, yellow, green)
	}

	// Server
	_, _ = cyan.Fprintln(w, "\n[server]")
	field("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort)
	field("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress)

	// Storage
	_, _ = cyan.Fprintln(w, "\n[storage]")
	field("  type", cfg.Storage.Type, defaultCfg.Storage.Type)
	_, _ = cyan.Fprintln(w, "  [storage.redis]")
	field("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host)
	field("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port)
	field("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(defaultCfg.Storage.Redis.Password))
	field("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB)
	field("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize)
	field("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns)
	field("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout)
	field("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout)
	field("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout)
	_, _ = cyan.Fprintln(w, "  [storage.postgres]")
	field("    dsn", redactDSN(cfg.Storage.Postgres.DSN), redactDSN(defaultCfg.Storage.Postgres.DSN))
	field("    max_conns", cfg.Storage.Postgres.MaxConns, defaultCfg.Storage.Postgres.MaxConns)
	field("    min_conns", cfg.Storage.Postgres.MinConns, defaultCfg.Storage.Postgres.MinConns)
	field("    query_timeout", cfg.Storage.Postgres.QueryTimeout, defaultCfg.Storage.Postgres.QueryTimeout)
	field("    migrate", cfg.Storage.Postgres.Migrate, defaultCfg.Storage.Postgres.Migrate)

	// Logging
	_, _ = cyan.Fprintln(w, "\n[logging]")
	field("  level", cfg.Logging.Level, defaultCfg.Logging.Level)
	field("  format", cfg.Logging.Format, defaultCfg.Logging.Format)
	field("  file.path", cfg.Logging.File.Path, defaultCfg.Logging.File.Path)
	field("  file.max_size_mb", cfg.Logging.File.MaxSizeMB, defaultCfg.Logging.File.MaxSizeMB)
	field("  file.max_backups", cfg.Logging.File.MaxBackups, defaultCfg.Logging.File.MaxBackups)
	field("  file.max_age_days", cfg.Logging.File.MaxAgeDays, defaultCfg.Logging.File.MaxAgeDays)
	field("  file.compress", cfg.Logging.File.Compress, defaultCfg.Logging.File.Compress)

	// Trips
	_, _ = cyan.Fprintln(w, "\n[trips]")
	field("  min_trip_duration", cfg.Trips.MinTripDuration, defaultCfg.Trips.MinTripDuration)
	field("  min_trip_distance", cfg.Trips.MinTripDistance, defaultCfg.Trips.MinTripDistance)
	field("  persistence_strategy", cfg.Trips.PersistenceStrategy, defaultCfg.Trips.PersistenceStrategy)
	field("  min_stop_duration", cfg.Trips.MinStopDuration, defaultCfg.Trips.MinStopDuration)
	field("  storage_timeout", cfg.Trips.StorageTimeout, defaultCfg.Trips.StorageTimeout)
	field("  shards", cfg.Trips.Shards, defaultCfg.Trips.Shards)
	_, _ = cyan.Fprintln(w, "  [trips.motion]")
	field("    criterion", cfg.Trips.Motion.Criterion, defaultCfg.Trips.Motion.Criterion)
	field("    speed_threshold", cfg.Trips.Motion.SpeedThreshold, defaultCfg.Trips.Motion.SpeedThreshold)
	field("    ignition_attribute", cfg.Trips.Motion.IgnitionAttribute, defaultCfg.Trips.Motion.IgnitionAttribute)
	field("    odometer_min_delta", cfg.Trips.Motion.OdometerMinDelta, defaultCfg.Trips.Motion.OdometerMinDelta)
	field("    policy_dir", cfg.Trips.Motion.PolicyDir, defaultCfg.Trips.Motion.PolicyDir)

	// NATS
	_, _ = cyan.Fprintln(w, "\n[nats]")
	field("  url", cfg.NATS.URL, defaultCfg.NATS.URL)
	field("  name", cfg.NATS.Name, defaultCfg.NATS.Name)
	field("  positions_subject", cfg.NATS.PositionsSubject, defaultCfg.NATS.PositionsSubject)
	field("  queue_group", cfg.NATS.QueueGroup, defaultCfg.NATS.QueueGroup)
	field("  events_prefix", cfg.NATS.EventsPrefix, defaultCfg.NATS.EventsPrefix)
	field("  publish_events", cfg.NATS.PublishEvents, defaultCfg.NATS.PublishEvents)
	field("  reconnect_wait", cfg.NATS.ReconnectWait, defaultCfg.NATS.ReconnectWait)
	field("  max_reconnects", cfg.NATS.MaxReconnects, defaultCfg.NATS.MaxReconnects)

	// Ingest
	_, _ = cyan.Fprintln(w, "\n[ingest]")
	field("  lanes", cfg.Ingest.Lanes, defaultCfg.Ingest.Lanes)
	field("  lane_buffer", cfg.Ingest.LaneBuffer, defaultCfg.Ingest.LaneBuffer)

	// Directory
	_, _ = cyan.Fprintln(w, "\n[directory]")
	field("  enabled", cfg.Directory.Enabled, defaultCfg.Directory.Enabled)
	field("  cache_size", cfg.Directory.CacheSize, defaultCfg.Directory.CacheSize)
	field("  cache_ttl", cfg.Directory.CacheTTL, defaultCfg.Directory.CacheTTL)
	field("  refresh_cron", cfg.Directory.RefreshCron, defaultCfg.Directory.RefreshCron)

	// Display unknown keys if any
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Fprintln(w, "\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(w, "  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(w io.Writer, name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Fprintf(w, "%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Fprintf(w, "%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}

// redactDSN hides the password part of a postgres URL
func redactDSN(dsn string) string {
	at := strings.LastIndexByte(dsn, '@')
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 {
		return dsn
	}
	userinfo := dsn[scheme+3 : at]
	colon := strings.IndexByte(userinfo, ':')
	if colon < 0 {
		return dsn
	}
	return dsn[:scheme+3] + userinfo[:colon] + ":***REDACTED***" + dsn[at:]
}
