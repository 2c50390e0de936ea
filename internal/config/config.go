package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Trips     TripsConfig     `mapstructure:"trips"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Directory DirectoryConfig `mapstructure:"directory"`
}

// ServerConfig defines the metrics listener
type ServerConfig struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	BindAddress string `mapstructure:"bind_address"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type     string         `mapstructure:"type"` // "redis" or "postgres"
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// PostgresConfig defines PostgreSQL connection settings
type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxConns     int32  `mapstructure:"max_conns"`
	MinConns     int32  `mapstructure:"min_conns"`
	QueryTimeout string `mapstructure:"query_timeout"`
	Migrate      bool   `mapstructure:"migrate"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"`
	File   LogFileConfig `mapstructure:"file"`
}

// LogFileConfig enables a rotating log file alongside stdout
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// TripsConfig defines trip detection and persistence settings
type TripsConfig struct {
	MinTripDuration     string       `mapstructure:"min_trip_duration"`
	MinTripDistance     float64      `mapstructure:"min_trip_distance"` // meters
	PersistenceStrategy string       `mapstructure:"persistence_strategy"`
	MinStopDuration     string       `mapstructure:"min_stop_duration"`
	StorageTimeout      string       `mapstructure:"storage_timeout"`
	Shards              int          `mapstructure:"shards"`
	Motion              MotionConfig `mapstructure:"motion"`
}

// MotionConfig selects the motion criterion
type MotionConfig struct {
	Criterion         string  `mapstructure:"criterion"`       // speed, ignition, odometer, rego
	SpeedThreshold    float64 `mapstructure:"speed_threshold"` // km/h
	IgnitionAttribute string  `mapstructure:"ignition_attribute"`
	OdometerMinDelta  float64 `mapstructure:"odometer_min_delta"` // meters
	PolicyDir         string  `mapstructure:"policy_dir"`
}

// NATSConfig defines the NATS connection used for ingress and events
type NATSConfig struct {
	URL              string `mapstructure:"url"`
	Name             string `mapstructure:"name"`
	PositionsSubject string `mapstructure:"positions_subject"`
	QueueGroup       string `mapstructure:"queue_group"`
	EventsPrefix     string `mapstructure:"events_prefix"`
	PublishEvents    bool   `mapstructure:"publish_events"`
	ReconnectWait    string `mapstructure:"reconnect_wait"`
	MaxReconnects    int    `mapstructure:"max_reconnects"`
}

// IngestConfig defines per-device lane fan-out
type IngestConfig struct {
	Lanes      int `mapstructure:"lanes"`
	LaneBuffer int `mapstructure:"lane_buffer"`
}

// DirectoryConfig defines the device/user attribute cache
type DirectoryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	CacheSize   int    `mapstructure:"cache_size"`
	CacheTTL    string `mapstructure:"cache_ttl"`
	RefreshCron string `mapstructure:"refresh_cron"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	v.SetEnvPrefix("TRIPTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the configuration produced by the defaults alone
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.bind_address", "0.0.0.0")

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.min_conns", 1)
	v.SetDefault("storage.postgres.query_timeout", "5s")
	v.SetDefault("storage.postgres.migrate", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 30)

	// Trip defaults
	v.SetDefault("trips.min_trip_duration", "60s")
	v.SetDefault("trips.min_trip_distance", 500.0)
	v.SetDefault("trips.persistence_strategy", "eager")
	v.SetDefault("trips.min_stop_duration", "0s")
	v.SetDefault("trips.storage_timeout", "5s")
	v.SetDefault("trips.shards", 32)
	v.SetDefault("trips.motion.criterion", "speed")
	v.SetDefault("trips.motion.speed_threshold", 0.0)
	v.SetDefault("trips.motion.ignition_attribute", "ignition")
	v.SetDefault("trips.motion.odometer_min_delta", 0.0)
	v.SetDefault("trips.motion.policy_dir", "/etc/triptrack/policies")

	// NATS defaults
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.name", "triptrack")
	v.SetDefault("nats.positions_subject", "telemetry.positions.>")
	v.SetDefault("nats.queue_group", "triptrack")
	v.SetDefault("nats.events_prefix", "triptrack.events")
	v.SetDefault("nats.publish_events", true)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.max_reconnects", -1)

	// Ingest defaults
	v.SetDefault("ingest.lanes", 16)
	v.SetDefault("ingest.lane_buffer", 256)

	// Directory defaults
	v.SetDefault("directory.enabled", true)
	v.SetDefault("directory.cache_size", 10000)
	v.SetDefault("directory.cache_ttl", "10m")
	v.SetDefault("directory.refresh_cron", "@every 5m")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	switch cfg.Storage.Type {
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
	case "postgres":
		if cfg.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required")
		}
		if _, err := time.ParseDuration(cfg.Storage.Postgres.QueryTimeout); err != nil {
			return fmt.Errorf("invalid storage.postgres.query_timeout: %w", err)
		}
	default:
		return fmt.Errorf("unsupported storage type: %q", cfg.Storage.Type)
	}

	if err := validateDuration("trips.min_trip_duration", cfg.Trips.MinTripDuration); err != nil {
		return err
	}
	if err := validateDuration("trips.min_stop_duration", cfg.Trips.MinStopDuration); err != nil {
		return err
	}
	if err := validateDuration("trips.storage_timeout", cfg.Trips.StorageTimeout); err != nil {
		return err
	}
	if cfg.Trips.MinTripDistance < 0 {
		return fmt.Errorf("trips.min_trip_distance must not be negative")
	}

	switch cfg.Trips.PersistenceStrategy {
	case "eager", "lazy":
	default:
		return fmt.Errorf("unsupported persistence strategy: %q (must be eager or lazy)", cfg.Trips.PersistenceStrategy)
	}

	if cfg.Trips.Shards <= 0 {
		cfg.Trips.Shards = 32
	}

	switch cfg.Trips.Motion.Criterion {
	case "speed", "odometer", "rego":
	case "ignition":
		if cfg.Trips.Motion.IgnitionAttribute == "" {
			return fmt.Errorf("trips.motion.ignition_attribute is required for the ignition criterion")
		}
	default:
		return fmt.Errorf("unsupported motion criterion: %q", cfg.Trips.Motion.Criterion)
	}

	if cfg.Ingest.Lanes <= 0 {
		return fmt.Errorf("ingest.lanes must be positive")
	}

	if cfg.Directory.Enabled {
		if err := validateDuration("directory.cache_ttl", cfg.Directory.CacheTTL); err != nil {
			return err
		}
		if cfg.Directory.CacheSize <= 0 {
			return fmt.Errorf("directory.cache_size must be positive")
		}
	}

	return nil
}

func validateDuration(key, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative", key)
	}
	return nil
}
