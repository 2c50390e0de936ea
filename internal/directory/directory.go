// Package directory resolves device owners and per-device attributes from
// Redis, keeping recent answers in an expiring LRU cache.
package directory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/triptrack/internal/config"
	"github.com/goodtune/triptrack/internal/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const keyPrefix = "triptrack:device:"

func usersKey(deviceID string) string {
	return keyPrefix + deviceID + ":users"
}

func attributesKey(deviceID string) string {
	return keyPrefix + deviceID + ":attributes"
}

// Directory looks up users and attributes per device
type Directory struct {
	client *redis.Client
	logger zerolog.Logger

	users *expirable.LRU[string, []string]
	attrs *expirable.LRU[string, map[string]string]

	refresh string
	cron    *cron.Cron
}

// New creates a directory over an existing Redis connection
func New(client *redis.Client, cfg config.DirectoryConfig, logger zerolog.Logger) (*Directory, error) {
	ttl, err := time.ParseDuration(cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("invalid cache_ttl: %w", err)
	}
	if cfg.CacheSize <= 0 {
		return nil, fmt.Errorf("cache_size must be positive")
	}

	d := &Directory{
		client:  client,
		logger:  logger.With().Str("component", "directory").Logger(),
		users:   expirable.NewLRU[string, []string](cfg.CacheSize, nil, ttl),
		attrs:   expirable.NewLRU[string, map[string]string](cfg.CacheSize, nil, ttl),
		refresh: cfg.RefreshCron,
	}

	d.logger.Info().
		Int("cache_size", cfg.CacheSize).
		Dur("cache_ttl", ttl).
		Msg("Device directory initialized")

	return d, nil
}

// UserIDs returns the users associated with a device, sorted
func (d *Directory) UserIDs(ctx context.Context, deviceID string) ([]string, error) {
	if ids, ok := d.users.Get(deviceID); ok {
		metrics.DirectoryCacheHits.Inc()
		return ids, nil
	}
	metrics.DirectoryCacheMisses.Inc()

	ids, err := d.client.SMembers(ctx, usersKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("directory: users for %s: %w", deviceID, err)
	}
	sort.Strings(ids)

	d.users.Add(deviceID, ids)
	return ids, nil
}

// Attributes returns the configuration attributes of a device
func (d *Directory) Attributes(ctx context.Context, deviceID string) (map[string]string, error) {
	if attrs, ok := d.attrs.Get(deviceID); ok {
		metrics.DirectoryCacheHits.Inc()
		return attrs, nil
	}
	metrics.DirectoryCacheMisses.Inc()

	attrs, err := d.client.HGetAll(ctx, attributesKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("directory: attributes for %s: %w", deviceID, err)
	}

	d.attrs.Add(deviceID, attrs)
	return attrs, nil
}

// SetAttributes writes attributes for a device and drops its cached copy
func (d *Directory) SetAttributes(ctx context.Context, deviceID string, attrs map[string]string) error {
	if len(attrs) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		values[k] = v
	}
	if err := d.client.HSet(ctx, attributesKey(deviceID), values).Err(); err != nil {
		return fmt.Errorf("directory: set attributes for %s: %w", deviceID, err)
	}
	d.attrs.Remove(deviceID)
	return nil
}

// AddUsers associates users with a device and drops its cached copy
func (d *Directory) AddUsers(ctx context.Context, deviceID string, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		members[i] = id
	}
	if err := d.client.SAdd(ctx, usersKey(deviceID), members...).Err(); err != nil {
		return fmt.Errorf("directory: add users for %s: %w", deviceID, err)
	}
	d.users.Remove(deviceID)
	return nil
}

// Purge empties both caches
func (d *Directory) Purge() {
	d.users.Purge()
	d.attrs.Purge()
	d.logger.Debug().Msg("Directory cache purged")
}

// Start schedules periodic cache purges. An empty schedule disables them.
func (d *Directory) Start() error {
	if d.refresh == "" {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(d.refresh, d.Purge); err != nil {
		return fmt.Errorf("invalid refresh_cron %q: %w", d.refresh, err)
	}
	c.Start()
	d.cron = c

	d.logger.Info().Str("schedule", d.refresh).Msg("Directory refresh scheduled")
	return nil
}

// Stop cancels the refresh schedule and waits for a running purge
func (d *Directory) Stop() {
	if d.cron == nil {
		return
	}
	<-d.cron.Stop().Done()
	d.cron = nil
}
