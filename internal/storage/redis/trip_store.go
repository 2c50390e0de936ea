package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goodtune/triptrack/internal/storage"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	allTripsKey       = "triptrack:trips"
	openTripsKey      = "triptrack:trips:open"
	deviceIndexPrefix = "triptrack:trips:device:"
)

func tripKey(id string) string {
	return fmt.Sprintf("triptrack:trip:%s", id)
}

func deviceIndexKey(deviceID string) string {
	return deviceIndexPrefix + deviceID
}

type tripStore struct {
	client *redis.Client
	create *redis.Script
	update *redis.Script
	delete *redis.Script
}

func newTripStore(client *redis.Client) *tripStore {
	return &tripStore{
		client: client,
		create: redis.NewScript(createTripScript),
		update: redis.NewScript(updateTripScript),
		delete: redis.NewScript(deleteTripScript),
	}
}

// Create stores a new trip and returns its ID
func (s *tripStore) Create(ctx context.Context, trip *storage.Trip) (string, error) {
	record := *trip
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if err := record.Validate(); err != nil {
		return "", fmt.Errorf("storage: create trip: %w", err)
	}

	keys, args := writeArgs(record)
	res, err := s.create.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return "", fmt.Errorf("storage: create trip: %w", err)
	}

	switch res {
	case 0:
		return "", storage.ErrTripExists
	case -1:
		return "", storage.ErrOpenTripExists
	}

	trip.ID = record.ID
	return record.ID, nil
}

// Get returns the most recently started trip matching the filter
func (s *tripStore) Get(ctx context.Context, filter storage.Filter) (*storage.Trip, error) {
	filter.Limit = 0
	trips, err := s.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(trips) == 0 {
		return nil, storage.ErrNotFound
	}

	latest := trips[len(trips)-1]
	return &latest, nil
}

// Update overwrites an existing trip
func (s *tripStore) Update(ctx context.Context, trip storage.Trip) error {
	if trip.ID == "" {
		return fmt.Errorf("storage: update trip: missing id")
	}
	if err := trip.Validate(); err != nil {
		return fmt.Errorf("storage: update trip: %w", err)
	}

	keys, args := writeArgs(trip)
	res, err := s.update.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("storage: update trip: %w", err)
	}

	switch res {
	case 0:
		return storage.ErrNotFound
	case -1:
		return storage.ErrOpenTripExists
	}

	return nil
}

// Delete removes every trip matching the filter
func (s *tripStore) Delete(ctx context.Context, filter storage.Filter) (int, error) {
	if filter.Empty() {
		return 0, storage.ErrEmptyFilter
	}

	filter.Limit = 0
	trips, err := s.List(ctx, filter)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, trip := range trips {
		n, err := s.delete.Run(ctx, s.client,
			[]string{tripKey(trip.ID), allTripsKey, openTripsKey},
			trip.ID, deviceIndexPrefix,
		).Int()
		if err != nil {
			return deleted, fmt.Errorf("storage: delete trip %s: %w", trip.ID, err)
		}
		deleted += n
	}

	return deleted, nil
}

// List returns trips matching the filter ordered by start time
func (s *tripStore) List(ctx context.Context, filter storage.Filter) ([]storage.Trip, error) {
	ids, err := s.candidateIDs(ctx, filter)
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []storage.Trip{}, nil
	}

	// Use pipeline for batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))

	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, tripKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("storage: list trips: %w", err)
	}

	trips := make([]storage.Trip, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		trip, err := parseTrip(data)
		if err != nil {
			return nil, fmt.Errorf("storage: list trips: %w", err)
		}
		if filter.Matches(*trip) {
			trips = append(trips, *trip)
		}
	}

	sort.SliceStable(trips, func(i, j int) bool {
		return trips[i].StartTime.Before(trips[j].StartTime)
	})

	if filter.Limit > 0 && len(trips) > filter.Limit {
		trips = trips[len(trips)-filter.Limit:]
	}

	return trips, nil
}

// candidateIDs narrows the scan using the cheapest index for the filter
func (s *tripStore) candidateIDs(ctx context.Context, filter storage.Filter) ([]string, error) {
	switch {
	case filter.ID != "":
		return []string{filter.ID}, nil

	case filter.DeviceID != "" && filter.OpenOnly:
		id, err := s.client.HGet(ctx, openTripsKey, filter.DeviceID).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("storage: open trip index: %w", err)
		}
		return []string{id}, nil

	case filter.DeviceID != "":
		ids, err := s.client.ZRange(ctx, deviceIndexKey(filter.DeviceID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("storage: device trip index: %w", err)
		}
		return ids, nil

	case filter.OpenOnly:
		ids, err := s.client.HVals(ctx, openTripsKey).Result()
		if err != nil {
			return nil, fmt.Errorf("storage: open trip index: %w", err)
		}
		return ids, nil

	default:
		ids, err := s.client.ZRange(ctx, allTripsKey, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("storage: trip index: %w", err)
		}
		return ids, nil
	}
}

// writeArgs builds the KEYS and ARGV shared by the create and update scripts
func writeArgs(trip storage.Trip) ([]string, []interface{}) {
	keys := []string{
		tripKey(trip.ID),
		deviceIndexKey(trip.DeviceID),
		allTripsKey,
		openTripsKey,
	}

	open := "1"
	if trip.Closed() {
		open = "0"
	}

	args := []interface{}{
		trip.ID,
		trip.DeviceID,
		trip.StartTime.UnixMilli(),
		open,
	}
	return keys, append(args, tripFields(trip)...)
}

// tripFields flattens a trip into HSET field/value pairs
func tripFields(trip storage.Trip) []interface{} {
	endTime := ""
	if trip.EndTime != nil {
		endTime = trip.EndTime.Format(time.RFC3339Nano)
	}

	startOdometer := ""
	if trip.StartOdometer != nil {
		startOdometer = strconv.FormatFloat(*trip.StartOdometer, 'f', -1, 64)
	}

	return []interface{}{
		"id", trip.ID,
		"device_id", trip.DeviceID,
		"user_id", trip.UserID,
		"start_time", trip.StartTime.Format(time.RFC3339Nano),
		"end_time", endTime,
		"start_position_id", trip.StartPositionID,
		"end_position_id", trip.EndPositionID,
		"start_odometer", startOdometer,
		"distance", strconv.FormatFloat(trip.Distance, 'f', -1, 64),
		"duration_ms", strconv.FormatInt(trip.DurationMS(), 10),
		"start_address", trip.StartAddress,
		"end_address", trip.EndAddress,
	}
}
