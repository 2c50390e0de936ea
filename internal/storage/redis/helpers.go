package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/triptrack/internal/storage"
)

// parseTrip converts a Redis hash to Trip
func parseTrip(data map[string]string) (*storage.Trip, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	startTime, err := time.Parse(time.RFC3339Nano, data["start_time"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse start_time: %w", err)
	}

	var endTime *time.Time
	if raw := data["end_time"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse end_time: %w", err)
		}
		endTime = &t
	}

	var startOdometer *float64
	if raw := data["start_odometer"]; raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse start_odometer: %w", err)
		}
		startOdometer = &v
	}

	distance, err := strconv.ParseFloat(data["distance"], 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse distance: %w", err)
	}

	durationMS, err := strconv.ParseInt(data["duration_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse duration_ms: %w", err)
	}

	return &storage.Trip{
		ID:              data["id"],
		DeviceID:        data["device_id"],
		UserID:          data["user_id"],
		StartTime:       startTime,
		EndTime:         endTime,
		StartPositionID: data["start_position_id"],
		EndPositionID:   data["end_position_id"],
		StartOdometer:   startOdometer,
		Distance:        distance,
		Duration:        time.Duration(durationMS) * time.Millisecond,
		StartAddress:    data["start_address"],
		EndAddress:      data["end_address"],
	}, nil
}
