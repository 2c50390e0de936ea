package storage

import (
	"fmt"
	"time"
)

// Trip is a persisted journey of one device.
type Trip struct {
	ID              string        `json:"id"`
	DeviceID        string        `json:"device_id"`
	UserID          string        `json:"user_id,omitempty"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         *time.Time    `json:"end_time,omitempty"`
	StartPositionID string        `json:"start_position_id,omitempty"`
	EndPositionID   string        `json:"end_position_id,omitempty"`
	StartOdometer   *float64      `json:"start_odometer,omitempty"` // meters
	Distance        float64       `json:"distance"`                 // meters
	Duration        time.Duration `json:"-"`
	StartAddress    string        `json:"start_address,omitempty"`
	EndAddress      string        `json:"end_address,omitempty"`
}

// Closed reports whether the trip has been finalized.
func (t Trip) Closed() bool {
	return t.EndTime != nil
}

// DurationMS returns the duration in milliseconds, the stored unit.
func (t Trip) DurationMS() int64 {
	return t.Duration.Milliseconds()
}

// Validate checks the closed/open field invariant.
func (t Trip) Validate() error {
	if t.DeviceID == "" {
		return fmt.Errorf("trip has no device id")
	}
	if t.StartTime.IsZero() {
		return fmt.Errorf("trip has no start time")
	}
	if t.EndTime == nil {
		if t.Duration != 0 || t.EndPositionID != "" {
			return fmt.Errorf("open trip %s carries end fields", t.ID)
		}
		return nil
	}
	if t.EndTime.Before(t.StartTime) {
		return fmt.Errorf("trip %s ends before it starts", t.ID)
	}
	if t.Duration < 0 {
		return fmt.Errorf("trip %s has negative duration", t.ID)
	}
	if t.EndPositionID == "" {
		return fmt.Errorf("closed trip %s has no end position", t.ID)
	}
	return nil
}
