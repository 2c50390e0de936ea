package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrOpenTripExists is returned when creating a second open trip for a device.
var ErrOpenTripExists = errors.New("storage: device already has an open trip")

// ErrTripExists is returned when creating a trip whose ID is already stored.
var ErrTripExists = errors.New("storage: trip id already exists")

// ErrEmptyFilter is returned by Delete when the filter would match every trip.
var ErrEmptyFilter = errors.New("storage: filter matches all trips")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Ping(ctx context.Context) error
	Trips() TripStore
}

// TripStore persists trip records. Each backend keeps at most one open
// trip per device.
type TripStore interface {
	// Create stores a new trip, assigning an ID when the trip has none.
	Create(ctx context.Context, trip *Trip) (string, error)
	// Get returns the most recent trip matching the filter.
	Get(ctx context.Context, filter Filter) (*Trip, error)
	// Update overwrites an existing trip by ID.
	Update(ctx context.Context, trip Trip) error
	// Delete removes all trips matching the filter and returns how many went.
	Delete(ctx context.Context, filter Filter) (int, error)
	// List returns matching trips ordered by start time.
	List(ctx context.Context, filter Filter) ([]Trip, error)
}

// Filter selects trips. Empty fields match everything.
type Filter struct {
	ID       string
	DeviceID string
	OpenOnly bool
	Limit    int
}

// Empty reports whether the filter has no constraints.
func (f Filter) Empty() bool {
	return f.ID == "" && f.DeviceID == "" && !f.OpenOnly
}

// Matches reports whether t satisfies the filter.
func (f Filter) Matches(t Trip) bool {
	if f.ID != "" && t.ID != f.ID {
		return false
	}
	if f.DeviceID != "" && t.DeviceID != f.DeviceID {
		return false
	}
	if f.OpenOnly && t.Closed() {
		return false
	}
	return true
}
