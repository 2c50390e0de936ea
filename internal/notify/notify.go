// Package notify emits trip lifecycle events. Delivery is fire-and-forget:
// failures are logged and counted, never returned to the tracker.
package notify

import (
	"context"
	"time"

	"github.com/goodtune/triptrack/internal/storage"
)

// EventType tags a trip event
type EventType string

const (
	EventTripStart EventType = "trip-start"
	EventTripEnd   EventType = "trip-end"
)

// PositionRef is the triggering position as carried in an event
type PositionRef struct {
	ID        string    `json:"id,omitempty"`
	FixTime   time.Time `json:"fix_time"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     float64   `json:"speed"`
	Address   string    `json:"address,omitempty"`
}

// Event describes a trip transition
type Event struct {
	Type     EventType    `json:"type"`
	DeviceID string       `json:"device_id"`
	Position PositionRef  `json:"position"`
	Trip     storage.Trip `json:"trip"`

	// Set for trip-end only
	Distance   float64 `json:"distance"`
	DurationMS int64   `json:"duration_ms"`
}

// Notifier receives trip events
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Multi fans an event out to several notifiers in order
type Multi []Notifier

// Notify implements Notifier
func (m Multi) Notify(ctx context.Context, event Event) {
	for _, n := range m {
		n.Notify(ctx, event)
	}
}

// Nop discards events
type Nop struct{}

// Notify implements Notifier
func (Nop) Notify(context.Context, Event) {}
