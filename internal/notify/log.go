package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// LogNotifier writes events to the log
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier that logs each event at info level
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify-log").Logger()}
}

// Notify implements Notifier
func (n *LogNotifier) Notify(_ context.Context, event Event) {
	e := n.logger.Info().
		Str("type", string(event.Type)).
		Str("device_id", event.DeviceID).
		Str("trip_id", event.Trip.ID).
		Time("fix_time", event.Position.FixTime)

	if event.Type == EventTripEnd {
		e = e.Float64("distance_m", event.Distance).Int64("duration_ms", event.DurationMS)
	}

	e.Msg("Trip event")
}
