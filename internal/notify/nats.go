package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goodtune/triptrack/internal/bus"
	"github.com/goodtune/triptrack/internal/metrics"
	"github.com/rs/zerolog"
)

// Publisher is the subset of *nats.Conn used to emit events
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes events as JSON on <prefix>.<type>.<device>
type NATSNotifier struct {
	pub    Publisher
	prefix string
	logger zerolog.Logger
}

// NewNATSNotifier creates a notifier publishing under prefix
func NewNATSNotifier(pub Publisher, prefix string, logger zerolog.Logger) *NATSNotifier {
	return &NATSNotifier{
		pub:    pub,
		prefix: prefix,
		logger: logger.With().Str("component", "notify-nats").Logger(),
	}
}

// Subject returns the subject an event is published on
func (n *NATSNotifier) Subject(event Event) string {
	return fmt.Sprintf("%s.%s.%s", n.prefix, event.Type, bus.SubjectToken(event.DeviceID))
}

// Notify implements Notifier
func (n *NATSNotifier) Notify(_ context.Context, event Event) {
	subject := n.Subject(event)

	b, err := json.Marshal(event)
	if err != nil {
		metrics.EventPublishErrors.WithLabelValues(string(event.Type)).Inc()
		n.logger.Error().Err(err).Str("subject", subject).Msg("Failed to encode trip event")
		return
	}

	if err := n.pub.Publish(subject, b); err != nil {
		metrics.EventPublishErrors.WithLabelValues(string(event.Type)).Inc()
		n.logger.Warn().Err(err).Str("subject", subject).Msg("Failed to publish trip event")
		return
	}

	metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()
	n.logger.Debug().Str("subject", subject).Msg("Published trip event")
}
