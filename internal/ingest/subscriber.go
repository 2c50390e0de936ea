package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/triptrack/internal/config"
	"github.com/goodtune/triptrack/internal/metrics"
	"github.com/goodtune/triptrack/internal/trip"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// ErrMissingDevice is returned by Decode when no device id can be found
var ErrMissingDevice = errors.New("ingest: position has no device id")

// Decode parses a JSON position. When the payload carries no device id the
// last token of the subject is used instead.
func Decode(subject string, data []byte) (trip.Position, error) {
	var pos trip.Position
	if err := json.Unmarshal(data, &pos); err != nil {
		return trip.Position{}, fmt.Errorf("ingest: decode position: %w", err)
	}

	if pos.DeviceID == "" {
		if i := strings.LastIndexByte(subject, '.'); i >= 0 && i < len(subject)-1 {
			pos.DeviceID = subject[i+1:]
		}
	}
	if pos.DeviceID == "" {
		return trip.Position{}, ErrMissingDevice
	}

	return pos, nil
}

// Subscriber consumes positions from a NATS queue group
type Subscriber struct {
	conn    *nats.Conn
	subject string
	queue   string
	lanes   *Lanes
	logger  zerolog.Logger

	ctx context.Context
	sub *nats.Subscription
}

// NewSubscriber creates a subscriber feeding lanes
func NewSubscriber(conn *nats.Conn, cfg config.NATSConfig, lanes *Lanes, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		conn:    conn,
		subject: cfg.PositionsSubject,
		queue:   cfg.QueueGroup,
		lanes:   lanes,
		logger:  logger.With().Str("component", "ingest").Logger(),
	}
}

// Start subscribes. NATS delivers a subscription's messages on one goroutine,
// so per-device order is kept up to the lanes.
func (s *Subscriber) Start(ctx context.Context) error {
	s.ctx = ctx

	var (
		sub *nats.Subscription
		err error
	)
	if s.queue != "" {
		sub, err = s.conn.QueueSubscribe(s.subject, s.queue, s.handle)
	} else {
		sub, err = s.conn.Subscribe(s.subject, s.handle)
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	s.sub = sub

	s.logger.Info().Str("subject", s.subject).Str("queue", s.queue).Msg("Subscribed to positions")
	return nil
}

func (s *Subscriber) handle(msg *nats.Msg) {
	pos, err := Decode(msg.Subject, msg.Data)
	if err != nil {
		metrics.IngestMessages.WithLabelValues("malformed").Inc()
		s.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed position")
		return
	}

	if err := s.lanes.Submit(s.ctx, pos); err != nil {
		metrics.IngestMessages.WithLabelValues("dropped").Inc()
		s.logger.Warn().Err(err).Str("device_id", pos.DeviceID).Msg("Dropping position, ingest is shutting down")
		return
	}

	metrics.IngestMessages.WithLabelValues("accepted").Inc()
}

// Stop drains the subscription so in-flight messages reach the lanes, giving
// up after timeout
func (s *Subscriber) Stop(timeout time.Duration) error {
	if s.sub == nil {
		return nil
	}
	sub := s.sub
	s.sub = nil

	if err := sub.Drain(); err != nil {
		return fmt.Errorf("failed to drain subscription: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for sub.IsValid() {
		if time.Now().After(deadline) {
			return fmt.Errorf("subscription to %s still draining after %s", s.subject, timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
