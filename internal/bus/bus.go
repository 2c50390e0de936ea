// Package bus owns the NATS connection shared by position ingress and trip events.
package bus

import (
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/triptrack/internal/config"
	"github.com/goodtune/triptrack/internal/metrics"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Connect dials NATS with reconnect handling and connection-state metrics
func Connect(cfg config.NATSConfig, logger zerolog.Logger) (*nats.Conn, error) {
	log := logger.With().Str("component", "nats").Logger()

	reconnectWait, err := time.ParseDuration(cfg.ReconnectWait)
	if err != nil {
		return nil, fmt.Errorf("invalid nats.reconnect_wait: %w", err)
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			metrics.NATSConnected.Set(0)
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			metrics.NATSConnected.Set(1)
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			metrics.NATSConnected.Set(0)
			log.Info().Msg("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	metrics.NATSConnected.Set(1)
	log.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to NATS")

	return nc, nil
}

// SubjectToken makes s safe to use as a single NATS subject token.
// Tokens cannot contain whitespace, '.', '>' or '*'.
func SubjectToken(s string) string {
	s = strings.TrimSpace(s)
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
