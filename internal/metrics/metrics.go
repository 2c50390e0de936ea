package metrics

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Position metrics
	PositionsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triptrack_positions_processed_total",
			Help: "Total positions processed, by outcome",
		},
		[]string{"outcome"},
	)

	ProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "triptrack_position_processing_seconds",
			Help:    "Time spent processing one position, including storage calls",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	DistanceAnomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triptrack_distance_anomalies_total",
			Help: "Position increments that could not be measured normally",
		},
		[]string{"kind"},
	)

	// Trip metrics
	TripsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triptrack_trips_started_total",
			Help: "Total trips started",
		},
		[]string{"strategy"},
	)

	TripsFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triptrack_trips_finalized_total",
			Help: "Total trips finalized and persisted",
		},
		[]string{"strategy"},
	)

	TripsDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triptrack_trips_discarded_total",
			Help: "Total trips discarded below minimum requirements",
		},
		[]string{"strategy"},
	)

	TripsRolledBack = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triptrack_trip_rollbacks_total",
			Help: "State transitions rolled back after a storage failure",
		},
		[]string{"transition"},
	)

	ActiveTrips = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "triptrack_active_trips",
			Help: "Number of devices with an active trip",
		},
	)

	TrackedDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "triptrack_tracked_devices",
			Help: "Number of devices with in-memory trip state",
		},
	)

	// Storage metrics
	StorageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triptrack_storage_errors_total",
			Help: "Trip storage operation failures",
		},
		[]string{"op"},
	)

	// Directory metrics
	DirectoryCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "triptrack_directory_cache_hits_total",
			Help: "Directory lookups served from cache",
		},
	)

	DirectoryCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "triptrack_directory_cache_misses_total",
			Help: "Directory lookups that went to Redis",
		},
	)

	// NATS metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triptrack_events_published_total",
			Help: "Trip events published",
		},
		[]string{"type"},
	)

	EventPublishErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triptrack_event_publish_errors_total",
			Help: "Trip events that failed to publish",
		},
		[]string{"type"},
	)

	NATSConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "triptrack_nats_connected",
			Help: "1 while the NATS connection is up",
		},
	)

	IngestMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triptrack_ingest_messages_total",
			Help: "Position messages received from NATS, by result",
		},
		[]string{"result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		PositionsProcessed,
		ProcessingDuration,
		DistanceAnomalies,
		TripsStarted,
		TripsFinalized,
		TripsDiscarded,
		TripsRolledBack,
		ActiveTrips,
		TrackedDevices,
		StorageErrors,
		DirectoryCacheHits,
		DirectoryCacheMisses,
		EventsPublished,
		EventPublishErrors,
		NATSConnected,
		IngestMessages,
	)
}

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	s := &Server{
		logger: logger.With().Str("component", "metrics").Logger(),
		checks: make(map[string]HealthCheck),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler serving /metrics and /health
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// AddHealthCheck registers a dependency probed by /health
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var failed []string
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			s.logger.Warn().Err(err).Str("check", name).Msg("Health check failed")
			failed = append(failed, name)
		}
	}
	s.mu.RUnlock()

	if len(failed) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("FAIL " + strings.Join(failed, ",")))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Shutdown(ctx)
}
