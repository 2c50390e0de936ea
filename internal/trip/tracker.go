package trip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/triptrack/internal/geo"
	"github.com/goodtune/triptrack/internal/metrics"
	"github.com/goodtune/triptrack/internal/notify"
	"github.com/goodtune/triptrack/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Strategy selects when trips are written to storage
type Strategy string

const (
	// StrategyEager writes the trip when it starts and updates it when it ends
	StrategyEager Strategy = "eager"
	// StrategyLazy keeps the trip in memory and writes it once when it ends
	StrategyLazy Strategy = "lazy"
)

// ParseStrategy converts a configuration value to a Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyEager, StrategyLazy:
		return Strategy(s), nil
	case "":
		return StrategyEager, nil
	}
	return "", fmt.Errorf("unknown persistence strategy %q", s)
}

// DefaultStorageTimeout bounds each storage call made while handling a position
const DefaultStorageTimeout = 5 * time.Second

// Position outcomes as reported in metrics
const (
	outcomeAccepted   = "accepted"
	outcomeStarted    = "started"
	outcomeFinalized  = "finalized"
	outcomeDiscarded  = "discarded"
	outcomeRolledBack = "rolled_back"
	outcomeOutOfOrder = "out_of_order"
	outcomeInvalid    = "invalid"
	outcomeSkipped    = "skipped"
)

// AttributeLookup returns per-device configuration attributes
type AttributeLookup interface {
	Attributes(ctx context.Context, deviceID string) (map[string]string, error)
}

// Config holds tracker settings and optional collaborators
type Config struct {
	Strategy       Strategy
	StorageTimeout time.Duration

	// Notifier receives trip-start and trip-end events. Nil disables events.
	Notifier notify.Notifier
	// Attributes supplies per-device threshold overrides. May be nil.
	Attributes AttributeLookup
}

// Tracker drives the per-device state machine and keeps storage consistent
// with it. A failed storage write rolls the device back to its state before
// the transition.
type Tracker struct {
	store    storage.TripStore
	manager  *Manager
	policy   *Policy
	config   Config
	notifier notify.Notifier
	logger   zerolog.Logger
}

// NewTracker creates a tracker
func NewTracker(store storage.TripStore, manager *Manager, policy *Policy, config Config, logger zerolog.Logger) *Tracker {
	if config.Strategy == "" {
		config.Strategy = StrategyEager
	}
	if config.StorageTimeout <= 0 {
		config.StorageTimeout = DefaultStorageTimeout
	}

	notifier := config.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}

	return &Tracker{
		store:    store,
		manager:  manager,
		policy:   policy,
		config:   config,
		notifier: notifier,
		logger:   logger.With().Str("component", "tracker").Str("strategy", string(config.Strategy)).Logger(),
	}
}

// Strategy returns the persistence strategy in use
func (t *Tracker) Strategy() Strategy {
	return t.config.Strategy
}

// OnPosition processes one position. Positions for the same device must be
// delivered in order; different devices may be processed concurrently.
// Failures are logged and counted, never returned.
func (t *Tracker) OnPosition(ctx context.Context, pos Position) {
	start := time.Now()
	outcome := t.process(ctx, pos)

	metrics.PositionsProcessed.WithLabelValues(outcome).Inc()
	metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
}

func (t *Tracker) process(ctx context.Context, pos Position) string {
	if pos.DeviceID == "" {
		t.logger.Warn().Str("position_id", pos.ID).Msg("Dropping position without device id")
		return outcomeInvalid
	}

	h := t.manager.Acquire(pos.DeviceID)
	defer h.Release()
	s := h.State()

	if !h.Loaded() {
		if err := t.recover(ctx, s); err != nil {
			metrics.StorageErrors.WithLabelValues("get").Inc()
			t.logger.Warn().Err(err).Str("device_id", pos.DeviceID).Msg("Failed to read open trip, skipping position")
			return outcomeSkipped
		}
		h.MarkLoaded()
	}

	if pos.FixTime.IsZero() {
		t.logger.Warn().Str("device_id", pos.DeviceID).Str("position_id", pos.ID).Msg("Position has no fix time, ignoring")
		return outcomeInvalid
	}
	if pos.ID == "" {
		// Trips reference their boundary positions, so every sample needs an id
		pos.ID = pos.DeviceID + "@" + pos.FixTime.UTC().Format(time.RFC3339Nano)
	}
	if s.LastSeen != nil && pos.FixTime.Before(s.LastSeen.FixTime) {
		t.logger.Warn().
			Str("device_id", pos.DeviceID).
			Time("fix_time", pos.FixTime).
			Time("last_seen", s.LastSeen.FixTime).
			Msg("Dropping out-of-order position")
		return outcomeOutOfOrder
	}

	p := &pos
	ev := t.policy.Evaluate(ctx, s, pos, t.thresholds(ctx, pos.DeviceID))
	outcome := outcomeAccepted

	if t.policy.ShouldStart(s, pos, ev) {
		if err := t.startTrip(ctx, s, p); err != nil {
			if errors.Is(err, storage.ErrOpenTripExists) {
				// Storage holds an open trip this instance does not know about
				h.Invalidate()
			}
			s.LastSeen = p
			return outcomeRolledBack
		}
		outcome = outcomeStarted
	}

	if _, anomaly := t.manager.Accumulate(s, p); anomaly != geo.AnomalyNone {
		metrics.DistanceAnomalies.WithLabelValues(anomaly.String()).Inc()
		t.logger.Warn().
			Str("device_id", pos.DeviceID).
			Str("anomaly", anomaly.String()).
			Str("position", pos.String()).
			Msg("Distance increment ignored")
	}
	if ev.Valid {
		s.observe(p, ev.Moving)
	}

	if t.policy.ShouldEnd(s, pos, ev) {
		var err error
		if t.policy.MeetsMinimumRequirements(s, pos, ev) {
			err = t.finalizeTrip(ctx, s, p)
			outcome = outcomeFinalized
		} else {
			err = t.discardTrip(ctx, s, p)
			outcome = outcomeDiscarded
		}
		if err != nil {
			outcome = outcomeRolledBack
		}
	}

	s.LastSeen = p
	return outcome
}

// recover merges an open trip from storage into a freshly created state.
// Lazy trips only live in memory, so there is nothing to read back.
func (t *Tracker) recover(ctx context.Context, s *DeviceState) error {
	if t.config.Strategy != StrategyEager || s.Active {
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, t.config.StorageTimeout)
	defer cancel()

	open, err := t.store.Get(sctx, storage.Filter{DeviceID: s.DeviceID, OpenOnly: true})
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	t.manager.Resume(s, *open)
	t.logger.Info().
		Str("device_id", s.DeviceID).
		Str("trip_id", open.ID).
		Time("start_time", open.StartTime).
		Msg("Resumed open trip from storage")
	return nil
}

func (t *Tracker) thresholds(ctx context.Context, deviceID string) Thresholds {
	if t.config.Attributes == nil {
		return t.policy.Defaults()
	}

	attrs, err := t.config.Attributes.Attributes(ctx, deviceID)
	if err != nil {
		t.logger.Debug().Err(err).Str("device_id", deviceID).Msg("Attribute lookup failed, using default thresholds")
		return t.policy.Defaults()
	}
	return t.policy.ResolveThresholds(deviceID, attrs)
}

func (t *Tracker) startTrip(ctx context.Context, s *DeviceState, pos *Position) error {
	snap := t.manager.Snapshot(s)
	t.manager.Start(ctx, s, pos)

	switch t.config.Strategy {
	case StrategyEager:
		sctx, cancel := context.WithTimeout(ctx, t.config.StorageTimeout)
		defer cancel()

		id, err := t.store.Create(sctx, s.Draft)
		if err != nil {
			t.rollback(s, snap, "start", "create", err)
			return err
		}
		s.Draft.ID = id
	case StrategyLazy:
		// Fixed up front so a retried write after a lost reply is detected
		s.Draft.ID = uuid.NewString()
	}

	metrics.TripsStarted.WithLabelValues(string(t.config.Strategy)).Inc()
	t.logger.Info().
		Str("device_id", s.DeviceID).
		Str("trip_id", s.Draft.ID).
		Time("start_time", s.Draft.StartTime).
		Msg("Trip started")

	t.notifier.Notify(ctx, notify.Event{
		Type:     notify.EventTripStart,
		DeviceID: s.DeviceID,
		Position: pos.ref(),
		Trip:     *s.Draft,
	})
	return nil
}

func (t *Tracker) finalizeTrip(ctx context.Context, s *DeviceState, pos *Position) error {
	trip := closedTrip(s)

	sctx, cancel := context.WithTimeout(ctx, t.config.StorageTimeout)
	defer cancel()

	op, err := t.persistClosed(sctx, &trip)
	if err != nil {
		t.rollback(s, t.manager.Snapshot(s), "finalize", op, err)
		return err
	}

	metrics.TripsFinalized.WithLabelValues(string(t.config.Strategy)).Inc()
	t.logger.Info().
		Str("device_id", s.DeviceID).
		Str("trip_id", trip.ID).
		Float64("distance", trip.Distance).
		Dur("duration", trip.Duration).
		Msg("Trip finalized")

	t.manager.Clear(s)

	t.notifier.Notify(ctx, notify.Event{
		Type:       notify.EventTripEnd,
		DeviceID:   trip.DeviceID,
		Position:   pos.ref(),
		Trip:       trip,
		Distance:   trip.Distance,
		DurationMS: trip.DurationMS(),
	})
	return nil
}

// persistClosed writes a finished trip and returns the storage operation used
func (t *Tracker) persistClosed(ctx context.Context, trip *storage.Trip) (string, error) {
	if t.config.Strategy == StrategyEager {
		err := t.store.Update(ctx, *trip)
		if !errors.Is(err, storage.ErrNotFound) {
			return "update", err
		}
		t.logger.Warn().
			Str("device_id", trip.DeviceID).
			Str("trip_id", trip.ID).
			Msg("Open trip missing from storage, writing it again")
	}

	_, err := t.store.Create(ctx, trip)
	if errors.Is(err, storage.ErrTripExists) {
		// An earlier attempt landed even though it reported failure
		return "create", nil
	}
	return "create", err
}

func (t *Tracker) discardTrip(ctx context.Context, s *DeviceState, pos *Position) error {
	if t.config.Strategy == StrategyEager && s.Draft.ID != "" {
		sctx, cancel := context.WithTimeout(ctx, t.config.StorageTimeout)
		defer cancel()

		n, err := t.store.Delete(sctx, storage.Filter{ID: s.Draft.ID})
		if err != nil {
			t.rollback(s, t.manager.Snapshot(s), "discard", "delete", err)
			return err
		}
		if n == 0 {
			t.logger.Debug().Str("device_id", s.DeviceID).Str("trip_id", s.Draft.ID).Msg("Discarded trip was already gone")
		}
	}

	metrics.TripsDiscarded.WithLabelValues(string(t.config.Strategy)).Inc()
	if s.Resumed {
		// Mid-trip progress is not stored, so a recovered trip that stops
		// straight away is judged on its start alone
		t.logger.Info().
			Str("device_id", s.DeviceID).
			Str("trip_id", s.Draft.ID).
			Time("start_time", s.Draft.StartTime).
			Msg("Recovered trip below minimums, dropped")
		t.manager.Clear(s)
		return nil
	}
	t.logger.Debug().
		Str("device_id", s.DeviceID).
		Str("trip_id", s.Draft.ID).
		Float64("distance", s.Distance).
		Str("position", pos.String()).
		Msg("Trip below minimums, discarded")

	t.manager.Clear(s)
	return nil
}

// rollback restores the pre-transition state after a failed storage write
func (t *Tracker) rollback(s *DeviceState, snap DeviceState, transition, op string, err error) {
	t.manager.Restore(s, snap)

	metrics.StorageErrors.WithLabelValues(op).Inc()
	metrics.TripsRolledBack.WithLabelValues(transition).Inc()
	t.logger.Warn().
		Err(err).
		Str("device_id", s.DeviceID).
		Str("transition", transition).
		Msg("Storage write failed, trip state rolled back")
}

// closedTrip stamps the draft with its end at the last moving sample
func closedTrip(s *DeviceState) storage.Trip {
	trip := *s.Draft
	last := s.LastMotion

	end := last.FixTime
	trip.EndTime = &end
	trip.EndPositionID = last.ID
	trip.EndAddress = last.Address
	trip.Distance = s.Distance
	trip.Duration = end.Sub(trip.StartTime)
	return trip
}
