package trip

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Device attributes that override the configured thresholds
const (
	AttrMinTripDuration = "trips.min_trip_duration"
	AttrMinTripDistance = "trips.min_trip_distance"
	AttrSpeedThreshold  = "trips.speed_threshold"
)

// Thresholds are the limits applied to one device
type Thresholds struct {
	MinDuration    time.Duration
	MinDistance    float64 // meters
	SpeedThreshold float64 // km/h
	MinStop        time.Duration
}

// Evaluation is the motion verdict for one position
type Evaluation struct {
	// Valid is false when no decision can be made (malformed input or a
	// criterion error); no transition happens on an invalid evaluation.
	Valid      bool
	Moving     bool
	Thresholds Thresholds
}

// Policy decides trip start, end and acceptance. It holds no per-device state.
type Policy struct {
	criterion MotionCriterion
	defaults  Thresholds
	logger    zerolog.Logger
}

// NewPolicy creates a policy around a motion criterion
func NewPolicy(criterion MotionCriterion, defaults Thresholds, logger zerolog.Logger) *Policy {
	if criterion == nil {
		criterion = SpeedCriterion{}
	}
	return &Policy{
		criterion: criterion,
		defaults:  defaults,
		logger:    logger.With().Str("component", "trip-policy").Logger(),
	}
}

// Defaults returns the configured thresholds
func (p *Policy) Defaults() Thresholds {
	return p.defaults
}

// ResolveThresholds applies per-device attribute overrides to the defaults.
// Unparseable overrides are ignored.
func (p *Policy) ResolveThresholds(deviceID string, attrs map[string]string) Thresholds {
	thr := p.defaults
	if len(attrs) == 0 {
		return thr
	}

	if raw, ok := attrs[AttrMinTripDuration]; ok {
		if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
			thr.MinDuration = d
		} else {
			p.logger.Warn().Str("device_id", deviceID).Str("value", raw).Msg("Ignoring invalid min_trip_duration override")
		}
	}
	if raw, ok := attrs[AttrMinTripDistance]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v >= 0 {
			thr.MinDistance = v
		} else {
			p.logger.Warn().Str("device_id", deviceID).Str("value", raw).Msg("Ignoring invalid min_trip_distance override")
		}
	}
	if raw, ok := attrs[AttrSpeedThreshold]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v >= 0 {
			thr.SpeedThreshold = v
		} else {
			p.logger.Warn().Str("device_id", deviceID).Str("value", raw).Msg("Ignoring invalid speed_threshold override")
		}
	}

	return thr
}

// Evaluate runs the motion criterion once for a position
func (p *Policy) Evaluate(ctx context.Context, s *DeviceState, pos Position, thr Thresholds) Evaluation {
	if pos.FixTime.IsZero() {
		return Evaluation{Thresholds: thr}
	}

	moving, err := p.criterion.Moving(ctx, MotionInput{
		Position:       pos,
		Previous:       s.LastSeen,
		Active:         s.Active,
		SpeedThreshold: thr.SpeedThreshold,
	})
	if err != nil {
		p.logger.Warn().Err(err).Str("device_id", pos.DeviceID).Msg("Motion criterion failed, no transition")
		return Evaluation{Thresholds: thr}
	}

	return Evaluation{Valid: true, Moving: moving, Thresholds: thr}
}

// ShouldStart reports whether pos begins a trip
func (p *Policy) ShouldStart(s *DeviceState, pos Position, ev Evaluation) bool {
	return ev.Valid && !s.Active && ev.Moving
}

// ShouldEnd reports whether pos ends the active trip. The stop must have
// lasted MinStop; a zero MinStop ends on the first stopped sample.
func (p *Policy) ShouldEnd(s *DeviceState, pos Position, ev Evaluation) bool {
	if !ev.Valid || !s.Active || ev.Moving {
		return false
	}
	if ev.Thresholds.MinStop <= 0 {
		return true
	}
	if s.StopSince == nil {
		return false
	}
	return pos.FixTime.Sub(*s.StopSince) >= ev.Thresholds.MinStop
}

// MeetsMinimumRequirements reports whether the trip ending at pos is kept.
// Duration runs from the start to the last moving sample.
func (p *Policy) MeetsMinimumRequirements(s *DeviceState, pos Position, ev Evaluation) bool {
	if s.Draft == nil || s.LastMotion == nil {
		return false
	}

	duration := s.LastMotion.FixTime.Sub(s.Draft.StartTime)
	if duration <= 0 {
		return false
	}

	return duration >= ev.Thresholds.MinDuration && s.Distance >= ev.Thresholds.MinDistance
}
