package trip

import (
	"context"
	"fmt"
)

// MotionInput is what a criterion sees when judging one position
type MotionInput struct {
	Position       Position
	Previous       *Position // last position seen for the device, if any
	Active         bool
	SpeedThreshold float64 // km/h, after per-device overrides
}

// MotionCriterion decides whether a device is moving at a position
type MotionCriterion interface {
	Moving(ctx context.Context, in MotionInput) (bool, error)
}

// SpeedCriterion treats a device as moving above a speed threshold
type SpeedCriterion struct{}

// Moving implements MotionCriterion
func (SpeedCriterion) Moving(_ context.Context, in MotionInput) (bool, error) {
	return in.Position.Speed > in.SpeedThreshold, nil
}

// IgnitionCriterion follows a boolean ignition attribute
type IgnitionCriterion struct {
	Attribute string
}

// Moving implements MotionCriterion. A missing attribute counts as stopped.
func (c IgnitionCriterion) Moving(_ context.Context, in MotionInput) (bool, error) {
	on, ok := in.Position.BoolAttribute(c.Attribute)
	if !ok {
		return false, nil
	}
	return on, nil
}

// OdometerCriterion treats the device as moving when the odometer advanced
// by more than MinDelta meters since the previous sample. Samples without
// two odometer readings fall back to speed.
type OdometerCriterion struct {
	MinDelta float64
}

// Moving implements MotionCriterion
func (c OdometerCriterion) Moving(ctx context.Context, in MotionInput) (bool, error) {
	if in.Previous == nil || in.Previous.Odometer == nil || in.Position.Odometer == nil {
		return SpeedCriterion{}.Moving(ctx, in)
	}
	return *in.Position.Odometer-*in.Previous.Odometer > c.MinDelta, nil
}

// CriterionFunc adapts a function to MotionCriterion
type CriterionFunc func(ctx context.Context, in MotionInput) (bool, error)

// Moving implements MotionCriterion
func (f CriterionFunc) Moving(ctx context.Context, in MotionInput) (bool, error) {
	return f(ctx, in)
}

// NewCriterion builds one of the built-in criteria by name. The rego
// criterion lives in its own package and is wired by the caller.
func NewCriterion(name, ignitionAttribute string, odometerMinDelta float64) (MotionCriterion, error) {
	switch name {
	case "speed", "":
		return SpeedCriterion{}, nil
	case "ignition":
		return IgnitionCriterion{Attribute: ignitionAttribute}, nil
	case "odometer":
		return OdometerCriterion{MinDelta: odometerMinDelta}, nil
	default:
		return nil, fmt.Errorf("unknown motion criterion: %q", name)
	}
}
