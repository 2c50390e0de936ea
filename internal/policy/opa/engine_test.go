package opa

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/triptrack/internal/trip"
	"github.com/rs/zerolog"
)

const motionPolicy = `package triptrack.motion

import rego.v1

default moving := false

# Ignition wins when the device reports it
moving if {
	input.position.attributes.ignition == true
	input.position.speed > 0
}

moving if {
	not input.position.attributes.ignition == false
	input.position.speed > input.speed_threshold
}
`

func writePolicy(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
}

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()

	dir := t.TempDir()
	writePolicy(t, dir, "motion.rego", motionPolicy)

	engine, err := NewEngine(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine, dir
}

func TestMoving(t *testing.T) {
	engine, _ := newTestEngine(t)

	tests := []struct {
		name string
		in   trip.MotionInput
		want bool
	}{
		{
			name: "fast without ignition attribute",
			in:   trip.MotionInput{Position: trip.Position{DeviceID: "d", Speed: 30}, SpeedThreshold: 5},
			want: true,
		},
		{
			name: "slow without ignition attribute",
			in:   trip.MotionInput{Position: trip.Position{DeviceID: "d", Speed: 3}, SpeedThreshold: 5},
			want: false,
		},
		{
			name: "ignition on crawling",
			in: trip.MotionInput{
				Position:       trip.Position{DeviceID: "d", Speed: 1, Attributes: map[string]any{"ignition": true}},
				SpeedThreshold: 5,
			},
			want: true,
		},
		{
			name: "ignition off overrides speed",
			in: trip.MotionInput{
				Position:       trip.Position{DeviceID: "d", Speed: 60, Attributes: map[string]any{"ignition": false}},
				SpeedThreshold: 5,
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Moving(context.Background(), tt.in)
			if err != nil {
				t.Fatalf("Moving failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected moving=%v, got %v", tt.want, got)
			}
		})
	}
}

func TestMovingSeesPreviousPosition(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "odometer.rego", `package triptrack.motion

import rego.v1

default moving := false

moving if input.position.odometer - input.previous.odometer > 10
`)

	engine, err := NewEngine(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	prev, cur := 1000.0, 1025.0
	got, err := engine.Moving(context.Background(), trip.MotionInput{
		Position: trip.Position{DeviceID: "d", Odometer: &cur},
		Previous: &trip.Position{DeviceID: "d", Odometer: &prev},
	})
	if err != nil {
		t.Fatalf("Moving failed: %v", err)
	}
	if !got {
		t.Error("Expected odometer advance to count as moving")
	}

	// No previous sample leaves the rule at its default
	got, err = engine.Moving(context.Background(), trip.MotionInput{Position: trip.Position{DeviceID: "d", Odometer: &cur}})
	if err != nil {
		t.Fatalf("Moving failed: %v", err)
	}
	if got {
		t.Error("Expected default when previous position is missing")
	}
}

func TestUndefinedMotionIsError(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "partial.rego", `package triptrack.motion

import rego.v1

moving if input.position.speed > 100
`)

	engine, err := NewEngine(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	if _, err := engine.Moving(context.Background(), trip.MotionInput{Position: trip.Position{DeviceID: "d"}}); err == nil {
		t.Error("Expected error for undefined result")
	}
}

func TestNewEngineWithoutPolicies(t *testing.T) {
	if _, err := NewEngine("/nonexistent/path", zerolog.Nop()); err == nil {
		t.Error("Expected error when creating engine with invalid policy dir")
	}

	dir := t.TempDir()
	writePolicy(t, dir, "broken.rego", "package triptrack.motion\n\nmoving := {")
	if _, err := NewEngine(dir, zerolog.Nop()); err == nil {
		t.Error("Expected error for unparseable policy")
	}
}

func TestReloadKeepsPreviousPolicyOnFailure(t *testing.T) {
	engine, dir := newTestEngine(t)

	writePolicy(t, dir, "motion.rego", "package triptrack.motion\n\nmoving := {")
	if err := engine.Reload(); err == nil {
		t.Fatal("Expected reload of broken policy to fail")
	}

	got, err := engine.Moving(context.Background(), trip.MotionInput{Position: trip.Position{DeviceID: "d", Speed: 30}})
	if err != nil {
		t.Fatalf("Moving failed: %v", err)
	}
	if !got {
		t.Error("Expected previous policy to remain active")
	}
}

// TestReloadThreadSafety runs evaluations while the policy is reloaded
func TestReloadThreadSafety(t *testing.T) {
	engine, _ := newTestEngine(t)

	var wg sync.WaitGroup
	ctx := context.Background()
	done := make(chan bool)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					_, _ = engine.Moving(ctx, trip.MotionInput{
						Position:       trip.Position{DeviceID: "d", Speed: 20, FixTime: time.Now()},
						SpeedThreshold: 5,
					})
					time.Sleep(1 * time.Millisecond)
				}
			}
		}()
	}

	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		if err := engine.Reload(); err != nil {
			t.Errorf("Reload failed: %v", err)
		}
	}

	close(done)
	wg.Wait()
}

func TestEngineAsTripCriterion(t *testing.T) {
	engine, _ := newTestEngine(t)
	var _ trip.MotionCriterion = engine

	p := trip.NewPolicy(engine, trip.Thresholds{SpeedThreshold: 5}, zerolog.Nop())
	ev := p.Evaluate(context.Background(), &trip.DeviceState{DeviceID: "d"},
		trip.Position{DeviceID: "d", FixTime: time.Now(), Speed: 40}, p.Defaults())
	if !ev.Valid || !ev.Moving {
		t.Errorf("Expected valid moving evaluation, got %+v", ev)
	}
}
