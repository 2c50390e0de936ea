package trip

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func odometer(v float64) *float64 { return &v }

func TestBuiltinCriteria(t *testing.T) {
	tests := []struct {
		name      string
		criterion MotionCriterion
		in        MotionInput
		want      bool
	}{
		{
			name:      "speed above threshold",
			criterion: SpeedCriterion{},
			in:        MotionInput{Position: Position{Speed: 12}, SpeedThreshold: 10},
			want:      true,
		},
		{
			name:      "speed at threshold",
			criterion: SpeedCriterion{},
			in:        MotionInput{Position: Position{Speed: 10}, SpeedThreshold: 10},
			want:      false,
		},
		{
			name:      "ignition on",
			criterion: IgnitionCriterion{Attribute: "ignition"},
			in:        MotionInput{Position: Position{Attributes: map[string]any{"ignition": true}}},
			want:      true,
		},
		{
			name:      "ignition string off",
			criterion: IgnitionCriterion{Attribute: "ignition"},
			in:        MotionInput{Position: Position{Speed: 60, Attributes: map[string]any{"ignition": "off"}}},
			want:      false,
		},
		{
			name:      "ignition missing",
			criterion: IgnitionCriterion{Attribute: "ignition"},
			in:        MotionInput{Position: Position{Speed: 60}},
			want:      false,
		},
		{
			name:      "odometer advanced",
			criterion: OdometerCriterion{MinDelta: 5},
			in: MotionInput{
				Position: Position{Odometer: odometer(1010)},
				Previous: &Position{Odometer: odometer(1000)},
			},
			want: true,
		},
		{
			name:      "odometer within noise",
			criterion: OdometerCriterion{MinDelta: 5},
			in: MotionInput{
				Position: Position{Speed: 50, Odometer: odometer(1003)},
				Previous: &Position{Odometer: odometer(1000)},
			},
			want: false,
		},
		{
			name:      "odometer falls back to speed",
			criterion: OdometerCriterion{MinDelta: 5},
			in:        MotionInput{Position: Position{Speed: 50, Odometer: odometer(1003)}},
			want:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.criterion.Moving(context.Background(), tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewCriterion(t *testing.T) {
	c, err := NewCriterion("ignition", "acc", 0)
	require.NoError(t, err)
	assert.Equal(t, IgnitionCriterion{Attribute: "acc"}, c)

	c, err = NewCriterion("", "", 0)
	require.NoError(t, err)
	assert.Equal(t, SpeedCriterion{}, c)

	_, err = NewCriterion("vibes", "", 0)
	assert.Error(t, err)
}

func TestBoolAttribute(t *testing.T) {
	p := Position{Attributes: map[string]any{
		"a": true, "b": float64(0), "c": "ON", "d": "1", "e": "maybe", "f": int64(3),
	}}

	tests := []struct {
		key    string
		want   bool
		wantOK bool
	}{
		{"a", true, true},
		{"b", false, true},
		{"c", true, true},
		{"d", true, true},
		{"e", false, false},
		{"f", true, true},
		{"missing", false, false},
	}

	for _, tt := range tests {
		got, ok := p.BoolAttribute(tt.key)
		assert.Equal(t, tt.want, got, tt.key)
		assert.Equal(t, tt.wantOK, ok, tt.key)
	}
}
