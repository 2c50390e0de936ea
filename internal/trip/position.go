package trip

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goodtune/triptrack/internal/geo"
	"github.com/goodtune/triptrack/internal/notify"
)

// Position is one geolocation sample from a device. Positions are never
// modified once received.
type Position struct {
	ID         string         `json:"id,omitempty"`
	DeviceID   string         `json:"device_id"`
	FixTime    time.Time      `json:"fix_time"`
	Latitude   float64        `json:"latitude"`
	Longitude  float64        `json:"longitude"`
	Speed      float64        `json:"speed"`              // km/h
	Odometer   *float64       `json:"odometer,omitempty"` // meters
	Address    string         `json:"address,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (p Position) sample() geo.Sample {
	return geo.Sample{Latitude: p.Latitude, Longitude: p.Longitude, Odometer: p.Odometer}
}

func (p Position) ref() notify.PositionRef {
	return notify.PositionRef{
		ID:        p.ID,
		FixTime:   p.FixTime,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Speed:     p.Speed,
		Address:   p.Address,
	}
}

// BoolAttribute reads a boolean-ish attribute. The second result is false
// when the attribute is missing or not interpretable.
func (p Position) BoolAttribute(name string) (bool, bool) {
	v, ok := p.Attributes[name]
	if !ok {
		return false, false
	}

	switch val := v.(type) {
	case bool:
		return val, true
	case float64:
		return val != 0, true
	case int:
		return val != 0, true
	case int64:
		return val != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "on", "yes":
			return true, true
		case "false", "off", "no":
			return false, true
		}
		if n, err := strconv.ParseFloat(val, 64); err == nil {
			return n != 0, true
		}
	}

	return false, false
}

func (p Position) String() string {
	return fmt.Sprintf("%s@%s", p.DeviceID, p.FixTime.Format(time.RFC3339))
}
