package trip

import (
	"time"

	"github.com/goodtune/triptrack/internal/storage"
)

// DeviceState is the in-memory trip state of one device. Active is true
// exactly when Draft is set.
type DeviceState struct {
	DeviceID string
	Active   bool
	Draft    *storage.Trip
	Distance float64 // meters accumulated on the active trip
	Resumed  bool    // draft was read back from storage after a restart

	LastSeen   *Position
	LastMotion *Position  // last sample of the active trip judged moving
	StopSince  *time.Time // first stopped sample of the current stop
}

// clone copies the state deeply enough that mutating the copy's draft does
// not touch the original. Positions are shared; they are never modified.
func (s DeviceState) clone() DeviceState {
	if s.Draft != nil {
		draft := *s.Draft
		s.Draft = &draft
	}
	if s.StopSince != nil {
		t := *s.StopSince
		s.StopSince = &t
	}
	return s
}

// observe records the motion verdict for pos on an active trip
func (s *DeviceState) observe(pos *Position, moving bool) {
	if !s.Active {
		return
	}
	if moving {
		s.LastMotion = pos
		s.StopSince = nil
		return
	}
	if s.StopSince == nil {
		t := pos.FixTime
		s.StopSince = &t
	}
}

// consistent reports whether the active flag and draft agree
func (s *DeviceState) consistent() bool {
	return s.Active == (s.Draft != nil)
}
