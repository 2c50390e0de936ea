package trip

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/goodtune/triptrack/internal/geo"
	"github.com/goodtune/triptrack/internal/metrics"
	"github.com/goodtune/triptrack/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultShards is used when NewManager is given a non-positive shard count
const DefaultShards = 32

// UserLookup resolves the users associated with a device
type UserLookup interface {
	UserIDs(ctx context.Context, deviceID string) ([]string, error)
}

// Manager owns the per-device states. Devices are spread over shards so
// lookups for different devices rarely contend, and each device has its own
// lock so one slow device never blocks another.
type Manager struct {
	shards []*shard
	users  UserLookup
	logger zerolog.Logger

	devices atomic.Int64
	active  atomic.Int64
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*deviceEntry
}

type deviceEntry struct {
	mu     sync.Mutex
	state  DeviceState
	loaded bool
}

// Handle is exclusive access to one device's state until Release is called
type Handle struct {
	entry    *deviceEntry
	released bool
}

// State returns the device state. Only valid until Release.
func (h *Handle) State() *DeviceState {
	return &h.entry.state
}

// Loaded reports whether durable state has been merged into this entry
func (h *Handle) Loaded() bool {
	return h.entry.loaded
}

// MarkLoaded records that durable state has been merged
func (h *Handle) MarkLoaded() {
	h.entry.loaded = true
}

// Invalidate forces the next acquisition to reload durable state
func (h *Handle) Invalidate() {
	h.entry.loaded = false
}

// Release gives up the device lock. Calling it twice is a no-op.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.entry.mu.Unlock()
}

// NewManager creates a manager. users may be nil.
func NewManager(shards int, users UserLookup, logger zerolog.Logger) *Manager {
	if shards <= 0 {
		shards = DefaultShards
	}

	m := &Manager{
		shards: make([]*shard, shards),
		users:  users,
		logger: logger.With().Str("component", "trip-state").Logger(),
	}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]*deviceEntry)}
	}
	return m
}

func (m *Manager) shardFor(deviceID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// Acquire fetches or creates the state for deviceID and locks it
func (m *Manager) Acquire(deviceID string) *Handle {
	sh := m.shardFor(deviceID)

	sh.mu.RLock()
	entry, ok := sh.entries[deviceID]
	sh.mu.RUnlock()

	if !ok {
		sh.mu.Lock()
		entry, ok = sh.entries[deviceID]
		if !ok {
			entry = &deviceEntry{state: DeviceState{DeviceID: deviceID}}
			sh.entries[deviceID] = entry
			metrics.TrackedDevices.Set(float64(m.devices.Add(1)))
		}
		sh.mu.Unlock()
	}

	entry.mu.Lock()
	return &Handle{entry: entry}
}

// Start opens a draft trip at pos. The user is resolved best-effort.
func (m *Manager) Start(ctx context.Context, s *DeviceState, pos *Position) {
	draft := &storage.Trip{
		DeviceID:        s.DeviceID,
		StartTime:       pos.FixTime,
		StartPositionID: pos.ID,
		StartAddress:    pos.Address,
	}
	if pos.Odometer != nil {
		odo := *pos.Odometer
		draft.StartOdometer = &odo
	}
	draft.UserID = m.resolveUser(ctx, s.DeviceID)

	if !s.Active {
		m.setActive(1)
	}
	s.Active = true
	s.Draft = draft
	s.Resumed = false
	s.Distance = 0
	s.LastMotion = pos
	s.StopSince = nil
}

// Resume reinstates an open trip read back from storage
func (m *Manager) Resume(s *DeviceState, trip storage.Trip) {
	if !s.Active {
		m.setActive(1)
	}
	s.Active = true
	s.Draft = &trip
	s.Resumed = true
	s.Distance = trip.Distance
	s.LastMotion = &Position{
		ID:       trip.StartPositionID,
		DeviceID: trip.DeviceID,
		FixTime:  trip.StartTime,
		Odometer: trip.StartOdometer,
		Address:  trip.StartAddress,
	}
	s.StopSince = nil
}

// Accumulate adds the increment from the last seen position to pos when a
// trip is active
func (m *Manager) Accumulate(s *DeviceState, pos *Position) (float64, geo.Anomaly) {
	if !s.Active || s.LastSeen == nil {
		return 0, geo.AnomalyNone
	}

	inc, anomaly := geo.Increment(s.LastSeen.sample(), pos.sample())
	s.Distance += inc
	return inc, anomaly
}

// Clear resets the device to inactive, keeping the last seen position
func (m *Manager) Clear(s *DeviceState) {
	if s.Active {
		m.setActive(-1)
	}
	s.Active = false
	s.Draft = nil
	s.Resumed = false
	s.Distance = 0
	s.LastMotion = nil
	s.StopSince = nil
}

// Snapshot copies the state for a later Restore
func (m *Manager) Snapshot(s *DeviceState) DeviceState {
	return s.clone()
}

// Restore puts a snapshot back in place
func (m *Manager) Restore(s *DeviceState, snap DeviceState) {
	switch {
	case s.Active && !snap.Active:
		m.setActive(-1)
	case !s.Active && snap.Active:
		m.setActive(1)
	}
	*s = snap.clone()
}

// Len returns the number of devices with state
func (m *Manager) Len() int {
	return int(m.devices.Load())
}

// ActiveCount returns the number of devices with an active trip
func (m *Manager) ActiveCount() int {
	return int(m.active.Load())
}

func (m *Manager) setActive(delta int64) {
	metrics.ActiveTrips.Set(float64(m.active.Add(delta)))
}

func (m *Manager) resolveUser(ctx context.Context, deviceID string) string {
	if m.users == nil {
		return ""
	}

	ids, err := m.users.UserIDs(ctx, deviceID)
	if err != nil {
		m.logger.Debug().Err(err).Str("device_id", deviceID).Msg("User lookup failed, trip has no owner")
		return ""
	}
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}
