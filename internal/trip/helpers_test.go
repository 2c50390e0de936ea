package trip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/triptrack/internal/config"
	"github.com/goodtune/triptrack/internal/geo"
	"github.com/goodtune/triptrack/internal/notify"
	"github.com/goodtune/triptrack/internal/storage"
	redisstore "github.com/goodtune/triptrack/internal/storage/redis"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errStorageDown = errors.New("storage unavailable")

var scenarioThresholds = Thresholds{
	MinDuration: 60 * time.Second,
	MinDistance: 200,
}

func newTestStore(t *testing.T) storage.TripStore {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := redisstore.Open(config.RedisConfig{
		Host:         mr.Addr(),
		PoolSize:     10,
		DialTimeout:  "1s",
		ReadTimeout:  "1s",
		WriteTimeout: "1s",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store.Trips()
}

// flakyStore fails the next N calls of each operation
type flakyStore struct {
	storage.TripStore

	mu         sync.Mutex
	failCreate int
	failUpdate int
	failDelete int
	failGet    int
	createErr  error
}

func (f *flakyStore) take(n *int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if *n > 0 {
		*n--
		return true
	}
	return false
}

func (f *flakyStore) Create(ctx context.Context, trip *storage.Trip) (string, error) {
	if f.take(&f.failCreate) {
		if f.createErr != nil {
			return "", f.createErr
		}
		return "", errStorageDown
	}
	return f.TripStore.Create(ctx, trip)
}

func (f *flakyStore) Update(ctx context.Context, trip storage.Trip) error {
	if f.take(&f.failUpdate) {
		return errStorageDown
	}
	return f.TripStore.Update(ctx, trip)
}

func (f *flakyStore) Delete(ctx context.Context, filter storage.Filter) (int, error) {
	if f.take(&f.failDelete) {
		return 0, errStorageDown
	}
	return f.TripStore.Delete(ctx, filter)
}

func (f *flakyStore) Get(ctx context.Context, filter storage.Filter) (*storage.Trip, error) {
	if f.take(&f.failGet) {
		return nil, errStorageDown
	}
	return f.TripStore.Get(ctx, filter)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, event notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingNotifier) types() []notify.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type staticAttributes map[string]map[string]string

func (s staticAttributes) Attributes(_ context.Context, deviceID string) (map[string]string, error) {
	return s[deviceID], nil
}

type fixture struct {
	store   storage.TripStore
	manager *Manager
	tracker *Tracker
	events  *recordingNotifier
}

func newFixture(t *testing.T, store storage.TripStore, strategy Strategy, thr Thresholds) *fixture {
	t.Helper()
	return newFixtureWith(t, store, SpeedCriterion{}, strategy, thr, nil)
}

func newFixtureWith(t *testing.T, store storage.TripStore, criterion MotionCriterion, strategy Strategy, thr Thresholds, attrs AttributeLookup) *fixture {
	t.Helper()

	events := &recordingNotifier{}
	manager := NewManager(4, nil, zerolog.Nop())
	policy := NewPolicy(criterion, thr, zerolog.Nop())
	tracker := NewTracker(store, manager, policy, Config{
		Strategy:       strategy,
		StorageTimeout: time.Second,
		Notifier:       events,
		Attributes:     attrs,
	}, zerolog.Nop())

	return &fixture{store: store, manager: manager, tracker: tracker, events: events}
}

func (f *fixture) feed(positions ...Position) {
	for _, p := range positions {
		f.tracker.OnPosition(context.Background(), p)
	}
}

func (f *fixture) state(deviceID string) DeviceState {
	h := f.manager.Acquire(deviceID)
	defer h.Release()
	return h.State().clone()
}

func (f *fixture) trips(t *testing.T, deviceID string) []storage.Trip {
	t.Helper()
	trips, err := f.store.List(context.Background(), storage.Filter{DeviceID: deviceID})
	require.NoError(t, err)
	return trips
}

// driver lays out a track with one sample every 10 seconds heading north
type driver struct {
	device string
	at     time.Time
	lat    float64
	lon    float64
	seq    int
}

func newDriver(device string) *driver {
	return &driver{
		device: device,
		at:     time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		lat:    52.52,
		lon:    13.405,
	}
}

func (d *driver) next(meters, speed float64) Position {
	d.seq++
	d.at = d.at.Add(10 * time.Second)
	d.lat = geo.OffsetNorth(d.lat, meters)
	return Position{
		ID:        fmt.Sprintf("%s-%d", d.device, d.seq),
		DeviceID:  d.device,
		FixTime:   d.at,
		Latitude:  d.lat,
		Longitude: d.lon,
		Speed:     speed,
	}
}

func (d *driver) stop() Position {
	return d.next(0, 0)
}

func (d *driver) move(meters float64) Position {
	return d.next(meters, 40)
}

func (d *driver) stops(n int) []Position {
	out := make([]Position, n)
	for i := range out {
		out[i] = d.stop()
	}
	return out
}

func (d *driver) moves(n int, meters float64) []Position {
	out := make([]Position, n)
	for i := range out {
		out[i] = d.move(meters)
	}
	return out
}

// scenario returns stationary, moving and stationary phases
func (d *driver) scenario(moving int) []Position {
	var out []Position
	out = append(out, d.stops(5)...)
	out = append(out, d.moves(moving, 50)...)
	out = append(out, d.stops(5)...)
	return out
}
