package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goodtune/triptrack/internal/storage"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
)

var tripRowColumns = []string{
	"id", "device_id", "user_id", "start_time", "end_time", "start_position_id",
	"end_position_id", "start_odometer", "distance", "duration_ms", "start_address", "end_address",
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func floatPtr(v float64) *float64 { return &v }

func TestMigrate(t *testing.T) {
	mock := newMock(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS trips`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	if err := Migrate(context.Background(), mock); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateAssignsID(t *testing.T) {
	mock := newMock(t)
	store := NewTripStore(mock, time.Second)

	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	trip := &storage.Trip{DeviceID: "dev-1", StartTime: start, StartPositionID: "p1", StartOdometer: floatPtr(100)}

	mock.ExpectExec(`INSERT INTO trips`).
		WithArgs(pgxmock.AnyArg(), "dev-1", nil, start, pgxmock.AnyArg(), "p1", nil,
			pgxmock.AnyArg(), 0.0, int64(0), nil, nil).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := store.Create(context.Background(), trip)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == "" || trip.ID != id {
		t.Fatalf("expected generated id written back, got %q/%q", id, trip.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateOpenTripConflict(t *testing.T) {
	mock := newMock(t)
	store := NewTripStore(mock, time.Second)

	mock.ExpectExec(`INSERT INTO trips`).
		WithArgs(anyArgs(12)...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "trips_one_open_per_device"})

	trip := &storage.Trip{DeviceID: "dev-1", StartTime: time.Now()}
	_, err := store.Create(context.Background(), trip)
	if !errors.Is(err, storage.ErrOpenTripExists) {
		t.Fatalf("expected ErrOpenTripExists, got %v", err)
	}
	if trip.ID != "" {
		t.Fatalf("failed create must not assign an id, got %q", trip.ID)
	}
}

func TestCreateDuplicateID(t *testing.T) {
	mock := newMock(t)
	store := NewTripStore(mock, time.Second)

	mock.ExpectExec(`INSERT INTO trips`).
		WithArgs(anyArgs(12)...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "trips_pkey"})

	_, err := store.Create(context.Background(), &storage.Trip{ID: "trip-1", DeviceID: "dev-1", StartTime: time.Now()})
	if !errors.Is(err, storage.ErrTripExists) {
		t.Fatalf("expected ErrTripExists, got %v", err)
	}
}

func TestGetOpenTrip(t *testing.T) {
	mock := newMock(t)
	store := NewTripStore(mock, time.Second)

	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT id, device_id, .* FROM trips WHERE device_id = \$1 AND end_time IS NULL ORDER BY start_time DESC LIMIT 1`).
		WithArgs("dev-1").
		WillReturnRows(pgxmock.NewRows(tripRowColumns).
			AddRow("trip-1", "dev-1", "user-1", start, nil, "p1", "", floatPtr(100), 250.0, int64(0), "Depot", ""))

	trip, err := store.Get(context.Background(), storage.Filter{DeviceID: "dev-1", OpenOnly: true})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if trip.ID != "trip-1" || trip.Closed() {
		t.Fatalf("unexpected trip: %+v", trip)
	}
	if trip.StartOdometer == nil || *trip.StartOdometer != 100 {
		t.Fatalf("unexpected start odometer: %v", trip.StartOdometer)
	}
	if trip.Distance != 250 {
		t.Fatalf("unexpected distance: %v", trip.Distance)
	}
}

func TestGetNotFound(t *testing.T) {
	mock := newMock(t)
	store := NewTripStore(mock, time.Second)

	mock.ExpectQuery(`SELECT id, device_id, .* FROM trips WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(tripRowColumns))

	_, err := store.Get(context.Background(), storage.Filter{ID: "missing"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdate(t *testing.T) {
	mock := newMock(t)
	store := NewTripStore(mock, time.Second)

	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	trip := storage.Trip{
		ID: "trip-1", DeviceID: "dev-1", StartTime: start, EndTime: &end,
		EndPositionID: "p9", Distance: 500, Duration: 90 * time.Second,
	}

	mock.ExpectExec(`UPDATE trips SET`).
		WithArgs("trip-1", "dev-1", nil, start, &end, nil, "p9", pgxmock.AnyArg(), 500.0, int64(90000), nil, nil).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := store.Update(context.Background(), trip); err != nil {
		t.Fatalf("update: %v", err)
	}

	mock.ExpectExec(`UPDATE trips SET`).
		WithArgs(anyArgs(12)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	if err := store.Update(context.Background(), trip); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDelete(t *testing.T) {
	mock := newMock(t)
	store := NewTripStore(mock, time.Second)

	mock.ExpectExec(`DELETE FROM trips WHERE id = \$1 AND device_id = \$2`).
		WithArgs("trip-1", "dev-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	n, err := store.Delete(context.Background(), storage.Filter{ID: "trip-1", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}

	if _, err := store.Delete(context.Background(), storage.Filter{}); !errors.Is(err, storage.ErrEmptyFilter) {
		t.Fatalf("expected ErrEmptyFilter, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListOrdersOldestFirst(t *testing.T) {
	mock := newMock(t)
	store := NewTripStore(mock, time.Second)

	t1 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	e1 := t1.Add(10 * time.Minute)

	mock.ExpectQuery(`FROM trips WHERE device_id = \$1 ORDER BY start_time DESC LIMIT \$2`).
		WithArgs("dev-1", 2).
		WillReturnRows(pgxmock.NewRows(tripRowColumns).
			AddRow("trip-2", "dev-1", "", t2, nil, "p5", "", nil, 0.0, int64(0), "", "").
			AddRow("trip-1", "dev-1", "", t1, &e1, "p1", "p4", nil, 800.0, int64(600000), "", ""))

	trips, err := store.List(context.Background(), storage.Filter{DeviceID: "dev-1", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(trips) != 2 {
		t.Fatalf("expected 2 trips, got %d", len(trips))
	}
	if trips[0].ID != "trip-1" || trips[1].ID != "trip-2" {
		t.Fatalf("unexpected order: %s, %s", trips[0].ID, trips[1].ID)
	}
	if trips[0].Duration != 10*time.Minute {
		t.Fatalf("unexpected duration: %v", trips[0].Duration)
	}
}

// anyArgs matches n arguments of any value
func anyArgs(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}
