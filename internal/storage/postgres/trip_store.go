package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/triptrack/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	uniqueViolation   = "23505"
	openTripIndexName = "trips_one_open_per_device"
	primaryKeyName    = "trips_pkey"
)

const tripColumns = `id, device_id, COALESCE(user_id, ''), start_time, end_time,
	COALESCE(start_position_id, ''), COALESCE(end_position_id, ''), start_odometer,
	distance, duration_ms, COALESCE(start_address, ''), COALESCE(end_address, '')`

type tripStore struct {
	db           Querier
	queryTimeout time.Duration
}

func newTripStore(db Querier, queryTimeout time.Duration) *tripStore {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &tripStore{db: db, queryTimeout: queryTimeout}
}

// Create inserts a new trip and returns its ID
func (s *tripStore) Create(ctx context.Context, trip *storage.Trip) (string, error) {
	record := *trip
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if err := record.Validate(); err != nil {
		return "", fmt.Errorf("storage: Create: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	_, err := s.db.Exec(ctx, `
		INSERT INTO trips (id, device_id, user_id, start_time, end_time, start_position_id,
			end_position_id, start_odometer, distance, duration_ms, start_address, end_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		record.ID, record.DeviceID, nullString(record.UserID), record.StartTime, record.EndTime,
		nullString(record.StartPositionID), nullString(record.EndPositionID), record.StartOdometer,
		record.Distance, record.DurationMS(), nullString(record.StartAddress), nullString(record.EndAddress),
	)
	if err != nil {
		switch uniqueConstraint(err) {
		case openTripIndexName:
			return "", storage.ErrOpenTripExists
		case primaryKeyName:
			return "", storage.ErrTripExists
		}
		return "", fmt.Errorf("storage: Create: %w", err)
	}

	trip.ID = record.ID
	return record.ID, nil
}

// Get returns the most recently started trip matching the filter
func (s *tripStore) Get(ctx context.Context, filter storage.Filter) (*storage.Trip, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	where, args := whereClause(filter)
	row := s.db.QueryRow(ctx,
		`SELECT `+tripColumns+` FROM trips`+where+` ORDER BY start_time DESC LIMIT 1`,
		args...,
	)

	trip, err := scanTrip(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: Get: %w", err)
	}

	return trip, nil
}

// Update overwrites an existing trip by ID
func (s *tripStore) Update(ctx context.Context, trip storage.Trip) error {
	if trip.ID == "" {
		return fmt.Errorf("storage: Update: missing id")
	}
	if err := trip.Validate(); err != nil {
		return fmt.Errorf("storage: Update: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tag, err := s.db.Exec(ctx, `
		UPDATE trips SET device_id = $2, user_id = $3, start_time = $4, end_time = $5,
			start_position_id = $6, end_position_id = $7, start_odometer = $8, distance = $9,
			duration_ms = $10, start_address = $11, end_address = $12
		WHERE id = $1`,
		trip.ID, trip.DeviceID, nullString(trip.UserID), trip.StartTime, trip.EndTime,
		nullString(trip.StartPositionID), nullString(trip.EndPositionID), trip.StartOdometer,
		trip.Distance, trip.DurationMS(), nullString(trip.StartAddress), nullString(trip.EndAddress),
	)
	if err != nil {
		if uniqueConstraint(err) == openTripIndexName {
			return storage.ErrOpenTripExists
		}
		return fmt.Errorf("storage: Update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// Delete removes every trip matching the filter
func (s *tripStore) Delete(ctx context.Context, filter storage.Filter) (int, error) {
	if filter.Empty() {
		return 0, storage.ErrEmptyFilter
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	where, args := whereClause(filter)
	tag, err := s.db.Exec(ctx, `DELETE FROM trips`+where, args...)
	if err != nil {
		return 0, fmt.Errorf("storage: Delete: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

// List returns matching trips ordered by start time, keeping the latest Limit
func (s *tripStore) List(ctx context.Context, filter storage.Filter) ([]storage.Trip, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	where, args := whereClause(filter)
	query := `SELECT ` + tripColumns + ` FROM trips` + where + ` ORDER BY start_time DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: List: %w", err)
	}
	defer rows.Close()

	trips := make([]storage.Trip, 0)
	for rows.Next() {
		trip, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: List: %w", err)
		}
		trips = append(trips, *trip)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: List: %w", err)
	}

	// Newest first from the query; callers get oldest first
	for i, j := 0, len(trips)-1; i < j; i, j = i+1, j-1 {
		trips[i], trips[j] = trips[j], trips[i]
	}

	return trips, nil
}

func whereClause(filter storage.Filter) (string, []any) {
	var conds []string
	var args []any

	if filter.ID != "" {
		args = append(args, filter.ID)
		conds = append(conds, fmt.Sprintf("id = $%d", len(args)))
	}
	if filter.DeviceID != "" {
		args = append(args, filter.DeviceID)
		conds = append(conds, fmt.Sprintf("device_id = $%d", len(args)))
	}
	if filter.OpenOnly {
		conds = append(conds, "end_time IS NULL")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanTrip(row pgx.Row) (*storage.Trip, error) {
	var trip storage.Trip
	var durationMS int64

	err := row.Scan(
		&trip.ID, &trip.DeviceID, &trip.UserID, &trip.StartTime, &trip.EndTime,
		&trip.StartPositionID, &trip.EndPositionID, &trip.StartOdometer,
		&trip.Distance, &durationMS, &trip.StartAddress, &trip.EndAddress,
	)
	if err != nil {
		return nil, err
	}

	trip.Duration = time.Duration(durationMS) * time.Millisecond
	return &trip, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// uniqueConstraint returns the constraint behind a unique violation, or ""
func uniqueConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return pgErr.ConstraintName
	}
	return ""
}
