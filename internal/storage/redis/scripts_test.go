package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a miniredis instance for testing Lua scripts
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

func evalCreate(ctx context.Context, client *redis.Client, tripID, deviceID string, score int64, open string) *redis.Cmd {
	return client.Eval(ctx, createTripScript, []string{
		tripKey(tripID),
		deviceIndexKey(deviceID),
		allTripsKey,
		openTripsKey,
	}, tripID, deviceID, score, open, "id", tripID, "device_id", deviceID)
}

func TestCreateTripScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()

	tests := []struct {
		name       string
		tripID     string
		deviceID   string
		open       string
		want       int64
		wantOpenID string
	}{
		{
			name:       "create open trip",
			tripID:     "trip-1",
			deviceID:   "device-1",
			open:       "1",
			want:       1,
			wantOpenID: "trip-1",
		},
		{
			name:       "second open trip for same device rejected",
			tripID:     "trip-2",
			deviceID:   "device-1",
			open:       "1",
			want:       -1,
			wantOpenID: "trip-1",
		},
		{
			name:       "closed trip for same device accepted",
			tripID:     "trip-3",
			deviceID:   "device-1",
			open:       "0",
			want:       1,
			wantOpenID: "trip-1",
		},
		{
			name:       "duplicate id rejected",
			tripID:     "trip-3",
			deviceID:   "device-1",
			open:       "0",
			want:       0,
			wantOpenID: "trip-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evalCreate(ctx, client, tt.tripID, tt.deviceID, 1000, tt.open).Int64()
			if err != nil {
				t.Fatalf("Script execution failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected result=%d, got %d", tt.want, got)
			}

			openID := client.HGet(ctx, openTripsKey, tt.deviceID).Val()
			if openID != tt.wantOpenID {
				t.Errorf("Expected open index=%s, got %s", tt.wantOpenID, openID)
			}
		})
	}

	members := client.ZRange(ctx, deviceIndexKey("device-1"), 0, -1).Val()
	if len(members) != 2 {
		t.Errorf("Expected 2 trips in device index, got %v", members)
	}
}

func TestUpdateTripScript_ClosesOpenIndex(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()

	if err := evalCreate(ctx, client, "trip-1", "device-1", 1000, "1").Err(); err != nil {
		t.Fatalf("Failed to create trip: %v", err)
	}

	keys := []string{tripKey("trip-1"), deviceIndexKey("device-1"), allTripsKey, openTripsKey}
	got, err := client.Eval(ctx, updateTripScript, keys,
		"trip-1", "device-1", 1000, "0", "end_time", "2024-05-01T08:01:30Z").Int64()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if got != 1 {
		t.Errorf("Expected result=1, got %d", got)
	}

	if client.HExists(ctx, openTripsKey, "device-1").Val() {
		t.Error("Open index should be cleared after close")
	}
	if v := client.HGet(ctx, tripKey("trip-1"), "end_time").Val(); v != "2024-05-01T08:01:30Z" {
		t.Errorf("Expected end_time to be written, got %q", v)
	}

	// Updating a missing trip reports zero
	missing := []string{tripKey("nope"), deviceIndexKey("device-1"), allTripsKey, openTripsKey}
	got, err = client.Eval(ctx, updateTripScript, missing, "nope", "device-1", 1000, "0", "id", "nope").Int64()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if got != 0 {
		t.Errorf("Expected result=0 for missing trip, got %d", got)
	}
	if client.Exists(ctx, tripKey("nope")).Val() != 0 {
		t.Error("Update must not create missing trips")
	}
}

func TestDeleteTripScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()
	defer mr.Close()

	ctx := context.Background()

	if err := evalCreate(ctx, client, "trip-1", "device-1", 1000, "1").Err(); err != nil {
		t.Fatalf("Failed to create trip: %v", err)
	}

	keys := []string{tripKey("trip-1"), allTripsKey, openTripsKey}
	got, err := client.Eval(ctx, deleteTripScript, keys, "trip-1", deviceIndexPrefix).Int64()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if got != 1 {
		t.Errorf("Expected result=1, got %d", got)
	}

	if client.Exists(ctx, tripKey("trip-1")).Val() != 0 {
		t.Error("Trip hash should be deleted")
	}
	if client.ZCard(ctx, deviceIndexKey("device-1")).Val() != 0 {
		t.Error("Device index should be empty")
	}
	if client.ZCard(ctx, allTripsKey).Val() != 0 {
		t.Error("Global index should be empty")
	}
	if client.HExists(ctx, openTripsKey, "device-1").Val() {
		t.Error("Open index should be cleared")
	}

	// Deleting again is a no-op
	got, err = client.Eval(ctx, deleteTripScript, keys, "trip-1", deviceIndexPrefix).Int64()
	if err != nil {
		t.Fatalf("Script execution failed: %v", err)
	}
	if got != 0 {
		t.Errorf("Expected result=0 on second delete, got %d", got)
	}
}
