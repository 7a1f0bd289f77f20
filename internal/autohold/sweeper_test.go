package autohold

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/pubbs-ride/internal/clock"
	"github.com/example/pubbs-ride/internal/logging"
	"github.com/example/pubbs-ride/internal/models"
	"github.com/example/pubbs-ride/internal/store"
)

var base = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newSweeper(ms store.RideStore, now time.Time) *Sweeper {
	return &Sweeper{
		Store:     ms,
		Clock:     clock.NewFake(now),
		Logger:    logging.Discard(),
		Threshold: 30 * time.Second,
	}
}

func activeUser(userID, bikeID, bookingID string, lastActivity time.Time) models.UserRideState {
	la := lastActivity
	return models.UserRideState{
		UserID:       userID,
		ActiveRideID: bikeID,
		RideOngoing:  true,
		BookingID:    bookingID,
		LastActivity: &la,
	}
}

func TestSweepHoldsInactiveRide(t *testing.T) {
	ms := store.NewMemoryStore()
	lastActivity := base
	rideStart := base.Add(-5 * time.Minute)
	ms.PutUser(activeUser("u1", "BIKE1", "BK1", lastActivity))
	ms.PutTrip("u1", models.Trip{BookingID: "BK1", RideStartTime: &rideStart})

	now := base.Add(31 * time.Second)
	res, err := newSweeper(ms, now).RunSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if res.ProcessedUsers != 1 || res.UsersSetOnHold != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	trip, _, _ := ms.GetTrip(context.Background(), "u1", "BK1")
	if !trip.IsHold {
		t.Fatal("trip not on hold")
	}
	// Elapsed is lastActivity - rideStartTime, not now - rideStartTime.
	if trip.RideTimerMs != 5*60*1000 {
		t.Fatalf("rideTimer = %d, want 300000", trip.RideTimerMs)
	}
	if trip.TotalTripMs != 5*60*1000 {
		t.Fatalf("totalTripTime = %d, want 300000", trip.TotalTripMs)
	}
	if trip.AutoHoldReason != HoldReason {
		t.Fatalf("reason = %q", trip.AutoHoldReason)
	}
	if trip.LastActivityBeforeHold == nil || !trip.LastActivityBeforeHold.Equal(lastActivity) {
		t.Fatalf("lastActivityBeforeHold = %v", trip.LastActivityBeforeHold)
	}
	if trip.AutoHoldAt == nil || !trip.AutoHoldAt.Equal(now) {
		t.Fatalf("autoHoldAt = %v", trip.AutoHoldAt)
	}
}

func TestSweepThresholdBoundary(t *testing.T) {
	// Exactly at the threshold the user is still active; one
	// millisecond past it they are not.
	cases := []struct {
		name     string
		sinceMs  int64
		wantHold int
	}{
		{"exactly_at_threshold", 30000, 0},
		{"one_ms_over", 30001, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ms := store.NewMemoryStore()
			ms.PutUser(activeUser("u1", "BIKE1", "BK1", base))
			ms.PutTrip("u1", models.Trip{BookingID: "BK1"})

			now := base.Add(time.Duration(tc.sinceMs) * time.Millisecond)
			res, err := newSweeper(ms, now).RunSweep(context.Background())
			if err != nil {
				t.Fatalf("sweep failed: %v", err)
			}
			if res.UsersSetOnHold != tc.wantHold {
				t.Fatalf("usersSetOnHold = %d, want %d", res.UsersSetOnHold, tc.wantHold)
			}
		})
	}
}

func TestSweepIdempotent(t *testing.T) {
	ms := store.NewMemoryStore()
	rideStart := base.Add(-2 * time.Minute)
	ms.PutUser(activeUser("u1", "BIKE1", "BK1", base))
	ms.PutTrip("u1", models.Trip{BookingID: "BK1", RideStartTime: &rideStart})

	sw := newSweeper(ms, base.Add(time.Minute))
	first, err := sw.RunSweep(context.Background())
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if first.UsersSetOnHold != 1 {
		t.Fatalf("first sweep held %d users", first.UsersSetOnHold)
	}

	second, err := sw.RunSweep(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if second.UsersSetOnHold != 0 {
		t.Fatalf("second sweep held %d users, want 0", second.UsersSetOnHold)
	}
}

func TestSweepClampsNegativeElapsed(t *testing.T) {
	// Clock skew: rideStartTime after lastActivity. Timers clamp to 0.
	ms := store.NewMemoryStore()
	rideStart := base.Add(10 * time.Minute)
	ms.PutUser(activeUser("u1", "BIKE1", "BK1", base))
	ms.PutTrip("u1", models.Trip{BookingID: "BK1", RideStartTime: &rideStart})

	res, err := newSweeper(ms, base.Add(time.Minute)).RunSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if res.UsersSetOnHold != 1 {
		t.Fatalf("usersSetOnHold = %d", res.UsersSetOnHold)
	}
	trip, _, _ := ms.GetTrip(context.Background(), "u1", "BK1")
	if trip.RideTimerMs != 0 || trip.TotalTripMs != 0 {
		t.Fatalf("timers not clamped: ride=%d total=%d", trip.RideTimerMs, trip.TotalTripMs)
	}
}

func TestSweepAccumulatesExistingHoldTime(t *testing.T) {
	ms := store.NewMemoryStore()
	rideStart := base.Add(-3 * time.Minute)
	ms.PutUser(activeUser("u1", "BIKE1", "BK1", base))
	ms.PutTrip("u1", models.Trip{BookingID: "BK1", RideStartTime: &rideStart, HoldTimerMs: 120000})

	if _, err := newSweeper(ms, base.Add(time.Minute)).RunSweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	trip, _, _ := ms.GetTrip(context.Background(), "u1", "BK1")
	if trip.RideTimerMs != 180000 {
		t.Fatalf("rideTimer = %d, want 180000", trip.RideTimerMs)
	}
	if trip.TotalTripMs != 300000 {
		t.Fatalf("totalTripTime = %d, want 300000 (ride + prior hold)", trip.TotalTripMs)
	}
	if trip.HoldTimerMs != 120000 {
		t.Fatalf("holdTimer = %d, want unchanged 120000", trip.HoldTimerMs)
	}
}

func TestSweepSkipsUsersWithoutActiveRide(t *testing.T) {
	ms := store.NewMemoryStore()
	la := base
	// No ride id at all.
	ms.PutUser(models.UserRideState{UserID: "u1", RideOngoing: true, LastActivity: &la})
	// Ride id set but the ongoing flag is off.
	ms.PutUser(models.UserRideState{UserID: "u2", ActiveRideID: "BIKE2", LastActivity: &la})
	// Active but no lastActivity recorded yet.
	ms.PutUser(models.UserRideState{UserID: "u3", ActiveRideID: "BIKE3", RideOngoing: true})
	// Active but no booking id.
	ms.PutUser(activeUser("u4", "BIKE4", "", base))

	res, err := newSweeper(ms, base.Add(time.Minute)).RunSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if res.ProcessedUsers != 4 {
		t.Fatalf("processedUsers = %d, want 4", res.ProcessedUsers)
	}
	if res.UsersSetOnHold != 0 {
		t.Fatalf("usersSetOnHold = %d, want 0", res.UsersSetOnHold)
	}
}

func TestSweepFallsBackToUserRideStart(t *testing.T) {
	ms := store.NewMemoryStore()
	u := activeUser("u1", "BIKE1", "BK1", base)
	userStart := base.Add(-4 * time.Minute)
	u.RideStartTime = &userStart
	ms.PutUser(u)
	ms.PutTrip("u1", models.Trip{BookingID: "BK1"}) // no trip-level start

	if _, err := newSweeper(ms, base.Add(time.Minute)).RunSweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	trip, _, _ := ms.GetTrip(context.Background(), "u1", "BK1")
	if trip.RideTimerMs != 240000 {
		t.Fatalf("rideTimer = %d, want 240000 from user-level start", trip.RideTimerMs)
	}
}

func TestSweepAssumesZeroElapsedWithoutAnyStart(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.PutUser(activeUser("u1", "BIKE1", "BK1", base))
	ms.PutTrip("u1", models.Trip{BookingID: "BK1"})

	if _, err := newSweeper(ms, base.Add(time.Minute)).RunSweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	trip, _, _ := ms.GetTrip(context.Background(), "u1", "BK1")
	if trip.RideTimerMs != 0 {
		t.Fatalf("rideTimer = %d, want 0 when no start time is known", trip.RideTimerMs)
	}
	if trip.RideStartTime == nil || !trip.RideStartTime.Equal(base) {
		t.Fatalf("rideStartTime = %v, want lastActivity", trip.RideStartTime)
	}
}

// failingHoldStore wraps the memory store and fails ApplyHold for one
// user, standing in for a flaky backend.
type failingHoldStore struct {
	*store.MemoryStore
	failUser string
}

func (f *failingHoldStore) ApplyHold(ctx context.Context, userID, bookingID string, h models.HoldTransition) error {
	if userID == f.failUser {
		return &store.StoreError{Op: "apply-hold", Err: errors.New("backend down")}
	}
	return f.MemoryStore.ApplyHold(ctx, userID, bookingID, h)
}

func TestSweepIsolatesPerUserFailures(t *testing.T) {
	ms := store.NewMemoryStore()
	rideStart := base.Add(-time.Minute)
	for _, id := range []string{"a", "b", "c"} {
		ms.PutUser(activeUser(id, "BIKE-"+id, "BK-"+id, base))
		ms.PutTrip(id, models.Trip{BookingID: "BK-" + id, RideStartTime: &rideStart})
	}
	sw := newSweeper(&failingHoldStore{MemoryStore: ms, failUser: "b"}, base.Add(time.Minute))

	res, err := sw.RunSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep must not fail on a per-user error: %v", err)
	}
	if res.ProcessedUsers != 3 {
		t.Fatalf("processedUsers = %d, want 3", res.ProcessedUsers)
	}
	if res.UsersSetOnHold != 2 {
		t.Fatalf("usersSetOnHold = %d, want 2 (a and c)", res.UsersSetOnHold)
	}
	for _, id := range []string{"a", "c"} {
		trip, _, _ := ms.GetTrip(context.Background(), id, "BK-"+id)
		if !trip.IsHold {
			t.Fatalf("user %s not held", id)
		}
	}
	tb, _, _ := ms.GetTrip(context.Background(), "b", "BK-b")
	if tb.IsHold {
		t.Fatal("user b should not be held")
	}
}

type brokenSnapshotStore struct {
	*store.MemoryStore
}

func (b *brokenSnapshotStore) ReadAllUsers(ctx context.Context) (map[string]models.UserRideState, error) {
	return nil, errors.New("connection refused")
}

func TestSweepReadFailureIsFatal(t *testing.T) {
	sw := newSweeper(&brokenSnapshotStore{store.NewMemoryStore()}, base)
	_, err := sw.RunSweep(context.Background())
	var se *SweepError
	if !errors.As(err, &se) {
		t.Fatalf("want SweepError, got %v", err)
	}
}

func TestSweepToleratesLosingHoldRace(t *testing.T) {
	// Between the read and the conditional write someone else (a manual
	// hold) sets isHold. The sweep treats that as a skip, not an error.
	ms := store.NewMemoryStore()
	ms.PutUser(activeUser("u1", "BIKE1", "BK1", base))
	ms.PutTrip("u1", models.Trip{BookingID: "BK1"})

	raced := &raceStore{MemoryStore: ms}
	res, err := newSweeper(raced, base.Add(time.Minute)).RunSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if res.UsersSetOnHold != 0 {
		t.Fatalf("usersSetOnHold = %d, want 0 after losing the race", res.UsersSetOnHold)
	}
}

type raceStore struct {
	*store.MemoryStore
}

func (r *raceStore) GetTrip(ctx context.Context, userID, bookingID string) (models.Trip, bool, error) {
	trip, ok, err := r.MemoryStore.GetTrip(ctx, userID, bookingID)
	if ok && !trip.IsHold {
		// A manual hold lands right after the read.
		hold := true
		_ = r.MemoryStore.UpdateTrip(ctx, userID, bookingID, store.TripPatch{IsHold: &hold})
	}
	return trip, ok, err
}
