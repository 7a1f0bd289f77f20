package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/pubbs-ride/internal/models"
	"github.com/example/pubbs-ride/internal/store"
)

// fakeApplier implements HeartbeatApplier for tests.
type fakeApplier struct {
	fail  int // number of times to fail before succeeding
	calls int
	last  store.UserPatch
}

func (f *fakeApplier) UpdateUser(ctx context.Context, userID string, patch store.UserPatch) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("store unavailable")
	}
	f.last = patch
	return nil
}

func TestApplyHeartbeatWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeApplier{fail: 2}
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	ev := models.HeartbeatEvent{UserID: "u1", At: at}
	start := time.Now()
	if err := applyHeartbeatWithRetry(context.Background(), f, ev, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatal("expected at least one backoff")
	}
	if f.last.LastActivity == nil || !f.last.LastActivity.Equal(at) {
		t.Fatalf("lastActivity patch = %v", f.last.LastActivity)
	}
	if f.last.LastHeartbeat == nil || !f.last.LastHeartbeat.Equal(at) {
		t.Fatalf("lastHeartbeat patch = %v", f.last.LastHeartbeat)
	}
}

func TestApplyHeartbeatWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeApplier{fail: 5}
	ev := models.HeartbeatEvent{UserID: "u1", At: time.Now()}
	if err := applyHeartbeatWithRetry(context.Background(), f, ev, 3, 5*time.Millisecond); err == nil {
		t.Fatal("expected error after retries")
	}
}

func TestApplyHeartbeatWithRetry_CarriesRideStart(t *testing.T) {
	f := &fakeApplier{}
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	start := at.Add(-5 * time.Minute)
	ev := models.HeartbeatEvent{UserID: "u1", At: at, RideStartTime: &start}
	if err := applyHeartbeatWithRetry(context.Background(), f, ev, 1, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if f.last.RideStartTime == nil || !f.last.RideStartTime.Equal(start) {
		t.Fatalf("rideStartTime patch = %v", f.last.RideStartTime)
	}
}
