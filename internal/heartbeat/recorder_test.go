package heartbeat

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

func newRecorder(ms store.RideStore) *Recorder {
	return &Recorder{Store: ms, Clock: clock.NewFake(base), Logger: logging.Discard()}
}

func TestRecordStampsActivity(t *testing.T) {
	ms := store.NewMemoryStore()
	at, err := newRecorder(ms).Record(context.Background(), "u1", "")
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if !at.Equal(base) {
		t.Fatalf("timestamp = %v, want %v", at, base)
	}
	u, ok, _ := ms.GetUser(context.Background(), "u1")
	if !ok {
		t.Fatal("user record not created")
	}
	if u.LastActivity == nil || !u.LastActivity.Equal(base) {
		t.Fatalf("lastActivity = %v", u.LastActivity)
	}
	if u.LastHeartbeat == nil || !u.LastHeartbeat.Equal(base) {
		t.Fatalf("lastHeartbeat = %v", u.LastHeartbeat)
	}
}

func TestRecordMissingUserIDNoMutation(t *testing.T) {
	ms := store.NewMemoryStore()
	_, err := newRecorder(ms).Record(context.Background(), "", "")
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	users, _ := ms.ReadAllUsers(context.Background())
	if len(users) != 0 {
		t.Fatalf("store mutated: %d users", len(users))
	}
}

func TestRecordOverwritesRideStartEveryCall(t *testing.T) {
	// rideStartTime is re-stored on every heartbeat that carries it;
	// clients use this to re-anchor after a continue.
	ms := store.NewMemoryStore()
	rec := newRecorder(ms)
	if _, err := rec.Record(context.Background(), "u1", base.Add(-10*time.Minute).Format(time.RFC3339)); err != nil {
		t.Fatal(err)
	}
	if _, err := rec.Record(context.Background(), "u1", base.Add(-1*time.Minute).Format(time.RFC3339)); err != nil {
		t.Fatal(err)
	}
	u, _, _ := ms.GetUser(context.Background(), "u1")
	if u.RideStartTime == nil || !u.RideStartTime.Equal(base.Add(-1*time.Minute)) {
		t.Fatalf("rideStartTime = %v, want the later value", u.RideStartTime)
	}
}

func TestRecordAcceptsEpochMillis(t *testing.T) {
	ms := store.NewMemoryStore()
	if _, err := newRecorder(ms).Record(context.Background(), "u1", "1773748680000"); err != nil {
		t.Fatal(err)
	}
	u, _, _ := ms.GetUser(context.Background(), "u1")
	if u.RideStartTime == nil {
		t.Fatal("rideStartTime not stored from epoch millis")
	}
	if u.RideStartTime.UnixMilli() != 1773748680000 {
		t.Fatalf("rideStartTime = %v", u.RideStartTime)
	}
}

func TestRecordUnparseableStartStillStampsActivity(t *testing.T) {
	ms := store.NewMemoryStore()
	if _, err := newRecorder(ms).Record(context.Background(), "u1", "not-a-time"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	u, _, _ := ms.GetUser(context.Background(), "u1")
	if u.RideStartTime != nil {
		t.Fatalf("bad rideStartTime stored: %v", u.RideStartTime)
	}
	if u.LastActivity == nil {
		t.Fatal("lastActivity missing")
	}
}

type failingUserStore struct {
	*store.MemoryStore
}

func (f *failingUserStore) UpdateUser(ctx context.Context, userID string, patch store.UserPatch) error {
	return &store.StoreError{Op: "update-user", Err: errors.New("unavailable")}
}

func TestRecordSurfacesStoreError(t *testing.T) {
	rec := newRecorder(&failingUserStore{store.NewMemoryStore()})
	_, err := rec.Record(context.Background(), "u1", "")
	var se *store.StoreError
	if !errors.As(err, &se) {
		t.Fatalf("want StoreError, got %v", err)
	}
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) PublishHeartbeat(ctx context.Context, ev models.HeartbeatEvent) error {
	f.calls++
	return errors.New("broker down")
}

func TestRecordToleratesPublishFailure(t *testing.T) {
	ms := store.NewMemoryStore()
	rec := newRecorder(ms)
	pub := &failingPublisher{}
	rec.Publisher = pub
	if _, err := rec.Record(context.Background(), "u1", ""); err != nil {
		t.Fatalf("publish failure must not fail the heartbeat: %v", err)
	}
	if pub.calls != 1 {
		t.Fatalf("publisher calls = %d", pub.calls)
	}
}
