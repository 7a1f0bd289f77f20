// Package heartbeat implements the liveness stamp riders send while a
// ride is active. Recording a heartbeat is intentionally cheap: no
// check that the user actually has a ride, just an upsert of
// lastActivity so the auto-hold sweep sees a fresh record.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/pubbs-ride/internal/clock"
	"github.com/example/pubbs-ride/internal/models"
	"github.com/example/pubbs-ride/internal/observability"
	"github.com/example/pubbs-ride/internal/store"
)

// ValidationError marks a request missing a required field. Callers map
// it to a 4xx response; the client should not retry without fixing it.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("missing required field %q", e.Field) }

// Publisher emits heartbeat events to a downstream pipeline.
type Publisher interface {
	PublishHeartbeat(ctx context.Context, ev models.HeartbeatEvent) error
}

type Recorder struct {
	Store     store.RideStore
	Clock     clock.Clock
	Logger    *slog.Logger
	Publisher Publisher // optional
}

// Record stamps lastActivity and lastHeartbeat for the user. When the
// client supplies rideStartTime it is stored as-is on every call, even
// though it only matters on the first one; clients rely on re-anchoring
// after a continue, so the overwrite stays.
func (r *Recorder) Record(ctx context.Context, userID, rideStartRaw string) (time.Time, error) {
	if userID == "" {
		return time.Time{}, &ValidationError{Field: "userId"}
	}
	now := r.Clock.Now()
	patch := store.UserPatch{LastActivity: &now, LastHeartbeat: &now}

	var rideStart *time.Time
	if rideStartRaw != "" {
		t, err := clock.ParseTimestamp(rideStartRaw)
		if err != nil {
			r.Logger.Warn("heartbeat ride start unparseable", "user_id", userID, "value", rideStartRaw)
		} else {
			patch.RideStartTime = &t
			rideStart = &t
		}
	}

	if err := r.Store.UpdateUser(ctx, userID, patch); err != nil {
		return time.Time{}, err
	}
	observability.HeartbeatsTotal.Inc()

	if r.Publisher != nil {
		ev := models.HeartbeatEvent{UserID: userID, At: now, RideStartTime: rideStart}
		if err := r.Publisher.PublishHeartbeat(ctx, ev); err != nil {
			// The store write already landed; the pipeline is best effort.
			r.Logger.Warn("heartbeat publish failed", "user_id", userID, "error", err)
		}
	}
	return now, nil
}
