// Package autohold implements the inactivity sweep: the batch job that
// walks every user record, finds rides whose last heartbeat is older
// than the threshold, and transitions their trip onto hold.
package autohold

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/pubbs-ride/internal/clock"
	"github.com/example/pubbs-ride/internal/models"
	"github.com/example/pubbs-ride/internal/observability"
	"github.com/example/pubbs-ride/internal/store"
)

// HoldReason is the audit string written on every automatic hold.
const HoldReason = "User inactive"

// SweepError means the sweep could not even read its input set. One
// failed sweep is not fatal to the system; the next tick retries.
type SweepError struct {
	Err error
}

func (e *SweepError) Error() string { return fmt.Sprintf("sweep aborted: %v", e.Err) }

func (e *SweepError) Unwrap() error { return e.Err }

// Notifier pushes a ride notice to a connected rider, best effort.
type Notifier interface {
	Notify(userID string, notice models.RideNotice) error
}

type Sweeper struct {
	Store     store.RideStore
	Clock     clock.Clock
	Logger    *slog.Logger
	Threshold time.Duration
	Notifier  Notifier // optional
}

// RunSweep executes one sweep. now is captured once so every user in
// the sweep is judged against the same instant. Per-user failures are
// logged and skipped; only a failure to read the snapshot aborts.
func (s *Sweeper) RunSweep(ctx context.Context) (models.SweepResult, error) {
	started := time.Now()
	now := s.Clock.Now()

	users, err := s.Store.ReadAllUsers(ctx)
	if err != nil {
		observability.SweepFailures.Inc()
		return models.SweepResult{}, &SweepError{Err: err}
	}

	var res models.SweepResult
	active := 0
	for userID, u := range users {
		res.ProcessedUsers++
		if !u.HasActiveRide() || u.LastActivity == nil {
			continue
		}
		active++

		sinceActivity := now.Sub(*u.LastActivity)
		if sinceActivity <= s.Threshold {
			continue
		}

		held, err := s.holdUser(ctx, now, userID, u)
		if err != nil {
			// One bad record must not block the rest of the sweep.
			s.Logger.Error("auto-hold failed", "user_id", userID, "error", err)
			continue
		}
		if held {
			res.UsersSetOnHold++
			observability.HoldsApplied.Inc()
		}
	}

	observability.SweepsTotal.Inc()
	observability.SweepDuration.Observe(time.Since(started).Seconds())
	observability.ActiveRides.Set(float64(active))
	s.Logger.Info("sweep complete",
		"processed_users", res.ProcessedUsers,
		"users_set_on_hold", res.UsersSetOnHold,
		"active_rides", active,
	)
	return res, nil
}

// holdUser applies the hold transition for one inactive user. Returns
// false with nil error when the user is skipped (no booking, trip
// missing, or already on hold).
func (s *Sweeper) holdUser(ctx context.Context, now time.Time, userID string, u models.UserRideState) (bool, error) {
	if u.BookingID == "" {
		return false, nil
	}
	trip, ok, err := s.Store.GetTrip(ctx, userID, u.BookingID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if trip.IsHold {
		// Already held this inactivity episode, nothing to do.
		return false, nil
	}

	lastActivity := *u.LastActivity
	rideStart := resolveRideStart(trip, u, lastActivity)

	// Elapsed is relative to the last heartbeat, not to now: the rider
	// stopped riding when they stopped pinging.
	rideElapsed := lastActivity.Sub(rideStart)
	if rideElapsed < 0 {
		rideElapsed = 0
	}
	total := clock.DurationMs(rideElapsed) + trip.HoldTimerMs
	if total < 0 {
		total = 0
	}

	h := models.HoldTransition{
		RideStartTime:          rideStart,
		RideTimerMs:            clock.DurationMs(rideElapsed),
		TotalTripMs:            total,
		HoldTimerMs:            trip.HoldTimerMs,
		Reason:                 HoldReason,
		At:                     now,
		LastActivityBeforeHold: lastActivity,
		Automatic:              true,
	}
	if err := s.Store.ApplyHold(ctx, userID, u.BookingID, h); err != nil {
		if errors.Is(err, store.ErrAlreadyOnHold) {
			// Lost the race to a manual hold; the outcome is the same.
			return false, nil
		}
		return false, err
	}

	if s.Notifier != nil {
		_ = s.Notifier.Notify(userID, models.RideNotice{
			Type:        "auto_hold",
			BookingID:   u.BookingID,
			Reason:      HoldReason,
			TotalTripMs: total,
		})
	}
	return true, nil
}

// resolveRideStart picks the elapsed-time anchor: the trip's own start
// time, then the user record's, then lastActivity itself, which makes
// the assumed elapsed ride time zero when no start is known.
func resolveRideStart(trip models.Trip, u models.UserRideState, lastActivity time.Time) time.Time {
	if trip.RideStartTime != nil {
		return *trip.RideStartTime
	}
	if u.RideStartTime != nil {
		return *u.RideStartTime
	}
	return lastActivity
}
