// Package session implements the rider-facing ride lifecycle: unlock,
// manual hold, continue, end, and the resume-or-discard reconciliation
// a client runs when it finds a ride already on hold at startup.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/pubbs-ride/internal/clock"
	"github.com/example/pubbs-ride/internal/models"
	"github.com/example/pubbs-ride/internal/payments"
	"github.com/example/pubbs-ride/internal/store"
)

const ManualHoldReason = "Manual hold"

var (
	ErrNoActiveRide = errors.New("no active ride")
	ErrNotOnHold    = errors.New("ride is not on hold")
	ErrOnHold       = errors.New("ride is already on hold")
)

// Notifier mirrors autohold.Notifier; both push through the same
// registry.
type Notifier interface {
	Notify(userID string, notice models.RideNotice) error
}

type Service struct {
	Store  store.RideStore
	Clock  clock.Clock
	Logger *slog.Logger

	Payments     payments.Gateway // optional
	Notifier     Notifier         // optional
	DepositCents int64
	PerMinCents  int64
	Currency     string
}

// Receipt summarizes a finished ride.
type Receipt struct {
	BookingID   string `json:"booking_id"`
	RideTimerMs int64  `json:"ride_timer_ms"`
	HoldTimerMs int64  `json:"hold_timer_ms"`
	TotalTripMs int64  `json:"total_trip_ms"`
	FareCents   int64  `json:"fare_cents,omitempty"`
}

// Start unlocks a bike: generates a booking id, creates the trip, and
// marks the ride active. When a payment gateway is wired, a deposit is
// held first and its intent id travels with the trip.
func (s *Service) Start(ctx context.Context, userID, bikeID string) (string, error) {
	if userID == "" || bikeID == "" {
		return "", fmt.Errorf("userID and bikeID are required")
	}
	now := s.Clock.Now()
	bookingID := NewBookingID()

	var intent string
	if s.Payments != nil {
		id, err := s.Payments.HoldDeposit(ctx, s.DepositCents, s.Currency, userID)
		if err != nil {
			return "", fmt.Errorf("deposit hold: %w", err)
		}
		intent = id
	}

	trip := models.Trip{BookingID: bookingID, RideStartTime: &now, DepositIntent: intent}
	if err := s.Store.CreateTrip(ctx, userID, trip); err != nil {
		return "", err
	}
	ongoing := true
	err := s.Store.UpdateUser(ctx, userID, store.UserPatch{
		ActiveRideID:  &bikeID,
		BookingID:     &bookingID,
		RideOngoing:   &ongoing,
		RideStartTime: &now,
	})
	if err != nil {
		return "", err
	}
	s.Logger.Info("ride started", "user_id", userID, "booking_id", bookingID, "bike_id", bikeID)
	return bookingID, nil
}

// ResumeCandidate returns the user's held trip, if any: the thing the
// client offers to continue instead of silently resuming.
func (s *Service) ResumeCandidate(ctx context.Context, userID string) (models.Trip, bool, error) {
	u, ok, err := s.Store.GetUser(ctx, userID)
	if err != nil || !ok || u.BookingID == "" {
		return models.Trip{}, false, err
	}
	trip, ok, err := s.Store.GetTrip(ctx, userID, u.BookingID)
	if err != nil || !ok {
		return models.Trip{}, false, err
	}
	if !trip.IsHold || trip.Ended || trip.Abandoned {
		return models.Trip{}, false, nil
	}
	return trip, true, nil
}

// Hold pauses the ride on the rider's request. The arithmetic mirrors
// the automatic hold, with now standing in for the last heartbeat, and
// the same conditional write guards against racing the sweep.
func (s *Service) Hold(ctx context.Context, userID string) error {
	now := s.Clock.Now()
	u, trip, err := s.activeTrip(ctx, userID)
	if err != nil {
		return err
	}
	if trip.IsHold {
		return ErrOnHold
	}

	rideStart := now
	if trip.RideStartTime != nil {
		rideStart = *trip.RideStartTime
	} else if u.RideStartTime != nil {
		rideStart = *u.RideStartTime
	}
	elapsed := now.Sub(rideStart)
	if elapsed < 0 {
		elapsed = 0
	}
	h := models.HoldTransition{
		RideStartTime:          rideStart,
		RideTimerMs:            clock.DurationMs(elapsed),
		TotalTripMs:            clock.DurationMs(elapsed) + trip.HoldTimerMs,
		HoldTimerMs:            trip.HoldTimerMs,
		Reason:                 ManualHoldReason,
		At:                     now,
		LastActivityBeforeHold: now,
	}
	if err := s.Store.ApplyHold(ctx, userID, u.BookingID, h); err != nil {
		if errors.Is(err, store.ErrAlreadyOnHold) {
			// The sweep got there first; the rider's intent is satisfied.
			return nil
		}
		return err
	}
	s.notify(userID, models.RideNotice{Type: "manual_hold", BookingID: u.BookingID, TotalTripMs: h.TotalTripMs})
	return nil
}

// Continue resumes a held ride: clears the hold flag and re-anchors
// rideStartTime at now so the next elapsed computation starts from the
// resume. The accumulated holdTimer is left untouched.
func (s *Service) Continue(ctx context.Context, userID string) error {
	now := s.Clock.Now()
	u, trip, err := s.activeTrip(ctx, userID)
	if err != nil {
		return err
	}
	if !trip.IsHold {
		return ErrNotOnHold
	}
	hold := false
	err = s.Store.UpdateTrip(ctx, userID, u.BookingID, store.TripPatch{
		IsHold:        &hold,
		RideStartTime: &now,
	})
	if err != nil {
		return err
	}
	s.notify(userID, models.RideNotice{Type: "resumed", BookingID: u.BookingID})
	s.Logger.Info("ride resumed", "user_id", userID, "booking_id", u.BookingID)
	return nil
}

// End finalizes the ride, captures the fare against the deposit when a
// gateway is wired, and clears the user's active-ride sentinels.
func (s *Service) End(ctx context.Context, userID string) (Receipt, error) {
	now := s.Clock.Now()
	u, trip, err := s.activeTrip(ctx, userID)
	if err != nil {
		return Receipt{}, err
	}

	rideTimer := trip.RideTimerMs
	if !trip.IsHold {
		// Close out the last active segment; a held ride's segment was
		// already closed by the hold transition.
		rideStart := now
		if trip.RideStartTime != nil {
			rideStart = *trip.RideStartTime
		}
		elapsed := now.Sub(rideStart)
		if elapsed < 0 {
			elapsed = 0
		}
		rideTimer = clock.DurationMs(elapsed)
	}
	total := rideTimer + trip.HoldTimerMs

	ended := true
	hold := false
	err = s.Store.UpdateTrip(ctx, userID, u.BookingID, store.TripPatch{
		IsHold:      &hold,
		Ended:       &ended,
		RideTimerMs: &rideTimer,
		TotalTripMs: &total,
	})
	if err != nil {
		return Receipt{}, err
	}
	ongoing := false
	err = s.Store.UpdateUser(ctx, userID, store.UserPatch{
		RideOngoing:     &ongoing,
		ClearActiveRide: true,
		ClearBooking:    true,
	})
	if err != nil {
		return Receipt{}, err
	}

	rec := Receipt{
		BookingID:   u.BookingID,
		RideTimerMs: rideTimer,
		HoldTimerMs: trip.HoldTimerMs,
		TotalTripMs: total,
	}
	if s.Payments != nil && trip.DepositIntent != "" {
		rec.FareCents = payments.Fare(total, s.PerMinCents)
		if err := s.Payments.CaptureFare(ctx, trip.DepositIntent, rec.FareCents); err != nil {
			// The ride is over regardless; billing retries out of band.
			s.Logger.Error("fare capture failed", "user_id", userID, "booking_id", u.BookingID, "error", err)
		}
	}
	s.notify(userID, models.RideNotice{Type: "ended", BookingID: u.BookingID, TotalTripMs: total})
	s.Logger.Info("ride ended", "user_id", userID, "booking_id", u.BookingID, "total_trip_ms", total)
	return rec, nil
}

// Discard abandons a held trip when the rider chooses "start new ride"
// instead of continuing. The trip is marked abandoned rather than left
// dangling, and its deposit is released.
func (s *Service) Discard(ctx context.Context, userID string) error {
	u, trip, err := s.activeTrip(ctx, userID)
	if err != nil {
		return err
	}
	abandoned := true
	ended := true
	err = s.Store.UpdateTrip(ctx, userID, u.BookingID, store.TripPatch{
		Abandoned: &abandoned,
		Ended:     &ended,
	})
	if err != nil {
		return err
	}
	ongoing := false
	err = s.Store.UpdateUser(ctx, userID, store.UserPatch{
		RideOngoing:     &ongoing,
		ClearActiveRide: true,
		ClearBooking:    true,
	})
	if err != nil {
		return err
	}
	if s.Payments != nil && trip.DepositIntent != "" {
		if err := s.Payments.ReleaseDeposit(ctx, trip.DepositIntent); err != nil {
			s.Logger.Error("deposit release failed", "user_id", userID, "booking_id", u.BookingID, "error", err)
		}
	}
	s.Logger.Info("ride abandoned", "user_id", userID, "booking_id", u.BookingID)
	return nil
}

func (s *Service) activeTrip(ctx context.Context, userID string) (models.UserRideState, models.Trip, error) {
	u, ok, err := s.Store.GetUser(ctx, userID)
	if err != nil {
		return models.UserRideState{}, models.Trip{}, err
	}
	if !ok || u.BookingID == "" {
		return models.UserRideState{}, models.Trip{}, ErrNoActiveRide
	}
	trip, ok, err := s.Store.GetTrip(ctx, userID, u.BookingID)
	if err != nil {
		return models.UserRideState{}, models.Trip{}, err
	}
	if !ok || trip.Ended {
		return models.UserRideState{}, models.Trip{}, ErrNoActiveRide
	}
	return u, trip, nil
}

func (s *Service) notify(userID string, notice models.RideNotice) {
	if s.Notifier == nil {
		return
	}
	_ = s.Notifier.Notify(userID, notice)
}

// NewBookingID returns a random hex booking id.
func NewBookingID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "BK" + hex.EncodeToString(b)
}
