package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/pubbs-ride/internal/models"
)

// RideStore defines persistence operations for ride state. Updates are
// partial merges: nil patch fields leave the stored value untouched.
type RideStore interface {
	// ReadAllUsers returns a full snapshot of user ride state, used
	// once per sweep.
	ReadAllUsers(ctx context.Context) (map[string]models.UserRideState, error)
	GetUser(ctx context.Context, userID string) (models.UserRideState, bool, error)
	GetTrip(ctx context.Context, userID, bookingID string) (models.Trip, bool, error)
	UpdateUser(ctx context.Context, userID string, patch UserPatch) error
	CreateTrip(ctx context.Context, userID string, trip models.Trip) error
	UpdateTrip(ctx context.Context, userID, bookingID string, patch TripPatch) error
	// ApplyHold writes a hold transition if and only if the trip is not
	// already on hold, checked atomically by the store. Returns
	// ErrAlreadyOnHold when the guard fails.
	ApplyHold(ctx context.Context, userID, bookingID string, h models.HoldTransition) error
}

// UserPatch is a partial update of UserRideState. ClearActiveRide and
// ClearBooking write the sentinel back rather than a real value.
type UserPatch struct {
	ActiveRideID    *string
	RideOngoing     *bool
	BookingID       *string
	LastActivity    *time.Time
	LastHeartbeat   *time.Time
	RideStartTime   *time.Time
	ClearActiveRide bool
	ClearBooking    bool
}

// TripPatch is a partial update of a Trip record.
type TripPatch struct {
	IsHold        *bool
	RideStartTime *time.Time
	HoldTimerMs   *int64
	RideTimerMs   *int64
	TotalTripMs   *int64
	Ended         *bool
	Abandoned     *bool
}

// ErrAlreadyOnHold is returned by ApplyHold when the trip's hold flag
// was already set at write time.
var ErrAlreadyOnHold = errors.New("trip already on hold")

// ErrTripNotFound is returned by trip mutations when no trip exists for
// the booking id.
var ErrTripNotFound = errors.New("trip not found")

// StoreError wraps an underlying persistence failure so callers can
// distinguish it from validation problems.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
