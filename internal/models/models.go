package models

import "time"

// UserRideState is the per-user record tracked by the ride service.
// Records arrive from the store already sentinel-normalized: an empty
// ActiveRideID or BookingID means "no value".
type UserRideState struct {
	UserID        string     `json:"user_id"`
	ActiveRideID  string     `json:"active_ride_id,omitempty"`
	RideOngoing   bool       `json:"ride_ongoing"`
	BookingID     string     `json:"booking_id,omitempty"`
	LastActivity  *time.Time `json:"last_activity,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	RideStartTime *time.Time `json:"ride_start_time,omitempty"`
}

// HasActiveRide reports whether the user is mid-ride: a ride id is set
// and the ongoing flag is true.
func (u UserRideState) HasActiveRide() bool {
	return u.ActiveRideID != "" && u.RideOngoing
}

// Trip is the per-booking record holding timers and hold status for a
// single ride session, which may span multiple hold/resume cycles.
// Durations are milliseconds on the wire.
type Trip struct {
	BookingID     string     `json:"booking_id"`
	IsHold        bool       `json:"is_hold"`
	RideStartTime *time.Time `json:"ride_start_time,omitempty"`
	HoldTimerMs   int64      `json:"hold_timer_ms"` // cumulative across cycles
	RideTimerMs   int64      `json:"ride_timer_ms"` // last active segment only
	TotalTripMs   int64      `json:"total_trip_ms"`
	Ended         bool       `json:"ended"`
	Abandoned     bool       `json:"abandoned"`
	DepositIntent string     `json:"deposit_intent,omitempty"`

	// Audit fields, write-once per hold transition.
	AutoHoldReason         string     `json:"auto_hold_reason,omitempty"`
	AutoHoldAt             *time.Time `json:"auto_hold_at,omitempty"`
	HoldUpdatedAt          *time.Time `json:"hold_updated_at,omitempty"`
	LastActivityBeforeHold *time.Time `json:"last_activity_before_hold,omitempty"`
}

// HoldTransition carries the fields written to a Trip when it is placed
// on hold, either by the sweep or by a manual hold. Automatic marks a
// sweep-initiated hold; only those populate the autoHold* audit fields.
type HoldTransition struct {
	RideStartTime          time.Time
	RideTimerMs            int64
	TotalTripMs            int64
	HoldTimerMs            int64
	Reason                 string
	At                     time.Time
	LastActivityBeforeHold time.Time
	Automatic              bool
}

// HeartbeatEvent is published to Kafka for every accepted heartbeat.
type HeartbeatEvent struct {
	UserID        string     `json:"user_id"`
	At            time.Time  `json:"at"`
	RideStartTime *time.Time `json:"ride_start_time,omitempty"`
}

// RideNotice is pushed over WebSocket to a connected rider.
type RideNotice struct {
	Type        string `json:"type"` // auto_hold, manual_hold, resumed, ended
	BookingID   string `json:"booking_id"`
	Reason      string `json:"reason,omitempty"`
	TotalTripMs int64  `json:"total_trip_ms,omitempty"`
}

// Station is a dock location; discovery is a plain read path on top of
// a geo index.
type Station struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	BikeCount int     `json:"bike_count"`
	DistanceM float64 `json:"distance_m,omitempty"`
}

// SweepResult aggregates one auto-hold sweep.
type SweepResult struct {
	ProcessedUsers int `json:"processedUsers"`
	UsersSetOnHold int `json:"usersSetOnHold"`
}
