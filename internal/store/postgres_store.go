package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	_ "github.com/lib/pq"

	"github.com/example/pubbs-ride/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) ReadAllUsers(ctx context.Context) (map[string]models.UserRideState, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT user_id, active_ride_id, ride_ongoing, booking_id, last_activity, last_heartbeat, ride_start_time FROM user_ride_state`)
	if err != nil {
		return nil, storeErr("read-all", err)
	}
	defer rows.Close()
	out := make(map[string]models.UserRideState)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, storeErr("read-all", err)
		}
		out[u.UserID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("read-all", err)
	}
	return out, nil
}

func (p *PostgresStore) GetUser(ctx context.Context, userID string) (models.UserRideState, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT user_id, active_ride_id, ride_ongoing, booking_id, last_activity, last_heartbeat, ride_start_time FROM user_ride_state WHERE user_id=$1`, userID)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return models.UserRideState{}, false, nil
	}
	if err != nil {
		return models.UserRideState{}, false, storeErr("get-user", err)
	}
	return u, true, nil
}

func (p *PostgresStore) GetTrip(ctx context.Context, userID, bookingID string) (models.Trip, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT booking_id, is_hold, ride_start_time, hold_timer_ms, ride_timer_ms, total_trip_ms, ended, abandoned, deposit_intent, auto_hold_reason, auto_hold_at, hold_updated_at, last_activity_before_hold FROM trips WHERE user_id=$1 AND booking_id=$2`, userID, bookingID)
	var t models.Trip
	var reason, deposit sql.NullString
	err := row.Scan(&t.BookingID, &t.IsHold, &t.RideStartTime, &t.HoldTimerMs, &t.RideTimerMs, &t.TotalTripMs, &t.Ended, &t.Abandoned, &deposit, &reason, &t.AutoHoldAt, &t.HoldUpdatedAt, &t.LastActivityBeforeHold)
	if err == sql.ErrNoRows {
		return models.Trip{}, false, nil
	}
	if err != nil {
		return models.Trip{}, false, storeErr("get-trip", err)
	}
	t.AutoHoldReason = reason.String
	t.DepositIntent = deposit.String
	return t, true, nil
}

func (p *PostgresStore) UpdateUser(ctx context.Context, userID string, patch UserPatch) error {
	sets := []string{}
	args := []interface{}{}
	add := func(col string, v interface{}) {
		args = append(args, v)
		sets = append(sets, col+"=$"+itoa(len(args)))
	}
	if patch.ActiveRideID != nil {
		add("active_ride_id", nullable(models.NormalizeSentinel(*patch.ActiveRideID)))
	}
	if patch.ClearActiveRide {
		sets = append(sets, "active_ride_id=NULL")
	}
	if patch.RideOngoing != nil {
		add("ride_ongoing", *patch.RideOngoing)
	}
	if patch.BookingID != nil {
		add("booking_id", nullable(models.NormalizeSentinel(*patch.BookingID)))
	}
	if patch.ClearBooking {
		sets = append(sets, "booking_id=NULL")
	}
	if patch.LastActivity != nil {
		add("last_activity", *patch.LastActivity)
	}
	if patch.LastHeartbeat != nil {
		add("last_heartbeat", *patch.LastHeartbeat)
	}
	if patch.RideStartTime != nil {
		add("ride_start_time", *patch.RideStartTime)
	}
	if len(sets) == 0 {
		return nil
	}
	if _, err := p.db.ExecContext(ctx, `INSERT INTO user_ride_state (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return storeErr("update-user", err)
	}
	args = append(args, userID)
	q := `UPDATE user_ride_state SET ` + strings.Join(sets, ", ") + ` WHERE user_id=$` + itoa(len(args))
	_, err := p.db.ExecContext(ctx, q, args...)
	return storeErr("update-user", err)
}

func (p *PostgresStore) CreateTrip(ctx context.Context, userID string, trip models.Trip) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips (user_id, booking_id, is_hold, ride_start_time, hold_timer_ms, ride_timer_ms, total_trip_ms, ended, abandoned, deposit_intent) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		userID, trip.BookingID, trip.IsHold, trip.RideStartTime, trip.HoldTimerMs, trip.RideTimerMs, trip.TotalTripMs, trip.Ended, trip.Abandoned, nullable(trip.DepositIntent))
	return storeErr("create-trip", err)
}

func (p *PostgresStore) UpdateTrip(ctx context.Context, userID, bookingID string, patch TripPatch) error {
	sets := []string{}
	args := []interface{}{}
	add := func(col string, v interface{}) {
		args = append(args, v)
		sets = append(sets, col+"=$"+itoa(len(args)))
	}
	if patch.IsHold != nil {
		add("is_hold", *patch.IsHold)
	}
	if patch.RideStartTime != nil {
		add("ride_start_time", *patch.RideStartTime)
	}
	if patch.HoldTimerMs != nil {
		add("hold_timer_ms", *patch.HoldTimerMs)
	}
	if patch.RideTimerMs != nil {
		add("ride_timer_ms", *patch.RideTimerMs)
	}
	if patch.TotalTripMs != nil {
		add("total_trip_ms", *patch.TotalTripMs)
	}
	if patch.Ended != nil {
		add("ended", *patch.Ended)
	}
	if patch.Abandoned != nil {
		add("abandoned", *patch.Abandoned)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, userID, bookingID)
	q := `UPDATE trips SET ` + strings.Join(sets, ", ") + ` WHERE user_id=$` + itoa(len(args)-1) + ` AND booking_id=$` + itoa(len(args))
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return storeErr("update-trip", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTripNotFound
	}
	return nil
}

// ApplyHold relies on the WHERE is_hold=FALSE predicate for the
// check-and-set: zero rows affected on an existing trip means someone
// else won the hold. Only sweep-initiated holds write the auto_hold_*
// audit columns.
func (p *PostgresStore) ApplyHold(ctx context.Context, userID, bookingID string, h models.HoldTransition) error {
	var res sql.Result
	var err error
	if h.Automatic {
		res, err = p.db.ExecContext(ctx, `UPDATE trips SET is_hold=TRUE, ride_start_time=$1, ride_timer_ms=$2, total_trip_ms=$3, hold_timer_ms=$4, auto_hold_reason=$5, auto_hold_at=$6, hold_updated_at=$6, last_activity_before_hold=$7 WHERE user_id=$8 AND booking_id=$9 AND is_hold=FALSE`,
			h.RideStartTime, h.RideTimerMs, h.TotalTripMs, h.HoldTimerMs, h.Reason, h.At, h.LastActivityBeforeHold, userID, bookingID)
	} else {
		res, err = p.db.ExecContext(ctx, `UPDATE trips SET is_hold=TRUE, ride_start_time=$1, ride_timer_ms=$2, total_trip_ms=$3, hold_timer_ms=$4, hold_updated_at=$5, last_activity_before_hold=$6 WHERE user_id=$7 AND booking_id=$8 AND is_hold=FALSE`,
			h.RideStartTime, h.RideTimerMs, h.TotalTripMs, h.HoldTimerMs, h.At, h.LastActivityBeforeHold, userID, bookingID)
	}
	if err != nil {
		return storeErr("apply-hold", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM trips WHERE user_id=$1 AND booking_id=$2)`, userID, bookingID).Scan(&exists); err != nil {
			return storeErr("apply-hold", err)
		}
		if !exists {
			return ErrTripNotFound
		}
		return ErrAlreadyOnHold
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (models.UserRideState, error) {
	var u models.UserRideState
	var activeRide, booking sql.NullString
	err := row.Scan(&u.UserID, &activeRide, &u.RideOngoing, &booking, &u.LastActivity, &u.LastHeartbeat, &u.RideStartTime)
	if err != nil {
		return models.UserRideState{}, err
	}
	u.ActiveRideID = models.NormalizeSentinel(activeRide.String)
	u.BookingID = models.NormalizeSentinel(booking.String)
	return u, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func itoa(n int) string { return strconv.Itoa(n) }
