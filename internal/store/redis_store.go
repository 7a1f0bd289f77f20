package store

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/pubbs-ride/internal/clock"
	"github.com/example/pubbs-ride/internal/models"
)

// RedisStore keeps one hash per user and one hash per trip. Field names
// match what the web client historically wrote, sentinel strings
// included, so reads normalize before anything else touches the record.
type RedisStore struct {
	client *redis.Client
}

const (
	userKeyPrefix = "pubbs:user:"
	tripKeyPrefix = "pubbs:trip:"
)

// holdScript sets the hold fields only when isHold is not already true.
// The check and write happen in one script execution, which closes the
// race between the sweep and a manual hold. ARGV[8] is "1" for a
// sweep-initiated hold; only those get the autoHold* audit fields.
var holdScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if redis.call("HGET", KEYS[1], "isHold") == "true" then
  return 0
end
redis.call("HSET", KEYS[1],
  "isHold", "true",
  "rideStartTime", ARGV[1],
  "rideTimer", ARGV[2],
  "totalTripTime", ARGV[3],
  "holdTimer", ARGV[4],
  "holdUpdatedAt", ARGV[6],
  "lastActivityBeforeHold", ARGV[7])
if ARGV[8] == "1" then
  redis.call("HSET", KEYS[1], "autoHoldReason", ARGV[5], "autoHoldAt", ARGV[6])
end
return 1
`)

func NewRedisStore(addr, password string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisStore{client: c}
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Client exposes the underlying connection so other components (the
// station geo index) can share it.
func (r *RedisStore) Client() *redis.Client { return r.client }

func userKey(userID string) string { return userKeyPrefix + userID }

func tripKey(userID, bookingID string) string { return tripKeyPrefix + userID + ":" + bookingID }

func (r *RedisStore) ReadAllUsers(ctx context.Context) (map[string]models.UserRideState, error) {
	out := make(map[string]models.UserRideState)
	iter := r.client.Scan(ctx, 0, userKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := r.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, storeErr("read-all", err)
		}
		userID := strings.TrimPrefix(key, userKeyPrefix)
		out[userID] = userFromFields(userID, fields)
	}
	if err := iter.Err(); err != nil {
		return nil, storeErr("read-all", err)
	}
	return out, nil
}

func (r *RedisStore) GetUser(ctx context.Context, userID string) (models.UserRideState, bool, error) {
	fields, err := r.client.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		return models.UserRideState{}, false, storeErr("get-user", err)
	}
	if len(fields) == 0 {
		return models.UserRideState{}, false, nil
	}
	return userFromFields(userID, fields), true, nil
}

func (r *RedisStore) GetTrip(ctx context.Context, userID, bookingID string) (models.Trip, bool, error) {
	fields, err := r.client.HGetAll(ctx, tripKey(userID, bookingID)).Result()
	if err != nil {
		return models.Trip{}, false, storeErr("get-trip", err)
	}
	if len(fields) == 0 {
		return models.Trip{}, false, nil
	}
	return tripFromFields(bookingID, fields), true, nil
}

func (r *RedisStore) UpdateUser(ctx context.Context, userID string, patch UserPatch) error {
	vals := make(map[string]interface{})
	if patch.ActiveRideID != nil {
		vals["activeRideId"] = *patch.ActiveRideID
	}
	if patch.ClearActiveRide {
		vals["activeRideId"] = models.SentinelNull
	}
	if patch.RideOngoing != nil {
		vals["rideOnGoingStatus"] = strconv.FormatBool(*patch.RideOngoing)
	}
	if patch.BookingID != nil {
		vals["bookingId"] = *patch.BookingID
	}
	if patch.ClearBooking {
		vals["bookingId"] = models.SentinelNull
	}
	if patch.LastActivity != nil {
		vals["lastActivity"] = clock.FormatTimestamp(*patch.LastActivity)
	}
	if patch.LastHeartbeat != nil {
		vals["lastHeartbeat"] = clock.FormatTimestamp(*patch.LastHeartbeat)
	}
	if patch.RideStartTime != nil {
		vals["rideStartTime"] = clock.FormatTimestamp(*patch.RideStartTime)
	}
	if len(vals) == 0 {
		return nil
	}
	return storeErr("update-user", r.client.HSet(ctx, userKey(userID), vals).Err())
}

func (r *RedisStore) CreateTrip(ctx context.Context, userID string, trip models.Trip) error {
	vals := map[string]interface{}{
		"isHold":        strconv.FormatBool(trip.IsHold),
		"holdTimer":     strconv.FormatInt(trip.HoldTimerMs, 10),
		"rideTimer":     strconv.FormatInt(trip.RideTimerMs, 10),
		"totalTripTime": strconv.FormatInt(trip.TotalTripMs, 10),
		"ended":         strconv.FormatBool(trip.Ended),
		"abandoned":     strconv.FormatBool(trip.Abandoned),
	}
	if trip.DepositIntent != "" {
		vals["depositIntent"] = trip.DepositIntent
	}
	if trip.RideStartTime != nil {
		vals["rideStartTime"] = clock.FormatTimestamp(*trip.RideStartTime)
	}
	return storeErr("create-trip", r.client.HSet(ctx, tripKey(userID, trip.BookingID), vals).Err())
}

func (r *RedisStore) UpdateTrip(ctx context.Context, userID, bookingID string, patch TripPatch) error {
	vals := make(map[string]interface{})
	if patch.IsHold != nil {
		vals["isHold"] = strconv.FormatBool(*patch.IsHold)
	}
	if patch.RideStartTime != nil {
		vals["rideStartTime"] = clock.FormatTimestamp(*patch.RideStartTime)
	}
	if patch.HoldTimerMs != nil {
		vals["holdTimer"] = strconv.FormatInt(*patch.HoldTimerMs, 10)
	}
	if patch.RideTimerMs != nil {
		vals["rideTimer"] = strconv.FormatInt(*patch.RideTimerMs, 10)
	}
	if patch.TotalTripMs != nil {
		vals["totalTripTime"] = strconv.FormatInt(*patch.TotalTripMs, 10)
	}
	if patch.Ended != nil {
		vals["ended"] = strconv.FormatBool(*patch.Ended)
	}
	if patch.Abandoned != nil {
		vals["abandoned"] = strconv.FormatBool(*patch.Abandoned)
	}
	if len(vals) == 0 {
		return nil
	}
	return storeErr("update-trip", r.client.HSet(ctx, tripKey(userID, bookingID), vals).Err())
}

func (r *RedisStore) ApplyHold(ctx context.Context, userID, bookingID string, h models.HoldTransition) error {
	automatic := "0"
	if h.Automatic {
		automatic = "1"
	}
	res, err := holdScript.Run(ctx, r.client, []string{tripKey(userID, bookingID)},
		clock.FormatTimestamp(h.RideStartTime),
		strconv.FormatInt(h.RideTimerMs, 10),
		strconv.FormatInt(h.TotalTripMs, 10),
		strconv.FormatInt(h.HoldTimerMs, 10),
		h.Reason,
		clock.FormatTimestamp(h.At),
		clock.FormatTimestamp(h.LastActivityBeforeHold),
		automatic,
	).Int64()
	if err != nil {
		return storeErr("apply-hold", err)
	}
	switch res {
	case -1:
		return ErrTripNotFound
	case 0:
		return ErrAlreadyOnHold
	}
	return nil
}

func userFromFields(userID string, fields map[string]string) models.UserRideState {
	u := models.UserRideState{UserID: userID}
	u.ActiveRideID = models.NormalizeSentinel(fields["activeRideId"])
	u.RideOngoing = fields["rideOnGoingStatus"] == "true"
	u.BookingID = models.NormalizeSentinel(fields["bookingId"])
	u.LastActivity = parseOptional(fields["lastActivity"])
	u.LastHeartbeat = parseOptional(fields["lastHeartbeat"])
	u.RideStartTime = parseOptional(fields["rideStartTime"])
	return u
}

func tripFromFields(bookingID string, fields map[string]string) models.Trip {
	t := models.Trip{BookingID: bookingID}
	t.IsHold = fields["isHold"] == "true"
	t.RideStartTime = parseOptional(fields["rideStartTime"])
	t.HoldTimerMs = parseMs(fields["holdTimer"])
	t.RideTimerMs = parseMs(fields["rideTimer"])
	t.TotalTripMs = parseMs(fields["totalTripTime"])
	t.Ended = fields["ended"] == "true"
	t.Abandoned = fields["abandoned"] == "true"
	t.DepositIntent = fields["depositIntent"]
	t.AutoHoldReason = fields["autoHoldReason"]
	t.AutoHoldAt = parseOptional(fields["autoHoldAt"])
	t.HoldUpdatedAt = parseOptional(fields["holdUpdatedAt"])
	t.LastActivityBeforeHold = parseOptional(fields["lastActivityBeforeHold"])
	return t
}

func parseOptional(v string) *time.Time {
	if models.NormalizeSentinel(v) == "" {
		return nil
	}
	t, err := clock.ParseTimestamp(v)
	if err != nil {
		return nil
	}
	return &t
}

func parseMs(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
