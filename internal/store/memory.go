package store

import (
	"context"
	"sync"

	"github.com/example/pubbs-ride/internal/models"
)

// MemoryStore keeps ride state in process. It is the fallback when no
// external store is configured and the workhorse for tests.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]models.UserRideState
	trips map[string]map[string]models.Trip // userID -> bookingID -> trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]models.UserRideState),
		trips: make(map[string]map[string]models.Trip),
	}
}

// PutUser seeds or replaces a user record wholesale.
func (m *MemoryStore) PutUser(u models.UserRideState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.UserID] = u
}

// PutTrip seeds or replaces a trip record wholesale.
func (m *MemoryStore) PutTrip(userID string, t models.Trip) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trips[userID] == nil {
		m.trips[userID] = make(map[string]models.Trip)
	}
	m.trips[userID][t.BookingID] = t
}

func (m *MemoryStore) ReadAllUsers(ctx context.Context) (map[string]models.UserRideState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]models.UserRideState, len(m.users))
	for k, v := range m.users {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) GetUser(ctx context.Context, userID string) (models.UserRideState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	return u, ok, nil
}

func (m *MemoryStore) GetTrip(ctx context.Context, userID, bookingID string) (models.Trip, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[userID][bookingID]
	return t, ok, nil
}

func (m *MemoryStore) UpdateUser(ctx context.Context, userID string, patch UserPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[userID]
	u.UserID = userID
	if patch.ActiveRideID != nil {
		u.ActiveRideID = models.NormalizeSentinel(*patch.ActiveRideID)
	}
	if patch.ClearActiveRide {
		u.ActiveRideID = ""
	}
	if patch.RideOngoing != nil {
		u.RideOngoing = *patch.RideOngoing
	}
	if patch.BookingID != nil {
		u.BookingID = models.NormalizeSentinel(*patch.BookingID)
	}
	if patch.ClearBooking {
		u.BookingID = ""
	}
	if patch.LastActivity != nil {
		t := *patch.LastActivity
		u.LastActivity = &t
	}
	if patch.LastHeartbeat != nil {
		t := *patch.LastHeartbeat
		u.LastHeartbeat = &t
	}
	if patch.RideStartTime != nil {
		t := *patch.RideStartTime
		u.RideStartTime = &t
	}
	m.users[userID] = u
	return nil
}

func (m *MemoryStore) CreateTrip(ctx context.Context, userID string, trip models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trips[userID] == nil {
		m.trips[userID] = make(map[string]models.Trip)
	}
	m.trips[userID][trip.BookingID] = trip
	return nil
}

func (m *MemoryStore) UpdateTrip(ctx context.Context, userID, bookingID string, patch TripPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[userID][bookingID]
	if !ok {
		return ErrTripNotFound
	}
	applyTripPatch(&t, patch)
	m.trips[userID][bookingID] = t
	return nil
}

func (m *MemoryStore) ApplyHold(ctx context.Context, userID, bookingID string, h models.HoldTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[userID][bookingID]
	if !ok {
		return ErrTripNotFound
	}
	if t.IsHold {
		return ErrAlreadyOnHold
	}
	writeHold(&t, h)
	m.trips[userID][bookingID] = t
	return nil
}

func applyTripPatch(t *models.Trip, patch TripPatch) {
	if patch.IsHold != nil {
		t.IsHold = *patch.IsHold
	}
	if patch.RideStartTime != nil {
		ts := *patch.RideStartTime
		t.RideStartTime = &ts
	}
	if patch.HoldTimerMs != nil {
		t.HoldTimerMs = *patch.HoldTimerMs
	}
	if patch.RideTimerMs != nil {
		t.RideTimerMs = *patch.RideTimerMs
	}
	if patch.TotalTripMs != nil {
		t.TotalTripMs = *patch.TotalTripMs
	}
	if patch.Ended != nil {
		t.Ended = *patch.Ended
	}
	if patch.Abandoned != nil {
		t.Abandoned = *patch.Abandoned
	}
}

func writeHold(t *models.Trip, h models.HoldTransition) {
	start := h.RideStartTime
	at := h.At
	last := h.LastActivityBeforeHold
	t.IsHold = true
	t.RideStartTime = &start
	t.RideTimerMs = h.RideTimerMs
	t.TotalTripMs = h.TotalTripMs
	t.HoldTimerMs = h.HoldTimerMs
	t.HoldUpdatedAt = &at
	t.LastActivityBeforeHold = &last
	// The autoHold* audit fields mean "the sweep did this"; a manual
	// hold leaves them empty.
	if h.Automatic {
		t.AutoHoldReason = h.Reason
		t.AutoHoldAt = &at
	}
}
