// Package stations serves dock discovery: which stations are near the
// rider. The data itself is a plain key-value read; the only logic here
// is the distance ordering.
package stations

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/pubbs-ride/internal/models"
)

// Index answers nearby-station queries.
type Index interface {
	Upsert(ctx context.Context, st models.Station) error
	Nearby(ctx context.Context, lat, lon float64, limit int) ([]models.Station, error)
}

// MemoryIndex is a brute-force haversine index, fine for a city-sized
// fleet and for running without Redis.
type MemoryIndex struct {
	mu       sync.RWMutex
	stations map[string]models.Station
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{stations: make(map[string]models.Station)}
}

func (m *MemoryIndex) Upsert(ctx context.Context, st models.Station) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stations[st.ID] = st
	return nil
}

func (m *MemoryIndex) Nearby(ctx context.Context, lat, lon float64, limit int) ([]models.Station, error) {
	m.mu.RLock()
	out := make([]models.Station, 0, len(m.stations))
	for _, st := range m.stations {
		st.DistanceM = Haversine(lat, lon, st.Lat, st.Lon)
		out = append(out, st)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceM < out[j].DistanceM })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Haversine returns the great-circle distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
