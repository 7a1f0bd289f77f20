package stations

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/example/pubbs-ride/internal/models"
)

// RedisIndex implements Index using Redis GEO commands, with a hash per
// station for the metadata GEO cannot carry.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, st models.Station) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: st.Lon, Latitude: st.Lat, Name: st.ID}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(st.ID), map[string]interface{}{
		"name":       st.Name,
		"bike_count": strconv.Itoa(st.BikeCount),
	}).Err()
}

func (r *RedisIndex) Nearby(ctx context.Context, lat, lon float64, limit int) ([]models.Station, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius: 5000, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Station, 0, len(res))
	for _, g := range res {
		st := models.Station{ID: g.Name, Lat: g.Latitude, Lon: g.Longitude, DistanceM: g.Dist}
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			st.Name = m["name"]
			if v, ok := m["bike_count"]; ok {
				if n, err := strconv.Atoi(v); err == nil {
					st.BikeCount = n
				}
			}
		}
		out = append(out, st)
	}
	return out, nil
}

func metaKey(id string) string { return "station:meta:" + id }
