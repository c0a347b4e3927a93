package geo

import (
	"context"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisLocations keeps the latest driver coordinates in Redis GEO keys so
// dashboards can query positions without touching the location log. The
// server reads it for the nearby map; the location consumer writes it.
type RedisLocations struct {
	client *redis.Client
	key    string
}

func NewRedisLocations(addr, password, key string) *RedisLocations {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisLocations{client: c, key: key}
}

func (r *RedisLocations) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisLocations) Close() error { return r.client.Close() }

// Upsert records the ping position and its metadata hash under one member
// keyed by the driver/vehicle pair.
func (r *RedisLocations) Upsert(ctx context.Context, p models.LocationPing) error {
	member := p.DriverID + ":" + p.VehicleID
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: member}).Err(); err != nil {
		return err
	}
	updated := p.At
	if updated.IsZero() {
		updated = time.Now()
	}
	return r.client.HSet(ctx, metaKey(member), map[string]interface{}{
		"district": p.DistrictID,
		"order_id": p.OrderID,
		"updated":  updated.Format(time.RFC3339),
	}).Err()
}

// Nearby returns the closest known vehicles to a point, for the dispatch map.
func (r *RedisLocations) Nearby(ctx context.Context, lat, lon float64, limit int) []models.DriverLocation {
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: 5000, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.DriverLocation, 0, len(res))
	for _, g := range res {
		loc := models.DriverLocation{Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}}
		loc.DriverID, loc.VehicleID = splitMember(g.Name)
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			loc.DistrictID = m["district"]
			loc.OrderID = m["order_id"]
			if v, ok := m["updated"]; ok {
				if ts, err := time.Parse(time.RFC3339, v); err == nil {
					loc.At = ts
				}
			}
		}
		out = append(out, loc)
	}
	return out
}

func metaKey(member string) string { return "vehicle:meta:" + member }

func splitMember(member string) (driverID, vehicleID string) {
	for i := 0; i < len(member); i++ {
		if member[i] == ':' {
			return member[:i], member[i+1:]
		}
	}
	return member, ""
}
