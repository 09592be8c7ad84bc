package geo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/campus-ride-matching/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Driver names and update
// times live in a side hash per driver.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

func (r *RedisGeo) Upsert(ctx context.Context, d models.DriverLocation) error {
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.DriverID})
		p.HSet(ctx, MetaKey(d.DriverID), "name", d.Name, "updated", d.UpdatedAt.UTC().Format(time.RFC3339))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert %s: %w", d.DriverID, err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.key, driverID)
		p.Del(ctx, MetaKey(driverID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis remove %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisGeo) Nearby(ctx context.Context, lat, lon, radiusM float64, limit int) ([]models.DriverLocation, error) {
	if radiusM <= 0 {
		radiusM = 5000
	}
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis nearby: %w", err)
	}
	out := make([]models.DriverLocation, 0, len(res))
	for _, g := range res {
		d := models.DriverLocation{DriverID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}}
		// metadata is best effort; position alone is still useful
		if m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result(); err == nil {
			d.Name = m["name"]
			if t, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
				d.UpdatedAt = t
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// MetaKey is the hash holding a driver's name and last update time.
func MetaKey(id string) string { return "driver:meta:" + id }
