package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-negotiation/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands, one sorted set per
// vehicle class.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) classKey(class models.VehicleClass) string {
	return r.key + ":" + string(class)
}

// Upsert moves the driver to its current class set, or out of every set it
// was known in when offline. The meta hash always records the latest ping.
func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) error {
	prev, err := r.client.HGet(ctx, metaKey(d.ID), "vehicle_class").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read meta %s: %w", d.ID, err)
	}
	key := r.classKey(d.VehicleClass)
	pipe := r.client.TxPipeline()
	if prev != "" && prev != string(d.VehicleClass) {
		pipe.ZRem(ctx, r.classKey(models.VehicleClass(prev)), d.ID)
	}
	if d.Online {
		pipe.GeoAdd(ctx, key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID})
	} else {
		pipe.ZRem(ctx, key, d.ID)
	}
	pipe.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"rating":        fmt.Sprintf("%f", d.Rating),
		"online":        strconv.FormatBool(d.Online),
		"vehicle_class": string(d.VehicleClass),
		"updated":       time.Now().Format(time.RFC3339),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert %s: %w", d.ID, err)
	}
	return nil
}

func (r *RedisGeo) FindNearby(ctx context.Context, point models.Coord, class models.VehicleClass, radiusKm float64, limit int) ([]models.Candidate, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.classKey(class), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  point.Lon,
			Latitude:   point.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}

	// members can lag behind a ping written by a concurrent Upsert; the meta
	// hash is the freshest view of availability and class
	metas := make([]*redis.SliceCmd, len(res))
	pipe := r.client.Pipeline()
	for i, g := range res {
		metas[i] = pipe.HMGet(ctx, metaKey(g.Name), "online", "vehicle_class")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read driver meta: %w", err)
	}
	out := make([]models.Candidate, 0, len(res))
	for i, g := range res {
		if !available(metas[i].Val(), class) {
			continue
		}
		out = append(out, models.Candidate{
			DriverID:   g.Name,
			Loc:        models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceKm: g.Dist,
		})
	}
	return out, nil
}

// available reads an HMGET of online and vehicle_class. A driver with no
// meta yet is taken at the GEO set's word.
func available(meta []interface{}, class models.VehicleClass) bool {
	field := func(i int) string {
		if i < len(meta) {
			if s, ok := meta[i].(string); ok {
				return s
			}
		}
		return ""
	}
	if field(0) == "false" {
		return false
	}
	if c := field(1); c != "" && c != string(class) {
		return false
	}
	return true
}

func metaKey(id string) string { return "driver:meta:" + id }
