package location

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/eventbus"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	defaultGeoKey  = "drivers_geo"
	lastSeenSuffix = ":last_seen"
)

// RedisStore implements Store on Redis GEO commands so several API
// processes can share one fleet view. GEOSEARCH is the radius pre-filter;
// a sorted set of last-seen timestamps backs the stale sweep.
type RedisStore struct {
	client *redis.Client
	geoKey string
	seen   string

	registry Registry
	pub      Publisher
}

func NewRedisStore(addr, password, geoKey string, registry Registry, pub Publisher) *RedisStore {
	if geoKey == "" {
		geoKey = defaultGeoKey
	}
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisStore{
		client:   c,
		geoKey:   geoKey,
		seen:     geoKey + lastSeenSuffix,
		registry: registry,
		pub:      pub,
	}
}

func (r *RedisStore) Update(ctx context.Context, pos models.DriverPosition) error {
	if err := geo.ValidatePoint(pos.Loc); err != nil {
		return err
	}
	stored, err := r.client.HGet(ctx, metaKey(pos.DriverID), "recorded_at").Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if err == nil {
		last, perr := time.Parse(time.RFC3339Nano, stored)
		if perr == nil && !pos.RecordedAt.After(last) {
			observability.StaleSamplesTotal.Inc()
			return ErrStaleSample
		}
	}

	meta := map[string]interface{}{"recorded_at": pos.RecordedAt.Format(time.RFC3339Nano)}
	if pos.SpeedKmh != nil {
		meta["speed_kmh"] = strconv.FormatFloat(*pos.SpeedKmh, 'f', -1, 64)
	}
	if pos.HeadingDeg != nil {
		meta["heading"] = strconv.FormatFloat(*pos.HeadingDeg, 'f', -1, 64)
	}

	pipe := r.client.Pipeline()
	pipe.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{
		Name:      pos.DriverID,
		Longitude: pos.Loc.Lng,
		Latitude:  pos.Loc.Lat,
	})
	pipe.HSet(ctx, metaKey(pos.DriverID), meta)
	pipe.ZAdd(ctx, r.seen, redis.Z{Score: float64(pos.RecordedAt.UnixMilli()), Member: pos.DriverID})
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	observability.PositionUpdatesTotal.Inc()
	r.registry.Revive(ctx, pos.DriverID)
	if r.pub != nil {
		r.pub.Publish(eventbus.LocationChanged{Position: pos})
	}
	return nil
}

func (r *RedisStore) Nearby(ctx context.Context, p models.Point, radiusKm float64, limit int) ([]Hit, error) {
	if err := geo.ValidatePoint(p); err != nil {
		return nil, err
	}
	// over-fetch so the availability filter can still fill the limit
	count := limit * 3
	if count <= 0 {
		count = 30
	}
	res, err := r.client.GeoSearchLocation(ctx, r.geoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lng,
			Latitude:   p.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      count,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, limit)
	for _, g := range res {
		if !r.registry.IsAvailable(g.Name) {
			continue
		}
		pos := models.DriverPosition{
			DriverID: g.Name,
			Loc:      models.Point{Lat: g.Latitude, Lng: g.Longitude},
		}
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			if v, ok := m["recorded_at"]; ok {
				if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
					pos.RecordedAt = t
				}
			}
			if v, ok := m["speed_kmh"]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					pos.SpeedKmh = &f
				}
			}
		}
		hits = append(hits, Hit{DriverID: g.Name, DistanceKm: g.Dist, Position: pos})
		if limit > 0 && len(hits) == limit {
			break
		}
	}
	return hits, nil
}

func (r *RedisStore) SweepStale(ctx context.Context, now time.Time, timeout time.Duration) []string {
	cutoff := now.Add(-timeout).UnixMilli()
	ids, err := r.client.ZRangeByScore(ctx, r.seen, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil
	}
	for _, id := range ids {
		r.registry.MarkInactive(ctx, id)
	}
	return ids
}

func (r *RedisStore) Last(ctx context.Context, driverID string) (models.DriverPosition, bool) {
	posList, err := r.client.GeoPos(ctx, r.geoKey, driverID).Result()
	if err != nil || len(posList) == 0 || posList[0] == nil {
		return models.DriverPosition{}, false
	}
	pos := models.DriverPosition{
		DriverID: driverID,
		Loc:      models.Point{Lat: posList[0].Latitude, Lng: posList[0].Longitude},
	}
	if v, err := r.client.HGet(ctx, metaKey(driverID), "recorded_at").Result(); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			pos.RecordedAt = t
		}
	}
	return pos, true
}

func metaKey(driverID string) string { return fmt.Sprintf("driver:meta:%s", driverID) }
