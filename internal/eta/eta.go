// Package eta estimates driver arrival times. The naive distance/speed
// estimate is always available; routing-engine clients refine it when
// configured.
package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is the interface used by the dispatch scheduler to get ETAs.
type Client interface {
	EstimateMinutes(ctx context.Context, from, to models.Point) (float64, error)
}

// Estimate is the fallback: straight-line distance over an assumed speed.
func Estimate(from, to models.Point, speedKmh float64) float64 {
	return geo.ETAMinutes(geo.DistanceKm(from, to), speedKmh)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coordinates.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func (c *Cache) Get(a, b models.Point) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Point, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

func keyFor(a, b models.Point) string {
	return fmtPoint(a) + "->" + fmtPoint(b)
}

func fmtPoint(p models.Point) string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}

// Resolver wraps an optional routing client and cache behind the fallback
// estimator so callers always get a number.
type Resolver struct {
	Client   Client // optional
	Cache    *Cache // optional
	SpeedKmh float64
}

// Minutes returns the best available arrival estimate from `from` to `to`,
// preferring the driver's live speed for the fallback when present.
func (r *Resolver) Minutes(ctx context.Context, from, to models.Point, liveSpeedKmh *float64) float64 {
	if r.Cache != nil {
		if v, ok := r.Cache.Get(from, to); ok {
			return v
		}
	}
	if r.Client != nil {
		if v, err := r.Client.EstimateMinutes(ctx, from, to); err == nil {
			if r.Cache != nil {
				r.Cache.Set(from, to, v)
			}
			return v
		}
	}
	speed := r.SpeedKmh
	if liveSpeedKmh != nil && *liveSpeedKmh > 0 {
		speed = *liveSpeedKmh
	}
	return Estimate(from, to, speed)
}
