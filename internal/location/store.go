// Package location holds the latest position per driver and answers the
// "available drivers within radius R of point P" query that dispatch
// cycles are built on.
package location

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/eventbus"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// ErrStaleSample marks an out-of-order position: recorded_at did not
// advance past the stored sample. Ignored, not fatal.
var ErrStaleSample = errors.New("stale position sample")

// Hit is one nearby driver, ordered by ascending distance.
type Hit struct {
	DriverID   string
	DistanceKm float64
	Position   models.DriverPosition
}

// Registry is the slice of the driver registry the store needs: the
// availability filter for nearby queries, revival on fresh samples, and the
// inactive push from the stale sweep.
type Registry interface {
	IsAvailable(driverID string) bool
	Revive(ctx context.Context, driverID string)
	MarkInactive(ctx context.Context, driverID string)
}

// Publisher republishes accepted position updates.
type Publisher interface {
	Publish(eventbus.Event)
}

// Store is the latest-position-per-driver contract.
type Store interface {
	// Update applies a new sample, rejecting anything not strictly newer
	// than the stored one.
	Update(ctx context.Context, pos models.DriverPosition) error
	// Nearby returns available drivers within radiusKm of p, closest
	// first, capped at limit.
	Nearby(ctx context.Context, p models.Point, radiusKm float64, limit int) ([]Hit, error)
	// SweepStale pushes every driver whose last sample is older than
	// timeout to the registry as inactive, returning their ids.
	SweepStale(ctx context.Context, now time.Time, timeout time.Duration) []string
	// Last returns the stored sample for one driver.
	Last(ctx context.Context, driverID string) (models.DriverPosition, bool)
}

// MemoryStore keeps the fleet in a map. The bounding-box pre-filter keeps
// exact haversine calls off most of the fleet on large radii.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]models.DriverPosition

	registry Registry
	pub      Publisher
}

func NewMemoryStore(registry Registry, pub Publisher) *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]models.DriverPosition),
		registry:  registry,
		pub:       pub,
	}
}

func (m *MemoryStore) Update(ctx context.Context, pos models.DriverPosition) error {
	if err := geo.ValidatePoint(pos.Loc); err != nil {
		return err
	}
	m.mu.Lock()
	if last, ok := m.positions[pos.DriverID]; ok && !pos.RecordedAt.After(last.RecordedAt) {
		m.mu.Unlock()
		observability.StaleSamplesTotal.Inc()
		return ErrStaleSample
	}
	m.positions[pos.DriverID] = pos
	m.mu.Unlock()

	observability.PositionUpdatesTotal.Inc()
	m.registry.Revive(ctx, pos.DriverID)
	if m.pub != nil {
		m.pub.Publish(eventbus.LocationChanged{Position: pos})
	}
	return nil
}

func (m *MemoryStore) Nearby(ctx context.Context, p models.Point, radiusKm float64, limit int) ([]Hit, error) {
	if err := geo.ValidatePoint(p); err != nil {
		return nil, err
	}
	box := geo.BoxAround(p, radiusKm)

	m.mu.RLock()
	hits := make([]Hit, 0, limit)
	for id, pos := range m.positions {
		if !box.Contains(pos.Loc) {
			continue
		}
		d := geo.DistanceKm(p, pos.Loc)
		if d > radiusKm {
			continue
		}
		if !m.registry.IsAvailable(id) {
			continue
		}
		hits = append(hits, Hit{DriverID: id, DistanceKm: d, Position: pos})
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].DistanceKm < hits[j].DistanceKm })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *MemoryStore) SweepStale(ctx context.Context, now time.Time, timeout time.Duration) []string {
	m.mu.RLock()
	var stale []string
	for id, pos := range m.positions {
		if now.Sub(pos.RecordedAt) > timeout {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.registry.MarkInactive(ctx, id)
	}
	return stale
}

func (m *MemoryStore) Last(ctx context.Context, driverID string) (models.DriverPosition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[driverID]
	return pos, ok
}
