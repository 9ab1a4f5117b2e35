// Package registry tracks driver availability and owns the single
// mutual-exclusion point that prevents two dispatch cycles from assigning
// the same driver to two rides.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrUnknownDriver     = errors.New("unknown driver")
	ErrInvalidTransition = errors.New("invalid availability transition")
	// ErrReservationLost means another cycle won the driver; the caller
	// advances to its next candidate.
	ErrReservationLost = errors.New("driver reservation lost")
)

// allowedTransitions encodes the driver availability state machine.
// any -> inactive is handled separately by MarkInactive.
var allowedTransitions = map[models.Availability][]models.Availability{
	models.AvailabilityOffline:   {models.AvailabilityAvailable},
	models.AvailabilityAvailable: {models.AvailabilityOffline, models.AvailabilityOnTrip, models.AvailabilityInactive},
	models.AvailabilityOnTrip:    {models.AvailabilityAvailable, models.AvailabilityInactive},
	models.AvailabilityInactive:  {models.AvailabilityAvailable, models.AvailabilityOffline},
}

func canTransition(from, to models.Availability) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Store persists driver state snapshots to the durable record store.
type Store interface {
	SaveDriver(ctx context.Context, d models.DriverState) error
}

type entry struct {
	mu    sync.Mutex
	state models.DriverState
	// wasWorking remembers whether the driver intended to work when the
	// stale sweep pushed them to inactive; a fresh position only revives
	// drivers that did.
	wasWorking bool
}

// Registry keeps driver state in memory, keyed by driver id, with a lock
// per driver so unrelated dispatch cycles never contend. Writes go through
// to the durable store best-effort.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]*entry

	store Store // optional
	log   *slog.Logger
	now   func() time.Time
}

func New(store Store, log *slog.Logger) *Registry {
	return &Registry{
		drivers: make(map[string]*entry),
		store:   store,
		log:     log,
		now:     time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Upsert registers a driver or refreshes rating/trip/profile metadata
// without touching availability.
func (r *Registry) Upsert(ctx context.Context, d models.DriverState) {
	e := r.entryFor(d.DriverID, true)
	e.mu.Lock()
	if e.state.DriverID == "" {
		if d.Availability == "" {
			d.Availability = models.AvailabilityOffline
		}
		e.state = d
	} else {
		e.state.Rating = d.Rating
		e.state.CompletedTrips = d.CompletedTrips
		e.state.Profile = d.Profile
	}
	snapshot := e.state
	e.mu.Unlock()
	r.persist(ctx, snapshot)
}

// Get returns a copy of the driver's current state.
func (r *Registry) Get(driverID string) (models.DriverState, error) {
	e := r.entryFor(driverID, false)
	if e == nil {
		return models.DriverState{}, ErrUnknownDriver
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

// IsAvailable reports whether the driver can currently take a ride. Used by
// the location store's nearby filter.
func (r *Registry) IsAvailable(driverID string) bool {
	e := r.entryFor(driverID, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Availability == models.AvailabilityAvailable
}

// SetAvailability applies a driver-initiated state change, enforcing the
// availability state machine.
func (r *Registry) SetAvailability(ctx context.Context, driverID string, next models.Availability) error {
	e := r.entryFor(driverID, false)
	if e == nil {
		return ErrUnknownDriver
	}
	e.mu.Lock()
	if e.state.Availability == next {
		e.mu.Unlock()
		return nil
	}
	if !canTransition(e.state.Availability, next) {
		from := e.state.Availability
		e.mu.Unlock()
		r.log.Warn("rejected availability transition", "driver_id", driverID, "from", from, "to", next)
		return ErrInvalidTransition
	}
	if next == models.AvailabilityOnTrip {
		// reaching on_trip goes through TryReserve so a ride id is attached
		e.mu.Unlock()
		return ErrInvalidTransition
	}
	e.state.Availability = next
	e.state.ActiveRideID = ""
	if next == models.AvailabilityAvailable {
		e.state.AvailableSince = r.now()
	}
	snapshot := e.state
	e.mu.Unlock()
	r.persist(ctx, snapshot)
	return nil
}

// TryReserve atomically claims the driver for a ride. It succeeds only when
// the driver is available; concurrent callers serialize on the driver's
// lock, so exactly one wins.
func (r *Registry) TryReserve(ctx context.Context, driverID, rideID string) error {
	e := r.entryFor(driverID, false)
	if e == nil {
		return ErrUnknownDriver
	}
	e.mu.Lock()
	if e.state.Availability != models.AvailabilityAvailable {
		e.mu.Unlock()
		return ErrReservationLost
	}
	e.state.Availability = models.AvailabilityOnTrip
	e.state.ActiveRideID = rideID
	snapshot := e.state
	e.mu.Unlock()
	r.persist(ctx, snapshot)
	return nil
}

// Release returns a reserved driver to the available pool and clears the
// active ride. Releasing a driver that is not on a trip is a no-op so
// rollback paths can call it unconditionally.
func (r *Registry) Release(ctx context.Context, driverID string) {
	e := r.entryFor(driverID, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.state.Availability != models.AvailabilityOnTrip {
		e.mu.Unlock()
		return
	}
	e.state.Availability = models.AvailabilityAvailable
	e.state.ActiveRideID = ""
	e.state.AvailableSince = r.now()
	snapshot := e.state
	e.mu.Unlock()
	r.persist(ctx, snapshot)
}

// RecordTrip increments the driver's completed trip count after a ride
// finishes.
func (r *Registry) RecordTrip(ctx context.Context, driverID string) {
	e := r.entryFor(driverID, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.state.CompletedTrips++
	snapshot := e.state
	e.mu.Unlock()
	r.persist(ctx, snapshot)
}

// MarkInactive is the stale-sweep entry point: the driver stopped reporting
// positions. Inactive is a computed state, so it applies from any state and
// clears the active ride.
func (r *Registry) MarkInactive(ctx context.Context, driverID string) {
	e := r.entryFor(driverID, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.state.Availability == models.AvailabilityInactive || e.state.Availability == models.AvailabilityOffline {
		e.mu.Unlock()
		return
	}
	e.wasWorking = e.state.Availability == models.AvailabilityAvailable || e.state.Availability == models.AvailabilityOnTrip
	e.state.Availability = models.AvailabilityInactive
	e.state.ActiveRideID = ""
	snapshot := e.state
	e.mu.Unlock()
	r.log.Info("driver marked inactive", "driver_id", driverID)
	r.persist(ctx, snapshot)
}

// Revive flips an inactive driver back to available after a fresh position,
// but only if they were working when they went stale.
func (r *Registry) Revive(ctx context.Context, driverID string) {
	e := r.entryFor(driverID, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.state.Availability != models.AvailabilityInactive || !e.wasWorking {
		e.mu.Unlock()
		return
	}
	e.state.Availability = models.AvailabilityAvailable
	e.state.AvailableSince = r.now()
	e.wasWorking = false
	snapshot := e.state
	e.mu.Unlock()
	r.persist(ctx, snapshot)
}

func (r *Registry) entryFor(driverID string, create bool) *entry {
	r.mu.RLock()
	e, ok := r.drivers[driverID]
	r.mu.RUnlock()
	if ok || !create {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.drivers[driverID]; ok {
		return e
	}
	e = &entry{}
	r.drivers[driverID] = e
	return e
}

func (r *Registry) persist(ctx context.Context, d models.DriverState) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveDriver(ctx, d); err != nil {
		r.log.Warn("driver persist failed", "driver_id", d.DriverID, "error", err)
	}
}
