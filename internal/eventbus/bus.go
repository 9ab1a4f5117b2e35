// Package eventbus fans location and ride-state changes out to interested
// observers: passenger tracking views, the admin live map, and driver apps.
package eventbus

import (
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	KindLocationChanged   = "location_changed"
	KindRideStatusChanged = "ride_status_changed"
	KindDispatchOffer     = "dispatch_offer"
	KindDispatchEscalated = "dispatch_escalated"
	KindSettingsChanged   = "settings_changed"
)

// Event is anything the bus can deliver. Entity identifies the driver or
// ride the event belongs to; delivery order is preserved per entity.
type Event interface {
	Kind() string
	Entity() string
}

type LocationChanged struct {
	Position models.DriverPosition `json:"position"`
}

func (e LocationChanged) Kind() string   { return KindLocationChanged }
func (e LocationChanged) Entity() string { return e.Position.DriverID }

type RideStatusChanged struct {
	RideID   string            `json:"ride_id"`
	Status   models.RideStatus `json:"status"`
	DriverID string            `json:"driver_id,omitempty"`
}

func (e RideStatusChanged) Kind() string   { return KindRideStatusChanged }
func (e RideStatusChanged) Entity() string { return e.RideID }

// DispatchOffer asks a specific driver to confirm an automatic match.
type DispatchOffer struct {
	RideID     string                `json:"ride_id"`
	DriverID   string                `json:"driver_id"`
	Candidate  models.MatchCandidate `json:"candidate"`
	Pickup     models.Point          `json:"pickup"`
	Dropoff    models.Point          `json:"dropoff"`
	AutoAccept bool                  `json:"auto_accept"`
}

func (e DispatchOffer) Kind() string   { return KindDispatchOffer }
func (e DispatchOffer) Entity() string { return e.DriverID }

// DispatchEscalated surfaces a ride that exhausted automatic retries and
// needs manual admin assignment.
type DispatchEscalated struct {
	RideID   string `json:"ride_id"`
	Attempts int    `json:"attempts"`
}

func (e DispatchEscalated) Kind() string   { return KindDispatchEscalated }
func (e DispatchEscalated) Entity() string { return e.RideID }

type SettingsChanged struct {
	Changed map[string]any `json:"changed"`
}

func (e SettingsChanged) Kind() string   { return KindSettingsChanged }
func (e SettingsChanged) Entity() string { return "settings" }

// Filter decides whether a subscription wants an event.
type Filter func(Event) bool

// ByRide matches every event for one ride id.
func ByRide(rideID string) Filter {
	return func(e Event) bool { return e.Entity() == rideID }
}

// ByDriver matches every event for one driver id.
func ByDriver(driverID string) Filter {
	return func(e Event) bool { return e.Entity() == driverID }
}

// AllLocations matches every driver position update (admin live map).
func AllLocations(e Event) bool { return e.Kind() == KindLocationChanged }

// All matches everything.
func All(Event) bool { return true }

type Subscription struct {
	bus    *Bus
	filter Filter
	ch     chan Event
	once   sync.Once
}

// C is the delivery channel. Events arrive in publish order per entity;
// a slow consumer loses events rather than blocking publishers.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.drop(s) })
}

// Bus is a single-writer-per-entity, multi-reader fan-out. Publishers for a
// given entity are serialized upstream (the location store applies samples
// in recorded_at order, the ledger linearizes ride transitions), so the
// per-subscriber channel preserves per-entity order by construction.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped func() // optional hook, incremented when a slow subscriber loses an event
}

func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// OnDrop installs a callback invoked whenever a full subscriber buffer
// forces an event to be discarded.
func (b *Bus) OnDrop(fn func()) { b.dropped = fn }

func (b *Bus) Subscribe(filter Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	s := &Subscription{bus: b, filter: filter, ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.filter(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			if b.dropped != nil {
				b.dropped()
			}
		}
	}
}

func (b *Bus) drop(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	close(s.ch)
}
