package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/eventbus"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/scorer"
	"github.com/example/ride-dispatch/internal/settings"
)

var pickup = models.Point{Lat: -1.9500, Lng: 30.0600}

func testConfig() Config {
	return Config{
		MaxRetries:      3,
		RetryBackoff:    5 * time.Millisecond,
		RadiusGrowth:    2,
		MaxRadiusKm:     10,
		CandidateLimit:  8,
		DeclineCooldown: time.Minute,
		OfferTimeout:    15 * time.Millisecond,
	}
}

func testSettings() settings.Settings {
	return settings.Settings{
		AutoDispatchEnabled:        true,
		AutoDispatchTimeoutSeconds: 0, // fire the first cycle immediately
		MatchingRadiusKm:           3,
		MinDriverRating:            3.5,
	}
}

type env struct {
	bus      *eventbus.Bus
	ledger   *ledger.Service
	registry *registry.Registry
	loc      *location.MemoryStore
	settings *settings.Store
	sched    *Scheduler
}

func newEnv(t *testing.T, cfg Config, s settings.Settings) *env {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New()
	ld := ledger.NewService(ledger.NewMemoryStore(), bus, log)
	reg := registry.New(nil, log)
	loc := location.NewMemoryStore(reg, bus)
	set := settings.NewStore(s, bus)
	sched := NewScheduler(cfg, ld, reg, loc, scorer.New(scorer.DefaultConfig()), &eta.Resolver{SpeedKmh: 30}, set, bus, log)
	t.Cleanup(sched.Stop)
	return &env{bus: bus, ledger: ld, registry: reg, loc: loc, settings: set, sched: sched}
}

// addDriver registers an available driver offsetKm north of the pickup.
func (e *env) addDriver(t *testing.T, id string, offsetKm, rating float64) {
	t.Helper()
	ctx := context.Background()
	e.registry.Upsert(ctx, models.DriverState{
		DriverID:     id,
		Availability: models.AvailabilityAvailable,
		Rating:       rating,
	})
	err := e.loc.Update(ctx, models.DriverPosition{
		DriverID:   id,
		Loc:        models.Point{Lat: pickup.Lat + offsetKm/111.0, Lng: pickup.Lng},
		RecordedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed position for %s: %v", id, err)
	}
}

func eventually(t *testing.T, within time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestScheduleAssignsBestCandidate(t *testing.T) {
	e := newEnv(t, testConfig(), testSettings())
	ctx := context.Background()
	e.addDriver(t, "d-close-low", 0.3, 3.0) // below the rating floor
	e.addDriver(t, "d-best", 0.5, 4.9)
	e.addDriver(t, "d-far", 1.0, 4.2)

	ride, err := e.ledger.Create(ctx, "p1", pickup, models.Point{Lat: -1.93, Lng: 30.10}, 0)
	if err != nil {
		t.Fatal(err)
	}
	e.sched.Schedule(ride)

	eventually(t, time.Second, "assignment", func() bool {
		got, _ := e.ledger.Get(ctx, ride.ID)
		return got.Status == models.RideAccepted
	})
	got, _ := e.ledger.Get(ctx, ride.ID)
	if got.DriverID != "d-best" {
		t.Fatalf("assigned %q, want d-best", got.DriverID)
	}
	st, _ := e.registry.Get("d-best")
	if st.Availability != models.AvailabilityOnTrip || st.ActiveRideID != ride.ID {
		t.Fatalf("winner state = %+v", st)
	}
	for _, id := range []string{"d-close-low", "d-far"} {
		if !e.registry.IsAvailable(id) {
			t.Fatalf("%s should still be available", id)
		}
	}
}

func TestExhaustionEscalates(t *testing.T) {
	cfg := testConfig()
	e := newEnv(t, cfg, testSettings())
	ctx := context.Background()

	ride, err := e.ledger.Create(ctx, "p1", pickup, models.Point{Lat: -1.93, Lng: 30.10}, 0)
	if err != nil {
		t.Fatal(err)
	}
	sub := e.bus.Subscribe(eventbus.ByRide(ride.ID), 32)
	defer sub.Close()

	e.sched.Schedule(ride)

	eventually(t, time.Second, "escalation", func() bool {
		got, _ := e.ledger.Get(ctx, ride.ID)
		return got.Status == models.RideDispatchFailed
	})
	got, _ := e.ledger.Get(ctx, ride.ID)
	if got.DispatchAttempts != cfg.MaxRetries {
		t.Fatalf("dispatch_attempts = %d, want %d", got.DispatchAttempts, cfg.MaxRetries)
	}

	var escalated bool
	deadline := time.After(time.Second)
	for !escalated {
		select {
		case ev := <-sub.C():
			if esc, ok := ev.(eventbus.DispatchEscalated); ok {
				if esc.Attempts != cfg.MaxRetries {
					t.Fatalf("escalation attempts = %d, want %d", esc.Attempts, cfg.MaxRetries)
				}
				escalated = true
			}
		case <-deadline:
			t.Fatal("no escalation event published")
		}
	}
}

func TestDeclineRequeuesWithExclusion(t *testing.T) {
	e := newEnv(t, testConfig(), testSettings())
	ctx := context.Background()
	e.addDriver(t, "d1", 0.3, 5.0)
	e.addDriver(t, "d2", 1.0, 4.8)

	ride, err := e.ledger.Create(ctx, "p1", pickup, models.Point{Lat: -1.93, Lng: 30.10}, 0)
	if err != nil {
		t.Fatal(err)
	}
	e.sched.Schedule(ride)
	eventually(t, time.Second, "first assignment", func() bool {
		got, _ := e.ledger.Get(ctx, ride.ID)
		return got.Status == models.RideAccepted && got.DriverID == "d1"
	})

	if err := e.sched.Decline(ctx, ride.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	eventually(t, time.Second, "reassignment to d2", func() bool {
		got, _ := e.ledger.Get(ctx, ride.ID)
		return got.Status == models.RideAccepted && got.DriverID == "d2"
	})
	if !e.registry.IsAvailable("d1") {
		t.Fatal("declining driver should be released")
	}
}

func TestDeclineByUninvolvedDriverIsRejected(t *testing.T) {
	e := newEnv(t, testConfig(), testSettings())
	ctx := context.Background()
	e.addDriver(t, "d1", 0.3, 5.0)

	trip, err := e.ledger.Create(ctx, "p1", pickup, models.Point{Lat: -1.93, Lng: 30.10}, 0)
	if err != nil {
		t.Fatal(err)
	}
	e.sched.Schedule(trip)
	eventually(t, time.Second, "assignment", func() bool {
		got, _ := e.ledger.Get(ctx, trip.ID)
		return got.Status == models.RideAccepted && got.DriverID == "d1"
	})

	// a second pending ride d1 was never offered
	other, err := e.ledger.Create(ctx, "p2", pickup, models.Point{Lat: -1.93, Lng: 30.10}, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := e.sched.Decline(ctx, other.ID, "d1"); !errors.Is(err, ErrNoOutstandingOffer) {
		t.Fatalf("decline of unrelated ride: %v", err)
	}
	st, err := e.registry.Get("d1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Availability != models.AvailabilityOnTrip || st.ActiveRideID != trip.ID {
		t.Fatalf("driver freed from own trip by unrelated decline: %+v", st)
	}
	got, _ := e.ledger.Get(ctx, trip.ID)
	if got.Status != models.RideAccepted || got.DriverID != "d1" {
		t.Fatalf("trip changed: %+v", got)
	}

	// a driver who never held the ride cannot decline it either
	if err := e.sched.Decline(ctx, trip.ID, "d2"); !errors.Is(err, ErrNoOutstandingOffer) {
		t.Fatalf("decline by unrelated driver: %v", err)
	}
}

func TestCancelledRideIsNotDispatched(t *testing.T) {
	e := newEnv(t, testConfig(), testSettings())
	ctx := context.Background()
	e.addDriver(t, "d1", 0.5, 4.9)

	ride, err := e.ledger.Create(ctx, "p1", pickup, models.Point{Lat: -1.93, Lng: 30.10}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.ledger.Cancel(ctx, ride.ID, "passenger"); err != nil {
		t.Fatal(err)
	}
	e.sched.Schedule(ride)

	time.Sleep(50 * time.Millisecond)
	got, _ := e.ledger.Get(ctx, ride.ID)
	if got.Status != models.RideCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if !e.registry.IsAvailable("d1") {
		t.Fatal("driver must not be reserved for a cancelled ride")
	}
}

func TestCancelRideStopsTimer(t *testing.T) {
	s := testSettings()
	s.AutoDispatchTimeoutSeconds = 30
	e := newEnv(t, testConfig(), s)
	ctx := context.Background()
	e.addDriver(t, "d1", 0.5, 4.9)

	ride, err := e.ledger.Create(ctx, "p1", pickup, models.Point{Lat: -1.93, Lng: 30.10}, 0)
	if err != nil {
		t.Fatal(err)
	}
	e.sched.Schedule(ride)
	e.sched.CancelRide(ride.ID)

	time.Sleep(30 * time.Millisecond)
	got, _ := e.ledger.Get(ctx, ride.ID)
	if got.Status != models.RidePending || got.DriverID != "" {
		t.Fatalf("parked ride changed: %+v", got)
	}
}

// staticLocations lets tests hand the scheduler candidates that the
// availability-filtered store would hide, to exercise reservation races.
type staticLocations struct{ hits []location.Hit }

func (s staticLocations) Nearby(context.Context, models.Point, float64, int) ([]location.Hit, error) {
	return s.hits, nil
}

func TestLostReservationAdvancesToNextCandidate(t *testing.T) {
	e := newEnv(t, testConfig(), testSettings())
	ctx := context.Background()
	e.addDriver(t, "d1", 0.3, 5.0)
	e.addDriver(t, "d2", 1.0, 4.8)

	// d1 is snatched by another ride before our cycle reserves it
	if err := e.registry.TryReserve(ctx, "d1", "other-ride"); err != nil {
		t.Fatal(err)
	}
	e.sched.loc = staticLocations{hits: []location.Hit{
		{DriverID: "d1", DistanceKm: 0.3},
		{DriverID: "d2", DistanceKm: 1.0},
	}}

	ride, err := e.ledger.Create(ctx, "p1", pickup, models.Point{Lat: -1.93, Lng: 30.10}, 0)
	if err != nil {
		t.Fatal(err)
	}
	e.sched.Schedule(ride)

	eventually(t, time.Second, "fallback assignment", func() bool {
		got, _ := e.ledger.Get(ctx, ride.ID)
		return got.Status == models.RideAccepted
	})
	got, _ := e.ledger.Get(ctx, ride.ID)
	if got.DriverID != "d2" {
		t.Fatalf("assigned %q, want d2", got.DriverID)
	}
}

func TestConfirmationFlow(t *testing.T) {
	s := testSettings()
	s.RequiresDriverConfirmation = true
	cfg := testConfig()
	cfg.OfferTimeout = time.Minute // the test confirms explicitly, never expire
	e := newEnv(t, cfg, s)
	ctx := context.Background()
	e.addDriver(t, "d1", 0.5, 4.9)

	ride, err := e.ledger.Create(ctx, "p1", pickup, models.Point{Lat: -1.93, Lng: 30.10}, 0)
	if err != nil {
		t.Fatal(err)
	}
	sub := e.bus.Subscribe(eventbus.ByDriver("d1"), 8)
	defer sub.Close()

	e.sched.Schedule(ride)

	var offer eventbus.DispatchOffer
	select {
	case ev := <-sub.C():
		var ok bool
		if offer, ok = ev.(eventbus.DispatchOffer); !ok {
			t.Fatalf("unexpected event %T", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no offer published")
	}
	if offer.RideID != ride.ID || offer.DriverID != "d1" {
		t.Fatalf("offer = %+v", offer)
	}
	got, _ := e.ledger.Get(ctx, ride.ID)
	if got.Status != models.RidePending {
		t.Fatalf("ride must stay pending until confirmed, got %s", got.Status)
	}

	if err := e.sched.Confirm(ctx, ride.ID, "d9"); !errors.Is(err, ErrNoOutstandingOffer) {
		t.Fatalf("confirm by wrong driver: %v", err)
	}
	if err := e.sched.Confirm(ctx, ride.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	got, _ = e.ledger.Get(ctx, ride.ID)
	if got.Status != models.RideAccepted || got.DriverID != "d1" {
		t.Fatalf("after confirm: %+v", got)
	}
}

func TestOfferExpiryMovesOn(t *testing.T) {
	s := testSettings()
	s.RequiresDriverConfirmation = true
	e := newEnv(t, testConfig(), s)
	ctx := context.Background()
	e.addDriver(t, "d1", 0.3, 5.0)
	e.addDriver(t, "d2", 1.0, 4.8)

	ride, err := e.ledger.Create(ctx, "p1", pickup, models.Point{Lat: -1.93, Lng: 30.10}, 0)
	if err != nil {
		t.Fatal(err)
	}
	offers := func(ev eventbus.Event) bool { return ev.Kind() == eventbus.KindDispatchOffer }
	sub := e.bus.Subscribe(offers, 32)
	defer sub.Close()

	e.sched.Schedule(ride)

	var offered []string
	deadline := time.After(2 * time.Second)
	for len(offered) < 2 {
		select {
		case ev := <-sub.C():
			if o, ok := ev.(eventbus.DispatchOffer); ok {
				offered = append(offered, o.DriverID)
			}
		case <-deadline:
			t.Fatalf("offers so far: %v", offered)
		}
	}
	if offered[0] != "d1" || offered[1] != "d2" {
		t.Fatalf("offer order = %v", offered)
	}
	eventually(t, time.Second, "first driver released", func() bool {
		return e.registry.IsAvailable("d1")
	})
}

func TestAutoDispatchDisabledParksForManualAssign(t *testing.T) {
	s := testSettings()
	s.AutoDispatchEnabled = false
	e := newEnv(t, testConfig(), s)
	ctx := context.Background()
	e.addDriver(t, "d1", 0.5, 4.9)

	ride, err := e.ledger.Create(ctx, "p1", pickup, models.Point{Lat: -1.93, Lng: 30.10}, 0)
	if err != nil {
		t.Fatal(err)
	}
	e.sched.Schedule(ride)
	time.Sleep(30 * time.Millisecond)
	got, _ := e.ledger.Get(ctx, ride.ID)
	if got.Status != models.RidePending {
		t.Fatalf("status = %s, want pending", got.Status)
	}

	if err := e.sched.AssignManual(ctx, ride.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	got, _ = e.ledger.Get(ctx, ride.ID)
	if got.Status != models.RideAccepted || got.DriverID != "d1" {
		t.Fatalf("after manual assign: %+v", got)
	}
}
