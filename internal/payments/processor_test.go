package payments

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/eventbus"
	"github.com/example/ride-dispatch/internal/models"
)

type fakeCharger struct {
	mu       sync.Mutex
	held     []int64
	captured []string
	canceled []string
	failHold bool
}

func (f *fakeCharger) Hold(_ context.Context, amount int64, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHold {
		return "", errors.New("card declined")
	}
	f.held = append(f.held, amount)
	return "pi_test", nil
}

func (f *fakeCharger) Capture(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, id)
	return nil
}

func (f *fakeCharger) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	return nil
}

type fakeRides struct{ ride models.Ride }

func (f fakeRides) Get(context.Context, string) (*models.Ride, error) {
	r := f.ride
	return &r, nil
}

func newTestProcessor(ch *fakeCharger) (*Processor, *eventbus.Bus, func()) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New()
	rides := fakeRides{ride: models.Ride{
		ID:          "r1",
		PassengerID: "p1",
		Pickup:      models.Point{Lat: -1.95, Lng: 30.06},
		Dropoff:     models.Point{Lat: -1.95, Lng: 30.06},
	}}
	p := NewProcessor(ch, rides, DistanceFare(500, 120), "usd", log)
	sub := bus.Subscribe(eventbus.All, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx, sub); close(done) }()
	return p, bus, func() { cancel(); <-done }
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestHoldThenCapture(t *testing.T) {
	ch := &fakeCharger{}
	_, bus, stop := newTestProcessor(ch)
	defer stop()

	bus.Publish(eventbus.RideStatusChanged{RideID: "r1", Status: models.RideAccepted, DriverID: "d1"})
	waitFor(t, func() bool { ch.mu.Lock(); defer ch.mu.Unlock(); return len(ch.held) == 1 })

	bus.Publish(eventbus.RideStatusChanged{RideID: "r1", Status: models.RideCompleted, DriverID: "d1"})
	waitFor(t, func() bool { ch.mu.Lock(); defer ch.mu.Unlock(); return len(ch.captured) == 1 })
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.held[0] != 500 { // zero distance, base fare only
		t.Fatalf("held amount = %d", ch.held[0])
	}
	if len(ch.canceled) != 0 {
		t.Fatalf("unexpected cancels: %v", ch.canceled)
	}
}

func TestHoldThenCancel(t *testing.T) {
	ch := &fakeCharger{}
	_, bus, stop := newTestProcessor(ch)
	defer stop()

	bus.Publish(eventbus.RideStatusChanged{RideID: "r1", Status: models.RideAccepted})
	bus.Publish(eventbus.RideStatusChanged{RideID: "r1", Status: models.RideCancelled})
	waitFor(t, func() bool { ch.mu.Lock(); defer ch.mu.Unlock(); return len(ch.canceled) == 1 })
}

func TestReacceptKeepsOriginalHold(t *testing.T) {
	ch := &fakeCharger{}
	_, bus, stop := newTestProcessor(ch)
	defer stop()

	bus.Publish(eventbus.RideStatusChanged{RideID: "r1", Status: models.RideAccepted, DriverID: "d1"})
	bus.Publish(eventbus.RideStatusChanged{RideID: "r1", Status: models.RidePending})
	bus.Publish(eventbus.RideStatusChanged{RideID: "r1", Status: models.RideAccepted, DriverID: "d2"})
	bus.Publish(eventbus.RideStatusChanged{RideID: "r1", Status: models.RideCompleted, DriverID: "d2"})
	waitFor(t, func() bool { ch.mu.Lock(); defer ch.mu.Unlock(); return len(ch.captured) == 1 })
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.held) != 1 {
		t.Fatalf("holds = %d, want 1", len(ch.held))
	}
}

func TestCompletionWithoutHoldIsNoop(t *testing.T) {
	ch := &fakeCharger{failHold: true}
	_, bus, stop := newTestProcessor(ch)
	defer stop()

	bus.Publish(eventbus.RideStatusChanged{RideID: "r1", Status: models.RideAccepted})
	bus.Publish(eventbus.RideStatusChanged{RideID: "r1", Status: models.RideCompleted})
	time.Sleep(20 * time.Millisecond)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.captured) != 0 {
		t.Fatalf("captured without a hold: %v", ch.captured)
	}
}
