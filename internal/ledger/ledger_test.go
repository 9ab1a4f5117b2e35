package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/eventbus"
	"github.com/example/ride-dispatch/internal/models"
)

type capturePub struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (c *capturePub) Publish(e eventbus.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func newTestService() (*Service, *MemoryStore, *capturePub) {
	store := NewMemoryStore()
	pub := &capturePub{}
	return NewService(store, pub, slog.Default()), store, pub
}

func createRide(t *testing.T, s *Service) *models.Ride {
	t.Helper()
	r, err := s.Create(context.Background(), "p1",
		models.Point{Lat: -1.95, Lng: 30.06}, models.Point{Lat: -1.96, Lng: 30.10}, 3)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return r
}

func TestHappyPath(t *testing.T) {
	ctx := context.Background()
	s, store, pub := newTestService()
	r := createRide(t, s)

	if err := s.Assign(ctx, r.ID, "d1", "system"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := s.Start(ctx, r.ID, "d1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Complete(ctx, r.ID, "d1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := s.Get(ctx, r.ID)
	if got.Status != models.RideCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if n := len(store.Events()); n != 4 { // created + 3 transitions
		t.Fatalf("expected 4 archived events, got %d", n)
	}
	if len(pub.events) != 4 {
		t.Fatalf("expected 4 bus events, got %d", len(pub.events))
	}
}

func TestDriverIDSetIffAssigned(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestService()
	r := createRide(t, s)

	got, _ := s.Get(ctx, r.ID)
	if got.DriverID != "" {
		t.Fatalf("pending ride has driver: %+v", got)
	}
	_ = s.Assign(ctx, r.ID, "d1", "system")
	got, _ = s.Get(ctx, r.ID)
	if got.DriverID != "d1" {
		t.Fatalf("accepted ride missing driver: %+v", got)
	}
	_ = s.Requeue(ctx, r.ID)
	got, _ = s.Get(ctx, r.ID)
	if got.Status != models.RidePending || got.DriverID != "" {
		t.Fatalf("requeued ride should be pending without driver: %+v", got)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestService()

	// completed never transitions again
	r := createRide(t, s)
	_ = s.Assign(ctx, r.ID, "d1", "system")
	_ = s.Start(ctx, r.ID, "d1")
	_ = s.Complete(ctx, r.ID, "d1")
	if _, err := s.Cancel(ctx, r.ID, "passenger"); err != ErrInvalidTransition {
		t.Fatalf("cancel after complete: expected ErrInvalidTransition, got %v", err)
	}
	if err := s.Assign(ctx, r.ID, "d2", "admin"); err != ErrInvalidTransition {
		t.Fatalf("assign after complete: expected ErrInvalidTransition, got %v", err)
	}

	// cancelled never transitions again
	r2 := createRide(t, s)
	if _, err := s.Cancel(ctx, r2.ID, "passenger"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.Assign(ctx, r2.ID, "d1", "system"); err != ErrInvalidTransition {
		t.Fatalf("assign after cancel: expected ErrInvalidTransition, got %v", err)
	}
}

func TestWrongDriverCannotStartOrComplete(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestService()
	r := createRide(t, s)
	_ = s.Assign(ctx, r.ID, "d1", "system")

	if err := s.Start(ctx, r.ID, "d2"); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	_ = s.Start(ctx, r.ID, "d1")
	if err := s.Complete(ctx, r.ID, "d2"); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCreateValidatesCoordinates(t *testing.T) {
	s, _, _ := newTestService()
	_, err := s.Create(context.Background(), "p1",
		models.Point{Lat: 120, Lng: 0}, models.Point{Lat: 0, Lng: 0}, 3)
	if err == nil {
		t.Fatal("expected invalid coordinate error")
	}
}

func TestConcurrentAssignSingleWinner(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestService()
	r := createRide(t, s)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs <- s.Assign(ctx, r.ID, fmt.Sprintf("d%d", n), "system")
		}(i)
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
		} else if err != ErrConflictingTransition && err != ErrInvalidTransition {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins)
	}
}

func TestRecordAttemptGuardsAgainstCancellation(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestService()
	r := createRide(t, s)

	if err := s.RecordAttempt(ctx, r.ID, 1, 4.5); err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	got, _ := s.Get(ctx, r.ID)
	if got.DispatchAttempts != 1 || got.RadiusKm != 4.5 {
		t.Fatalf("bookkeeping not applied: %+v", got)
	}

	if _, err := s.Cancel(ctx, r.ID, "passenger"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.RecordAttempt(ctx, r.ID, 2, 6); err != ErrConflictingTransition {
		t.Fatalf("expected ErrConflictingTransition after cancel, got %v", err)
	}
}

func TestDispatchFailedAllowsManualAssign(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestService()
	r := createRide(t, s)

	if err := s.MarkDispatchFailed(ctx, r.ID, 5); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ := s.Get(ctx, r.ID)
	if got.Status != models.RideDispatchFailed || got.DispatchAttempts != 5 {
		t.Fatalf("unexpected state: %+v", got)
	}
	if err := s.Assign(ctx, r.ID, "d9", "admin"); err != nil {
		t.Fatalf("manual assign: %v", err)
	}
}
