// Package ledger owns the ride state machine. Every transition is an
// optimistic compare-and-set on (ride_id, status, status_version), so
// concurrent conflicting transitions fail cleanly instead of clobbering
// each other.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/eventbus"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound          = errors.New("ride not found")
	ErrInvalidTransition = errors.New("invalid ride transition")
	// ErrConflictingTransition is an optimistic-concurrency collision; the
	// caller re-reads and retries or abandons.
	ErrConflictingTransition = errors.New("conflicting ride transition")
)

var allowedTransitions = map[models.RideStatus][]models.RideStatus{
	models.RidePending:        {models.RideAccepted, models.RideCancelled, models.RideDispatchFailed},
	models.RideAccepted:       {models.RideInProgress, models.RidePending, models.RideCancelled},
	models.RideInProgress:     {models.RideCompleted, models.RideCancelled},
	models.RideDispatchFailed: {models.RideAccepted, models.RideCancelled},
}

func canTransition(from, to models.RideStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Update is the target state of one compare-and-set.
type Update struct {
	To               models.RideStatus
	DriverID         string // empty clears the assignment
	DispatchAttempts int
	RadiusKm         float64
}

// Store persists rides with optimistic concurrency.
type Store interface {
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)
	// CompareAndSwap applies upd only if the stored ride still has the
	// expected status and version, bumping the version on success.
	CompareAndSwap(ctx context.Context, id string, expectStatus models.RideStatus, expectVersion int, upd Update) (bool, error)
	// AppendEvent records one transition in the archival trail.
	AppendEvent(ctx context.Context, e Event) error
}

// Event is one archived ride transition.
type Event struct {
	RideID    string
	From      models.RideStatus
	To        models.RideStatus
	Actor     string // "passenger", "driver", "system", "admin"
	CreatedAt time.Time
}

type Publisher interface {
	Publish(eventbus.Event)
}

type Service struct {
	store Store
	pub   Publisher
	log   *slog.Logger
	now   func() time.Time
}

func NewService(store Store, pub Publisher, log *slog.Logger) *Service {
	return &Service{store: store, pub: pub, log: log, now: time.Now}
}

// Create opens a pending ride. The dispatch scheduler picks it up from
// there.
func (s *Service) Create(ctx context.Context, passengerID string, pickup, dropoff models.Point, radiusKm float64) (*models.Ride, error) {
	if err := geo.ValidatePoint(pickup); err != nil {
		return nil, err
	}
	if err := geo.ValidatePoint(dropoff); err != nil {
		return nil, err
	}
	r := &models.Ride{
		ID:          uuid.NewString(),
		PassengerID: passengerID,
		Pickup:      pickup,
		Dropoff:     dropoff,
		Status:      models.RidePending,
		CreatedAt:   s.now(),
		RadiusKm:    radiusKm,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	s.emit(ctx, r.ID, "", models.RidePending, "passenger", "")
	return r, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Ride, error) {
	return s.store.Get(ctx, id)
}

// Assign moves a ride to accepted with the winning driver. Works from
// pending (automatic dispatch) and from dispatch_failed (manual admin
// assignment).
func (s *Service) Assign(ctx context.Context, rideID, driverID, actor string) error {
	return s.transition(ctx, rideID, models.RideAccepted, actor, func(r *models.Ride) Update {
		return Update{To: models.RideAccepted, DriverID: driverID, DispatchAttempts: r.DispatchAttempts, RadiusKm: r.RadiusKm}
	})
}

// Requeue returns a declined ride to the pending pool, clearing the
// assignment.
func (s *Service) Requeue(ctx context.Context, rideID string) error {
	return s.transition(ctx, rideID, models.RidePending, "driver", func(r *models.Ride) Update {
		return Update{To: models.RidePending, DispatchAttempts: r.DispatchAttempts, RadiusKm: r.RadiusKm}
	})
}

// Start marks pickup: accepted -> in_progress. The driver must match the
// assignment.
func (s *Service) Start(ctx context.Context, rideID, driverID string) error {
	r, err := s.store.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if r.DriverID != driverID {
		return ErrInvalidTransition
	}
	return s.transition(ctx, rideID, models.RideInProgress, "driver", func(r *models.Ride) Update {
		return Update{To: models.RideInProgress, DriverID: r.DriverID, DispatchAttempts: r.DispatchAttempts, RadiusKm: r.RadiusKm}
	})
}

// Complete finishes the trip. Returns the driver so the caller can release
// the reservation and record the trip.
func (s *Service) Complete(ctx context.Context, rideID, driverID string) error {
	r, err := s.store.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if r.DriverID != driverID {
		return ErrInvalidTransition
	}
	return s.transition(ctx, rideID, models.RideCompleted, "driver", func(r *models.Ride) Update {
		return Update{To: models.RideCompleted, DriverID: r.DriverID, DispatchAttempts: r.DispatchAttempts, RadiusKm: r.RadiusKm}
	})
}

// Cancel terminates a ride from any non-terminal state and reports which
// driver (if any) held it, so the reservation can be rolled back.
func (s *Service) Cancel(ctx context.Context, rideID, actor string) (driverID string, err error) {
	r, err := s.store.Get(ctx, rideID)
	if err != nil {
		return "", err
	}
	driverID = r.DriverID
	err = s.transition(ctx, rideID, models.RideCancelled, actor, func(r *models.Ride) Update {
		return Update{To: models.RideCancelled, DispatchAttempts: r.DispatchAttempts, RadiusKm: r.RadiusKm}
	})
	return driverID, err
}

// MarkDispatchFailed parks a ride for manual intervention after automatic
// retries are exhausted.
func (s *Service) MarkDispatchFailed(ctx context.Context, rideID string, attempts int) error {
	return s.transition(ctx, rideID, models.RideDispatchFailed, "system", func(r *models.Ride) Update {
		return Update{To: models.RideDispatchFailed, DispatchAttempts: attempts, RadiusKm: r.RadiusKm}
	})
}

// RecordAttempt bumps dispatch bookkeeping (attempt count, widened radius)
// without leaving pending. The CAS still guards against a concurrent
// cancellation.
func (s *Service) RecordAttempt(ctx context.Context, rideID string, attempts int, radiusKm float64) error {
	r, err := s.store.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if r.Status != models.RidePending {
		return ErrConflictingTransition
	}
	ok, err := s.store.CompareAndSwap(ctx, rideID, models.RidePending, r.StatusVersion,
		Update{To: models.RidePending, DispatchAttempts: attempts, RadiusKm: radiusKm})
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflictingTransition
	}
	return nil
}

func (s *Service) transition(ctx context.Context, rideID string, to models.RideStatus, actor string, mk func(*models.Ride) Update) error {
	r, err := s.store.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if !canTransition(r.Status, to) {
		s.log.Warn("rejected ride transition", "ride_id", rideID, "from", r.Status, "to", to)
		return ErrInvalidTransition
	}
	upd := mk(r)
	ok, err := s.store.CompareAndSwap(ctx, rideID, r.Status, r.StatusVersion, upd)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflictingTransition
	}
	s.emit(ctx, rideID, r.Status, to, actor, upd.DriverID)
	return nil
}

func (s *Service) emit(ctx context.Context, rideID string, from, to models.RideStatus, actor, driverID string) {
	if err := s.store.AppendEvent(ctx, Event{
		RideID:    rideID,
		From:      from,
		To:        to,
		Actor:     actor,
		CreatedAt: s.now(),
	}); err != nil {
		s.log.Warn("ride event append failed", "ride_id", rideID, "error", err)
	}
	if s.pub != nil {
		s.pub.Publish(eventbus.RideStatusChanged{RideID: rideID, Status: to, DriverID: driverID})
	}
}
