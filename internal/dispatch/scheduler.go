// Package dispatch runs the timer-driven matching loop: for each pending
// ride it waits a configurable window, queries nearby available drivers,
// scores them, attempts an atomic reservation, and retries with a widened
// radius or escalates when automation runs out of road.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/eventbus"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/scorer"
	"github.com/example/ride-dispatch/internal/settings"
)

var (
	// ErrNoEligibleDrivers is a normal retry path, not a failure.
	ErrNoEligibleDrivers = errors.New("no eligible drivers")
	// ErrDispatchExhausted is terminal for automatic dispatch; the ride is
	// surfaced to operators.
	ErrDispatchExhausted = errors.New("dispatch retries exhausted")
	// ErrNoOutstandingOffer rejects confirmations and declines from a
	// driver who neither holds the ride's current offer nor is assigned
	// to it.
	ErrNoOutstandingOffer = errors.New("no outstanding offer for driver")
)

type Config struct {
	// MaxRetries bounds unsuccessful matching cycles before escalation.
	MaxRetries int
	// RetryBackoff separates consecutive cycles for one ride.
	RetryBackoff time.Duration
	// RadiusGrowth widens the search geometrically on each retry.
	RadiusGrowth float64
	MaxRadiusKm  float64
	// CandidateLimit caps how many nearby drivers one cycle considers.
	CandidateLimit int
	// DeclineCooldown keeps a declining driver out of the ride's candidate
	// set so the same driver is not thrashed.
	DeclineCooldown time.Duration
	// OfferTimeout bounds how long a driver may sit on a confirmation
	// offer before it is treated as a decline.
	OfferTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:      5,
		RetryBackoff:    10 * time.Second,
		RadiusGrowth:    1.5,
		MaxRadiusKm:     15,
		CandidateLimit:  8,
		DeclineCooldown: 2 * time.Minute,
		OfferTimeout:    30 * time.Second,
	}
}

// Ledger is the slice of the ride ledger the scheduler drives.
type Ledger interface {
	Get(ctx context.Context, id string) (*models.Ride, error)
	Assign(ctx context.Context, rideID, driverID, actor string) error
	Requeue(ctx context.Context, rideID string) error
	MarkDispatchFailed(ctx context.Context, rideID string, attempts int) error
	RecordAttempt(ctx context.Context, rideID string, attempts int, radiusKm float64) error
}

// Registry is the reservation side of the driver registry.
type Registry interface {
	Get(driverID string) (models.DriverState, error)
	TryReserve(ctx context.Context, driverID, rideID string) error
	Release(ctx context.Context, driverID string)
}

// Locations answers the nearby query.
type Locations interface {
	Nearby(ctx context.Context, p models.Point, radiusKm float64, limit int) ([]location.Hit, error)
}

type SettingsSource interface {
	Get() settings.Settings
}

type Publisher interface {
	Publish(eventbus.Event)
}

// rideState is the per-ride dispatch bookkeeping. One timer per pending
// ride; the scheduler lock only guards the map and this struct, never a
// store call.
type rideState struct {
	timer      *time.Timer
	offerTimer *time.Timer
	attempts   int
	radiusKm   float64
	offeredTo  string
	excluded   map[string]time.Time // driver id -> excluded until
}

type Scheduler struct {
	cfg      Config
	ledger   Ledger
	registry Registry
	loc      Locations
	scorer   *scorer.Scorer
	eta      *eta.Resolver
	settings SettingsSource
	pub      Publisher
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*rideState
	stopped bool
}

func NewScheduler(cfg Config, ld Ledger, reg Registry, loc Locations, sc *scorer.Scorer, res *eta.Resolver, st SettingsSource, pub Publisher, log *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		ledger:   ld,
		registry: reg,
		loc:      loc,
		scorer:   sc,
		eta:      res,
		settings: st,
		pub:      pub,
		log:      log,
		now:      time.Now,
		pending:  make(map[string]*rideState),
	}
}

// Schedule enqueues the first matching attempt for a freshly created ride.
// The dispatch window lets a nearby driver accept organically and lets
// rapid cancellations short-circuit before any driver is bothered. With
// auto-dispatch disabled the ride stays pending for manual assignment.
func (s *Scheduler) Schedule(ride *models.Ride) {
	cfg := s.settings.Get()
	if !cfg.AutoDispatchEnabled {
		s.log.Info("auto dispatch disabled, ride parked for manual assignment", "ride_id", ride.ID)
		return
	}
	radius := ride.RadiusKm
	if radius <= 0 {
		radius = cfg.MatchingRadiusKm
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.pending[ride.ID] != nil {
		return
	}
	st := &rideState{
		radiusKm: radius,
		excluded: make(map[string]time.Time),
	}
	rideID := ride.ID
	st.timer = time.AfterFunc(cfg.DispatchTimeout(), func() { s.runCycle(rideID) })
	s.pending[rideID] = st
}

// CancelRide invalidates any outstanding dispatch timer for the ride. A
// cycle already in flight no-ops at commit time against the ride status.
func (s *Scheduler) CancelRide(rideID string) {
	s.mu.Lock()
	st, ok := s.pending[rideID]
	if ok {
		delete(s.pending, rideID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	st.stopTimers()
}

// Decline handles an explicit driver decline: release the reservation,
// requeue the ride, and keep the driver out of the candidate set for the
// cool-down period. Only the ride's assigned driver or the holder of its
// outstanding offer may decline; anyone else gets ErrNoOutstandingOffer,
// so a decline against an unrelated ride cannot free a driver from their
// own active trip.
func (s *Scheduler) Decline(ctx context.Context, rideID, driverID string) error {
	ride, err := s.ledger.Get(ctx, rideID)
	if err != nil {
		return err
	}
	assigned := ride.Status == models.RideAccepted && ride.DriverID == driverID

	s.mu.Lock()
	st, pending := s.pending[rideID]
	offered := pending && st.offeredTo == driverID
	s.mu.Unlock()

	if !assigned && !offered {
		return ErrNoOutstandingOffer
	}

	if assigned {
		if err := s.ledger.Requeue(ctx, rideID); err != nil {
			return err
		}
	}
	s.registry.Release(ctx, driverID)
	observability.DeclinesTotal.Inc()

	s.mu.Lock()
	st, ok := s.pending[rideID]
	if !ok {
		if s.stopped {
			s.mu.Unlock()
			return nil
		}
		st = &rideState{radiusKm: s.settings.Get().MatchingRadiusKm, excluded: make(map[string]time.Time)}
		if ride.RadiusKm > 0 {
			st.radiusKm = ride.RadiusKm
		}
		s.pending[rideID] = st
	}
	st.offeredTo = ""
	if st.offerTimer != nil {
		st.offerTimer.Stop()
		st.offerTimer = nil
	}
	st.excluded[driverID] = s.now().Add(s.cfg.DeclineCooldown)
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(0, func() { s.runCycle(rideID) })
	s.mu.Unlock()

	s.log.Info("driver declined, requeued", "ride_id", rideID, "driver_id", driverID)
	return nil
}

// Confirm commits an offer that required explicit driver confirmation.
func (s *Scheduler) Confirm(ctx context.Context, rideID, driverID string) error {
	s.mu.Lock()
	st, ok := s.pending[rideID]
	if !ok || st.offeredTo != driverID {
		s.mu.Unlock()
		return ErrNoOutstandingOffer
	}
	st.stopTimers()
	delete(s.pending, rideID)
	s.mu.Unlock()

	if err := s.ledger.Assign(ctx, rideID, driverID, "driver"); err != nil {
		// ride cancelled while the offer was outstanding; roll back
		s.registry.Release(ctx, driverID)
		return err
	}
	observability.AssignmentsTotal.Inc()
	return nil
}

// AssignManual is the operator path for escalated rides: reserve the named
// driver and assign, bypassing scoring.
func (s *Scheduler) AssignManual(ctx context.Context, rideID, driverID string) error {
	if err := s.registry.TryReserve(ctx, driverID, rideID); err != nil {
		return err
	}
	if err := s.ledger.Assign(ctx, rideID, driverID, "admin"); err != nil {
		s.registry.Release(ctx, driverID)
		return err
	}
	s.CancelRide(rideID)
	observability.AssignmentsTotal.Inc()
	return nil
}

// Stop cancels all outstanding timers. In-flight cycles drain on their own
// against the ledger status checks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	states := make([]*rideState, 0, len(s.pending))
	for id, st := range s.pending {
		states = append(states, st)
		delete(s.pending, id)
	}
	s.mu.Unlock()
	for _, st := range states {
		st.stopTimers()
	}
}

func (st *rideState) stopTimers() {
	if st.timer != nil {
		st.timer.Stop()
	}
	if st.offerTimer != nil {
		st.offerTimer.Stop()
	}
}

// runCycle is one matching attempt: query, score, reserve. It runs on the
// ride's timer goroutine.
func (s *Scheduler) runCycle(rideID string) {
	started := time.Now()
	defer func() { observability.DispatchLatency.Observe(time.Since(started).Seconds()) }()
	observability.DispatchCyclesTotal.Inc()

	ctx := context.Background()
	cfg := s.settings.Get()

	s.mu.Lock()
	st, ok := s.pending[rideID]
	if !ok {
		s.mu.Unlock()
		return
	}
	radius := st.radiusKm
	attempts := st.attempts
	excluded := make(map[string]time.Time, len(st.excluded))
	for k, v := range st.excluded {
		excluded[k] = v
	}
	s.mu.Unlock()

	ride, err := getRideRetry(ctx, s.ledger, rideID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.CancelRide(rideID)
			return
		}
		s.log.Warn("ride lookup failed, backing off", "ride_id", rideID, "error", err)
		s.retryLater(rideID, attempts, radius)
		return
	}
	if ride.Status != models.RidePending {
		// cancelled or manually assigned while we waited
		s.CancelRide(rideID)
		return
	}

	ranked, err := s.candidates(ctx, ride, radius, cfg, excluded)
	if err != nil {
		s.log.Warn("candidate query failed, backing off", "ride_id", rideID, "error", err)
		s.retryLater(rideID, attempts, radius)
		return
	}

	err = s.tryMatch(ctx, ride, ranked, cfg, attempts)
	if errors.Is(err, ErrNoEligibleDrivers) {
		s.noCandidates(ctx, rideID, attempts, radius)
	}
}

// tryMatch walks the ranked candidates and commits the first reservation
// that sticks. ErrNoEligibleDrivers means the whole list was exhausted.
func (s *Scheduler) tryMatch(ctx context.Context, ride *models.Ride, ranked []scorer.Ranked, cfg settings.Settings, attempts int) error {
	rideID := ride.ID
	for _, rc := range ranked {
		driverID := rc.Candidate.DriverID
		if err := s.registry.TryReserve(ctx, driverID, rideID); err != nil {
			continue // lost the race, next candidate
		}

		if cfg.RequiresDriverConfirmation {
			s.offer(ride, rc, driverID)
			return nil
		}

		if err := s.ledger.Assign(ctx, rideID, driverID, "system"); err != nil {
			s.registry.Release(ctx, driverID)
			if errors.Is(err, ledger.ErrInvalidTransition) || errors.Is(err, ledger.ErrConflictingTransition) {
				// ride left pending underneath us; nothing left to do
				s.CancelRide(rideID)
				return err
			}
			continue
		}
		s.CancelRide(rideID)
		observability.AssignmentsTotal.Inc()
		s.log.Info("ride assigned", "ride_id", rideID, "driver_id", driverID,
			"distance_km", rc.Candidate.DistanceKm, "score", rc.Candidate.Score, "attempt", attempts+1)
		return nil
	}
	return ErrNoEligibleDrivers
}

// candidates builds the scored, filtered candidate list for one cycle.
func (s *Scheduler) candidates(ctx context.Context, ride *models.Ride, radius float64, cfg settings.Settings, excluded map[string]time.Time) ([]scorer.Ranked, error) {
	hits, err := s.loc.Nearby(ctx, ride.Pickup, radius, s.cfg.CandidateLimit)
	if err != nil {
		// transient tolerance: one immediate retry
		hits, err = s.loc.Nearby(ctx, ride.Pickup, radius, s.cfg.CandidateLimit)
		if err != nil {
			return nil, err
		}
	}

	now := s.now()
	cands := make([]models.MatchCandidate, 0, len(hits))
	states := make(map[string]models.DriverState, len(hits))
	for _, h := range hits {
		if until, ok := excluded[h.DriverID]; ok && now.Before(until) {
			continue
		}
		state, err := s.registry.Get(h.DriverID)
		if err != nil || state.Rating < cfg.MinDriverRating {
			continue
		}
		etaMin := s.eta.Minutes(ctx, h.Position.Loc, ride.Pickup, h.Position.SpeedKmh)
		cands = append(cands, models.MatchCandidate{
			DriverID:   h.DriverID,
			DistanceKm: h.DistanceKm,
			ETAMinutes: etaMin,
		})
		states[h.DriverID] = state
	}
	return s.scorer.Rank(cands, states, radius), nil
}

// offer publishes a confirmation request to the reserved driver and arms
// the offer timeout.
func (s *Scheduler) offer(ride *models.Ride, rc scorer.Ranked, driverID string) {
	rideID := ride.ID
	s.mu.Lock()
	st, ok := s.pending[rideID]
	if !ok {
		s.mu.Unlock()
		// cancelled while reserving
		s.registry.Release(context.Background(), driverID)
		return
	}
	st.offeredTo = driverID
	st.offerTimer = time.AfterFunc(s.cfg.OfferTimeout, func() { s.offerExpired(rideID, driverID) })
	s.mu.Unlock()

	s.pub.Publish(eventbus.DispatchOffer{
		RideID:    rideID,
		DriverID:  driverID,
		Candidate: rc.Candidate,
		Pickup:    ride.Pickup,
		Dropoff:   ride.Dropoff,
	})
	s.log.Info("offer sent", "ride_id", rideID, "driver_id", driverID)
}

// offerExpired treats an unanswered offer as a decline.
func (s *Scheduler) offerExpired(rideID, driverID string) {
	s.mu.Lock()
	st, ok := s.pending[rideID]
	if !ok || st.offeredTo != driverID {
		s.mu.Unlock()
		return
	}
	st.offeredTo = ""
	st.excluded[driverID] = s.now().Add(s.cfg.DeclineCooldown)
	s.mu.Unlock()

	s.registry.Release(context.Background(), driverID)
	s.log.Info("offer expired", "ride_id", rideID, "driver_id", driverID)
	s.runCycle(rideID)
}

// noCandidates is the shared backoff/escalate path for empty candidate
// sets and all-reservations-lost cycles.
func (s *Scheduler) noCandidates(ctx context.Context, rideID string, attempts int, radius float64) {
	attempts++
	if attempts >= s.cfg.MaxRetries {
		if err := s.ledger.MarkDispatchFailed(ctx, rideID, attempts); err != nil {
			s.log.Warn("escalation transition failed", "ride_id", rideID, "error", err)
		} else {
			observability.DispatchFailedTotal.Inc()
			s.pub.Publish(eventbus.DispatchEscalated{RideID: rideID, Attempts: attempts})
			s.log.Warn("escalating to manual assignment", "ride_id", rideID, "attempts", attempts, "error", ErrDispatchExhausted)
		}
		s.CancelRide(rideID)
		return
	}

	radius = radius * s.cfg.RadiusGrowth
	if radius > s.cfg.MaxRadiusKm {
		radius = s.cfg.MaxRadiusKm
	}
	if err := s.ledger.RecordAttempt(ctx, rideID, attempts, radius); err != nil {
		// ride cancelled underneath the cycle
		s.CancelRide(rideID)
		return
	}
	s.reschedule(rideID, attempts, radius, s.cfg.RetryBackoff)
}

// retryLater routes store hiccups into the same backoff/escalate path as
// an empty candidate set.
func (s *Scheduler) retryLater(rideID string, attempts int, radius float64) {
	s.noCandidates(context.Background(), rideID, attempts, radius)
}

// getRideRetry tolerates a single transient ledger failure.
func getRideRetry(ctx context.Context, ld Ledger, rideID string) (*models.Ride, error) {
	ride, err := ld.Get(ctx, rideID)
	if err == nil || errors.Is(err, ledger.ErrNotFound) {
		return ride, err
	}
	return ld.Get(ctx, rideID)
}

func (s *Scheduler) reschedule(rideID string, attempts int, radius float64, after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.pending[rideID]
	if !ok || s.stopped {
		return
	}
	st.attempts = attempts
	st.radiusKm = radius
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(after, func() { s.runCycle(rideID) })
}
