package payments

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/eventbus"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Rides is the ledger lookup the processor needs to price a fare.
type Rides interface {
	Get(ctx context.Context, id string) (*models.Ride, error)
}

// Fare prices a ride in the smallest currency unit.
type Fare func(pickup, dropoff models.Point) int64

// DistanceFare is the default pricing: base fare plus a per-km rate over
// the straight-line distance.
func DistanceFare(baseCents, perKmCents int64) Fare {
	return func(pickup, dropoff models.Point) int64 {
		return baseCents + int64(geo.DistanceKm(pickup, dropoff)*float64(perKmCents))
	}
}

// Processor follows the ride state machine on the event bus: a hold when a
// driver accepts, capture on completion, release on cancellation.
type Processor struct {
	charger  Charger
	rides    Rides
	fare     Fare
	currency string
	log      *slog.Logger

	mu    sync.Mutex
	holds map[string]string // ride id -> payment intent id
}

func NewProcessor(charger Charger, rides Rides, fare Fare, currency string, log *slog.Logger) *Processor {
	return &Processor{
		charger:  charger,
		rides:    rides,
		fare:     fare,
		currency: currency,
		log:      log,
		holds:    make(map[string]string),
	}
}

// Run consumes ride status events until ctx is cancelled or the
// subscription closes. Payment failures are logged, never propagated into
// the ride state machine.
func (p *Processor) Run(ctx context.Context, sub *eventbus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			sc, isStatus := ev.(eventbus.RideStatusChanged)
			if !isStatus {
				continue
			}
			p.handle(ctx, sc)
		}
	}
}

func (p *Processor) handle(ctx context.Context, ev eventbus.RideStatusChanged) {
	switch ev.Status {
	case models.RideAccepted:
		p.hold(ctx, ev.RideID)
	case models.RideCompleted:
		p.settle(ctx, ev.RideID, p.charger.Capture, "capture")
	case models.RideCancelled:
		p.settle(ctx, ev.RideID, p.charger.Cancel, "cancel")
	}
}

func (p *Processor) hold(ctx context.Context, rideID string) {
	p.mu.Lock()
	_, exists := p.holds[rideID]
	p.mu.Unlock()
	if exists {
		// re-accept after a decline cycle keeps the original hold
		return
	}

	ride, err := p.rides.Get(ctx, rideID)
	if err != nil {
		p.log.Warn("fare lookup failed", "ride_id", rideID, "error", err)
		return
	}
	amount := p.fare(ride.Pickup, ride.Dropoff)
	id, err := p.charger.Hold(ctx, amount, p.currency, ride.PassengerID)
	if err != nil {
		p.log.Warn("payment hold failed", "ride_id", rideID, "error", err)
		return
	}
	p.mu.Lock()
	p.holds[rideID] = id
	p.mu.Unlock()
	p.log.Info("payment held", "ride_id", rideID, "amount", amount)
}

func (p *Processor) settle(ctx context.Context, rideID string, op func(context.Context, string) error, what string) {
	p.mu.Lock()
	intentID, ok := p.holds[rideID]
	delete(p.holds, rideID)
	p.mu.Unlock()
	if !ok {
		return
	}
	if err := op(ctx, intentID); err != nil {
		p.log.Warn("payment settle failed", "ride_id", rideID, "op", what, "error", err)
		return
	}
	p.log.Info("payment settled", "ride_id", rideID, "op", what)
}
