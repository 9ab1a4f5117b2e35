package ledger

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore persists rides to the durable record store. The version
// column makes the compare-and-set a single UPDATE.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides(id, passenger_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
			status, status_version, driver_id, created_at, dispatch_attempts, radius_km)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''),$10,$11,$12)`,
		r.ID, r.PassengerID, r.Pickup.Lat, r.Pickup.Lng, r.Dropoff.Lat, r.Dropoff.Lng,
		string(r.Status), r.StatusVersion, r.DriverID, r.CreatedAt, r.DispatchAttempts, r.RadiusKm)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, passenger_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
			status, status_version, COALESCE(driver_id, ''), created_at, dispatch_attempts, radius_km
		FROM rides WHERE id = $1`, id)

	var r models.Ride
	var status string
	err := row.Scan(&r.ID, &r.PassengerID, &r.Pickup.Lat, &r.Pickup.Lng, &r.Dropoff.Lat, &r.Dropoff.Lng,
		&status, &r.StatusVersion, &r.DriverID, &r.CreatedAt, &r.DispatchAttempts, &r.RadiusKm)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = models.RideStatus(status)
	return &r, nil
}

func (p *PostgresStore) CompareAndSwap(ctx context.Context, id string, expectStatus models.RideStatus, expectVersion int, upd Update) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides
		SET status = $1,
		    status_version = status_version + 1,
		    driver_id = NULLIF($2, ''),
		    dispatch_attempts = $3,
		    radius_km = $4
		WHERE id = $5 AND status = $6 AND status_version = $7`,
		string(upd.To), upd.DriverID, upd.DispatchAttempts, upd.RadiusKm,
		id, string(expectStatus), expectVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) AppendEvent(ctx context.Context, e Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ride_events(ride_id, from_status, to_status, actor, created_at)
		VALUES($1,NULLIF($2,''),$3,$4,$5)`,
		e.RideID, string(e.From), string(e.To), e.Actor, e.CreatedAt)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }
