package registry

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore writes driver state snapshots through to the durable record
// store. The in-memory registry stays authoritative for reservations; this
// keeps the admin console and restarts honest.
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

func (p *PostgresStore) SaveDriver(ctx context.Context, d models.DriverState) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO drivers(id, availability, rating, completed_trips, active_ride_id, available_since, name, phone, car_model, car_plate)
		VALUES($1,$2,$3,$4,NULLIF($5,''),$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			availability = EXCLUDED.availability,
			rating = EXCLUDED.rating,
			completed_trips = EXCLUDED.completed_trips,
			active_ride_id = EXCLUDED.active_ride_id,
			available_since = EXCLUDED.available_since,
			name = EXCLUDED.name,
			phone = EXCLUDED.phone,
			car_model = EXCLUDED.car_model,
			car_plate = EXCLUDED.car_plate`,
		d.DriverID, string(d.Availability), d.Rating, d.CompletedTrips, d.ActiveRideID,
		d.AvailableSince, d.Profile.Name, d.Profile.Phone, d.Profile.CarModel, d.Profile.CarPlate)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }
