package models

import "time"

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DriverPosition is the latest GPS sample for a driver. A new sample
// supersedes the prior one; RecordedAt strictly increases per driver.
type DriverPosition struct {
	DriverID   string    `json:"driver_id"`
	Loc        Point     `json:"loc"`
	HeadingDeg *float64  `json:"heading,omitempty"`
	SpeedKmh   *float64  `json:"speed_kmh,omitempty"`
	AccuracyM  *float64  `json:"accuracy_m,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

type Availability string

const (
	AvailabilityOffline   Availability = "offline"
	AvailabilityAvailable Availability = "available"
	AvailabilityOnTrip    Availability = "on_trip"
	AvailabilityInactive  Availability = "inactive"
)

// DriverProfile carries the descriptive fields surfaced to passengers
// alongside a match.
type DriverProfile struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	CarModel string `json:"car_model"`
	CarPlate string `json:"car_plate"`
}

// DriverState is the dispatch-relevant view of a driver. ActiveRideID is
// set iff Availability == on_trip.
type DriverState struct {
	DriverID       string        `json:"driver_id"`
	Availability   Availability  `json:"availability"`
	Rating         float64       `json:"rating"` // 0..5
	CompletedTrips int           `json:"completed_trips"`
	ActiveRideID   string        `json:"active_ride_id,omitempty"`
	AvailableSince time.Time     `json:"available_since,omitempty"`
	Profile        DriverProfile `json:"profile"`
}

type RideStatus string

const (
	RidePending        RideStatus = "pending"
	RideAccepted       RideStatus = "accepted"
	RideInProgress     RideStatus = "in_progress"
	RideCompleted      RideStatus = "completed"
	RideCancelled      RideStatus = "cancelled"
	RideDispatchFailed RideStatus = "dispatch_failed"
)

// Terminal reports whether a ride in status s can never transition again.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

type Ride struct {
	ID               string     `json:"id"`
	PassengerID      string     `json:"passenger_id"`
	Pickup           Point      `json:"pickup"`
	Dropoff          Point      `json:"dropoff"`
	Status           RideStatus `json:"status"`
	StatusVersion    int        `json:"status_version"`
	DriverID         string     `json:"driver_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	DispatchAttempts int        `json:"dispatch_attempts"`
	RadiusKm         float64    `json:"radius_km"`
}

// MatchCandidate is produced per dispatch cycle and discarded after use.
type MatchCandidate struct {
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
	ETAMinutes float64 `json:"eta_minutes"`
	Score      float64 `json:"score"`
}

// NearbyDriver is the response shape of the nearest-driver query.
type NearbyDriver struct {
	DriverID                string  `json:"driver_id"`
	DistanceKm              float64 `json:"distance_km"`
	EstimatedArrivalMinutes float64 `json:"estimated_arrival_minutes"`
	Rating                  float64 `json:"rating"`
	TotalTrips              int     `json:"total_trips"`
	Name                    string  `json:"name"`
	Phone                   string  `json:"phone"`
	CarModel                string  `json:"car_model"`
	CarPlate                string  `json:"car_plate"`
}
