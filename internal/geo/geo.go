// Package geo holds the pure geospatial math used by the location store
// and the dispatch scheduler.
package geo

import (
	"errors"
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrInvalidCoordinate = errors.New("invalid coordinate")

const (
	earthRadiusKm = 6371.0

	// DefaultSpeedKmh is assumed when no live speed sample exists.
	DefaultSpeedKmh = 30.0
)

// ValidatePoint rejects coordinates outside the valid lat/lng ranges.
func ValidatePoint(p models.Point) error {
	if math.Abs(p.Lat) > 90 || math.Abs(p.Lng) > 180 {
		return ErrInvalidCoordinate
	}
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return ErrInvalidCoordinate
	}
	return nil
}

// DistanceKm is the haversine great-circle distance between a and b.
func DistanceKm(a, b models.Point) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// ETAMinutes converts a distance to an arrival estimate at the given speed,
// falling back to DefaultSpeedKmh when the speed is missing or nonsensical.
func ETAMinutes(distanceKm, speedKmh float64) float64 {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	return distanceKm / speedKmh * 60
}

// BoundingBox is a cheap lat/lng rectangle around a center point used to
// pre-filter before exact distance checks.
type BoundingBox struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// BoxAround returns a bounding box that fully contains the circle of
// radiusKm around center. Near the poles the longitude span degenerates to
// the full range.
func BoxAround(center models.Point, radiusKm float64) BoundingBox {
	latDelta := radiusKm / 111.0 // ~111 km per degree of latitude
	box := BoundingBox{
		MinLat: center.Lat - latDelta,
		MaxLat: center.Lat + latDelta,
		MinLng: -180,
		MaxLng: 180,
	}
	cosLat := math.Cos(toRad(center.Lat))
	if cosLat > 1e-6 {
		lngDelta := radiusKm / (111.0 * cosLat)
		if lngDelta < 180 {
			box.MinLng = center.Lng - lngDelta
			box.MaxLng = center.Lng + lngDelta
		}
	}
	return box
}

// Contains reports whether p falls inside the box.
func (b BoundingBox) Contains(p models.Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat &&
		p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

func toRad(deg float64) float64 { return deg * math.Pi / 180.0 }
