package geo

import (
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestDistanceIdentity(t *testing.T) {
	p := models.Point{Lat: -1.95, Lng: 30.06}
	if d := DistanceKm(p, p); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceSymmetry(t *testing.T) {
	a := models.Point{Lat: -1.95, Lng: 30.06}
	b := models.Point{Lat: -1.96, Lng: 30.10}
	if d1, d2 := DistanceKm(a, b), DistanceKm(b, a); math.Abs(d1-d2) > 1e-12 {
		t.Fatalf("asymmetric: %f vs %f", d1, d2)
	}
}

func TestDistanceKnownValue(t *testing.T) {
	// Kigali city center to the airport, roughly 8.5km as the crow flies.
	a := models.Point{Lat: -1.9536, Lng: 30.0606}
	b := models.Point{Lat: -1.9686, Lng: 30.1395}
	d := DistanceKm(a, b)
	if d < 8 || d > 10 {
		t.Fatalf("implausible distance %f km", d)
	}
}

func TestValidatePoint(t *testing.T) {
	bad := []models.Point{
		{Lat: 91, Lng: 0},
		{Lat: -91, Lng: 0},
		{Lat: 0, Lng: 181},
		{Lat: 0, Lng: -181},
		{Lat: math.NaN(), Lng: 0},
	}
	for _, p := range bad {
		if err := ValidatePoint(p); err != ErrInvalidCoordinate {
			t.Fatalf("expected ErrInvalidCoordinate for %+v, got %v", p, err)
		}
	}
	if err := ValidatePoint(models.Point{Lat: -1.95, Lng: 30.06}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestETAMinutes(t *testing.T) {
	if got := ETAMinutes(10, 30); math.Abs(got-20) > 1e-9 {
		t.Fatalf("expected 20 minutes, got %f", got)
	}
	// fallback speed kicks in for zero/negative speed
	if got := ETAMinutes(15, 0); math.Abs(got-30) > 1e-9 {
		t.Fatalf("expected 30 minutes at fallback speed, got %f", got)
	}
}

func TestBoxAroundContainsCircle(t *testing.T) {
	center := models.Point{Lat: -1.95, Lng: 30.06}
	box := BoxAround(center, 5)
	// points just inside the radius must be inside the box
	for _, p := range []models.Point{
		{Lat: center.Lat + 0.04, Lng: center.Lng},
		{Lat: center.Lat, Lng: center.Lng + 0.04},
		{Lat: center.Lat - 0.04, Lng: center.Lng - 0.04},
	} {
		if !box.Contains(p) {
			t.Fatalf("expected box to contain %+v", p)
		}
	}
	if box.Contains(models.Point{Lat: center.Lat + 1, Lng: center.Lng}) {
		t.Fatal("box too large")
	}
}
