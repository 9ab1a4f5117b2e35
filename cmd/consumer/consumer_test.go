package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/models"
)

// fakeStore implements Updater for tests
type fakeStore struct {
	fail  int // number of times to fail before succeeding
	stale bool
	calls int
}

func (f *fakeStore) Update(ctx context.Context, pos models.DriverPosition) error {
	f.calls++
	if f.stale {
		return location.ErrStaleSample
	}
	if f.calls <= f.fail {
		return errors.New("store down")
	}
	return nil
}

func samplePosition() models.DriverPosition {
	return models.DriverPosition{
		DriverID:   "d1",
		Loc:        models.Point{Lat: -1.95, Lng: 30.06},
		RecordedAt: time.Now(),
	}
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeStore{fail: 2}
	start := time.Now()
	if err := applyWithRetry(context.Background(), f, samplePosition(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeStore{fail: 5}
	if err := applyWithRetry(context.Background(), f, samplePosition(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
}

func TestApplyWithRetry_StaleIsNotRetried(t *testing.T) {
	f := &fakeStore{stale: true}
	err := applyWithRetry(context.Background(), f, samplePosition(), 3, 5*time.Millisecond)
	if !errors.Is(err, location.ErrStaleSample) {
		t.Fatalf("expected ErrStaleSample, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("stale sample retried %d times", f.calls)
	}
}
