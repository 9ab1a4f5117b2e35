package ledger

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore is the in-process Store used for local runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	rides  map[string]models.Ride
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.Ride)}
}

func (m *MemoryStore) Create(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := r
	return &cp, nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, id string, expectStatus models.RideStatus, expectVersion int, upd Update) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != expectStatus || r.StatusVersion != expectVersion {
		return false, nil
	}
	r.Status = upd.To
	r.StatusVersion++
	r.DriverID = upd.DriverID
	r.DispatchAttempts = upd.DispatchAttempts
	r.RadiusKm = upd.RadiusKm
	m.rides[id] = r
	return true, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Events returns the archived transition trail. Tests only.
func (m *MemoryStore) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
