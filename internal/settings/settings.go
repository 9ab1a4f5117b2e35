// Package settings is the operator-tunable surface of the dispatch engine.
// Values are read by the scheduler on every cycle, so changes take effect
// without a restart.
package settings

import (
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/eventbus"
)

type Settings struct {
	AutoDispatchEnabled        bool    `json:"auto_dispatch_enabled"`
	AutoDispatchTimeoutSeconds int     `json:"auto_dispatch_timeout_seconds"`
	MatchingRadiusKm           float64 `json:"driver_matching_radius_km"`
	MinDriverRating            float64 `json:"min_driver_rating"`
	RequiresDriverConfirmation bool    `json:"requires_driver_confirmation"`
}

func (s Settings) DispatchTimeout() time.Duration {
	return time.Duration(s.AutoDispatchTimeoutSeconds) * time.Second
}

// Patch updates only the fields that are present.
type Patch struct {
	AutoDispatchEnabled        *bool    `json:"auto_dispatch_enabled,omitempty"`
	AutoDispatchTimeoutSeconds *int     `json:"auto_dispatch_timeout_seconds,omitempty"`
	MatchingRadiusKm           *float64 `json:"driver_matching_radius_km,omitempty"`
	MinDriverRating            *float64 `json:"min_driver_rating,omitempty"`
	RequiresDriverConfirmation *bool    `json:"requires_driver_confirmation,omitempty"`
}

type Publisher interface {
	Publish(eventbus.Event)
}

type Store struct {
	mu  sync.RWMutex
	cur Settings
	pub Publisher
}

func NewStore(initial Settings, pub Publisher) *Store {
	return &Store{cur: initial, pub: pub}
}

func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Apply merges the patch and publishes which fields changed.
func (s *Store) Apply(p Patch) Settings {
	changed := map[string]any{}
	s.mu.Lock()
	if p.AutoDispatchEnabled != nil && *p.AutoDispatchEnabled != s.cur.AutoDispatchEnabled {
		s.cur.AutoDispatchEnabled = *p.AutoDispatchEnabled
		changed["auto_dispatch_enabled"] = s.cur.AutoDispatchEnabled
	}
	if p.AutoDispatchTimeoutSeconds != nil && *p.AutoDispatchTimeoutSeconds > 0 {
		s.cur.AutoDispatchTimeoutSeconds = *p.AutoDispatchTimeoutSeconds
		changed["auto_dispatch_timeout_seconds"] = s.cur.AutoDispatchTimeoutSeconds
	}
	if p.MatchingRadiusKm != nil && *p.MatchingRadiusKm > 0 {
		s.cur.MatchingRadiusKm = *p.MatchingRadiusKm
		changed["driver_matching_radius_km"] = s.cur.MatchingRadiusKm
	}
	if p.MinDriverRating != nil && *p.MinDriverRating >= 0 && *p.MinDriverRating <= 5 {
		s.cur.MinDriverRating = *p.MinDriverRating
		changed["min_driver_rating"] = s.cur.MinDriverRating
	}
	if p.RequiresDriverConfirmation != nil && *p.RequiresDriverConfirmation != s.cur.RequiresDriverConfirmation {
		s.cur.RequiresDriverConfirmation = *p.RequiresDriverConfirmation
		changed["requires_driver_confirmation"] = s.cur.RequiresDriverConfirmation
	}
	out := s.cur
	s.mu.Unlock()

	if len(changed) > 0 && s.pub != nil {
		s.pub.Publish(eventbus.SettingsChanged{Changed: changed})
	}
	return out
}
