package location

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically derives the inactive state: drivers who stopped
// reporting positions are pushed to the registry until a fresh sample
// revives them. Sweeping never blocks on dispatch activity.
type Sweeper struct {
	store    Store
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
	onSweep  func(stale int) // optional metrics hook
}

func NewSweeper(store Store, interval, timeout time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{store: store, interval: interval, timeout: timeout, log: log}
}

func (s *Sweeper) OnSweep(fn func(stale int)) { s.onSweep = fn }

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			stale := s.store.SweepStale(ctx, now, s.timeout)
			if len(stale) > 0 {
				s.log.Info("stale sweep", "drivers", len(stale))
			}
			if s.onSweep != nil {
				s.onSweep(len(stale))
			}
		}
	}
}
