package call

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper is the operational safety net for abandoned call attempts: a
// session left in calling (callee never opened the app, caller tab closed)
// is force-ended after the configured timeout instead of holding its slot
// forever.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	log      *slog.Logger
}

func NewSweeper(svc *Service, interval time.Duration, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{svc: svc, interval: interval, log: log}
}

// Run blocks until ctx is canceled, sweeping on every tick. Intended to be
// launched as a goroutine from main.
func (w *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := w.svc.SweepStale(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.log.Error("stale session sweep failed", "err", err)
				continue
			}
			if n > 0 {
				w.log.Info("swept stale call sessions", "count", n)
			}
		}
	}
}
