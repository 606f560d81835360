package calls

import (
	"context"
	"log/slog"
	"time"
)

// Reaper periodically sweeps unanswered calls past the ring timeout. Each
// process runs its own reaper; guarded transitions make overlapping sweeps
// harmless.
type Reaper struct {
	service  *Service
	interval time.Duration
	log      *slog.Logger
}

func NewReaper(service *Service, interval time.Duration, log *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{service: service, interval: interval, log: log}
}

// Run sweeps until ctx is cancelled. Launch it in its own goroutine.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("stale call reaper started", "interval", r.interval.String())
	for {
		select {
		case <-ctx.Done():
			r.log.Info("stale call reaper stopped")
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, r.interval)
			n, err := r.service.ReapStale(sweepCtx)
			cancel()
			if err != nil {
				r.log.Error("reaper sweep failed", "err", err)
				continue
			}
			if n > 0 {
				r.log.Info("stale calls reaped", "count", n)
			}
		}
	}
}
