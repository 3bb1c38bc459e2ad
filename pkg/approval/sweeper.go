package approval

import (
	"context"
	"log/slog"
	"time"
)

// SweepInterval is the cadence of the background expiry scan. Expiry is
// also enforced lazily at approval time, so the sweeper only bounds how
// long an expired request stays visibly pending.
const SweepInterval = 30 * time.Second

// SweepBatch caps how many requests one scan expires.
const SweepBatch = 256

// Sweeper periodically expires overdue pending requests.
type Sweeper struct {
	engine   *Engine
	logger   *slog.Logger
	interval time.Duration
}

// NewSweeper creates a sweeper over the engine. A non-positive interval
// falls back to SweepInterval.
func NewSweeper(engine *Engine, logger *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = SweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{engine: engine, logger: logger, interval: interval}
}

// Run blocks until the context is cancelled, scanning on every tick.
// Storage errors are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.engine.ExpireDue(ctx, SweepBatch)
			if err != nil {
				s.logger.Error("expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("expired overdue approval requests", "count", n)
			}
		}
	}
}
