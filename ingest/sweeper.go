package ingest

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically reclassifies nodes that stopped reporting. Its changes
// take the same path as reading changes.
type Sweeper struct {
	pipeline *Pipeline
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewSweeper creates a sweeper running every interval
func NewSweeper(p *Pipeline, interval time.Duration, now func() time.Time) *Sweeper {
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		pipeline: p,
		interval: interval,
		now:      now,
		logger:   p.logger.With("task", "sweep"),
	}
}

// Run sweeps until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns the number of status changes
func (s *Sweeper) Sweep(ctx context.Context) int {
	changes := s.pipeline.registry.SweepStale(s.now())
	for _, change := range changes {
		s.pipeline.HandleChange(ctx, change)
	}
	return len(changes)
}
