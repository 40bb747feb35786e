package progress

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ReaperConfig controls in-memory session eviction.
//   - Interval: how often the sweep runs (default 1m).
//   - IdleTimeout: a non-terminal session with no producer activity and no
//     subscribers for this long is failed as abandoned (default 10m).
//   - Retention: how long a terminal session stays queryable in memory before
//     eviction; durable storage keeps serving it afterwards (default 1h).
type ReaperConfig struct {
	Interval    time.Duration
	IdleTimeout time.Duration
	Retention   time.Duration
}

func (c ReaperConfig) withDefaults() ReaperConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	return c
}

// Reaper periodically sweeps the tracker's session table so memory use is
// bounded by active work, not total history.
type Reaper struct {
	cfg     ReaperConfig
	tracker *Tracker
	clock   Clock
	logger  *zap.Logger
}

func NewReaper(cfg ReaperConfig, tracker *Tracker, clock Clock, logger *zap.Logger) *Reaper {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		cfg:     cfg.withDefaults(),
		tracker: tracker,
		clock:   clock,
		logger:  logger,
	}
}

// Run sweeps until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep runs one eviction pass.
func (r *Reaper) Sweep() {
	evicted := r.tracker.Reap(r.clock.Now(), r.cfg.IdleTimeout, r.cfg.Retention)
	if evicted > 0 {
		r.logger.Info("session sweep", zap.Int("evicted", evicted))
	}
}
