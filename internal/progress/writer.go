package progress

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iius-rcox/Credit-Card-Processor-sub004/internal/metrics"
)

// WriterConfig controls durable snapshot persistence.
//   - Interval: minimum spacing between interval-driven flushes (default 2.5s).
//   - WriteTimeout: per-attempt deadline for one repository call (default 5s).
//   - MaxRetries: additional attempts after the first failure (default 3).
//   - BackoffInitial/BackoffMax: exponential retry spacing (250ms / 5s).
type WriterConfig struct {
	Interval       time.Duration
	WriteTimeout   time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c WriterConfig) withDefaults() WriterConfig {
	if c.Interval <= 0 {
		c.Interval = 2500 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 250 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	return c
}

// snapshotWriter serializes and rate-limits durable writes for one session.
// Updates coalesce: between flushes only the newest snapshot survives, and at
// most one repository write is ever in flight. Forced flushes (session start,
// file boundaries, phase boundaries, terminal) bypass the interval.
type snapshotWriter struct {
	cfg    WriterConfig
	repo   SnapshotRepository
	logger *zap.Logger
	mets   *metrics.Collectors

	// onResult reports whether the most recent flush ultimately succeeded,
	// letting the tracker flag or clear degraded persistence.
	onResult func(ok bool)

	mu sync.Mutex
	// pendingForced survives an in-flight write so a forced snapshot captured
	// mid-write still flushes immediately once the write lands.
	pending       Snapshot
	dirty         bool
	pendingForced bool
	inflight      bool
	lastFlush     time.Time
	timer         *time.Timer
	closed        bool
	wg            sync.WaitGroup
}

func newSnapshotWriter(cfg WriterConfig, repo SnapshotRepository, logger *zap.Logger, mets *metrics.Collectors, onResult func(ok bool)) *snapshotWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onResult == nil {
		onResult = func(bool) {}
	}
	return &snapshotWriter{
		cfg:      cfg.withDefaults(),
		repo:     repo,
		logger:   logger,
		mets:     mets,
		onResult: onResult,
	}
}

// Enqueue captures the snapshot for persistence. Forced snapshots flush
// immediately; otherwise the snapshot waits for the next interval tick,
// replacing any older pending snapshot.
func (w *snapshotWriter) Enqueue(snap Snapshot, forced bool) {
	if w == nil || w.repo == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending = snap
	w.dirty = true
	if forced {
		w.pendingForced = true
	}
	if w.inflight {
		// Captured; flushed as soon as the current write lands if forced,
		// otherwise on the next tick.
		return
	}
	if forced || time.Since(w.lastFlush) >= w.cfg.Interval {
		w.startFlushLocked()
		return
	}
	w.scheduleLocked()
}

// Close flushes any pending snapshot and waits for in-flight writes, bounded
// by ctx.
func (w *snapshotWriter) Close(ctx context.Context) error {
	if w == nil || w.repo == nil {
		return nil
	}
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.dirty && !w.inflight {
		w.startFlushLocked()
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *snapshotWriter) scheduleLocked() {
	if w.timer != nil {
		return
	}
	delay := w.cfg.Interval - time.Since(w.lastFlush)
	if delay < 0 {
		delay = 0
	}
	w.timer = time.AfterFunc(delay, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.timer = nil
		if w.dirty && !w.inflight {
			w.startFlushLocked()
		}
	})
}

// startFlushLocked snapshots the pending state and writes it off-lock. The
// session's exclusive region is never held across repository I/O; only this
// writer's bookkeeping lock guards the copy.
func (w *snapshotWriter) startFlushLocked() {
	snap := w.pending.Clone()
	w.dirty = false
	w.pendingForced = false
	w.inflight = true
	w.lastFlush = time.Now()
	w.wg.Add(1)
	go w.flush(snap)
}

func (w *snapshotWriter) flush(snap Snapshot) {
	defer w.wg.Done()
	start := time.Now()
	err := w.writeWithRetry(snap)
	if err != nil {
		w.mets.ObserveSnapshotWrite("error", time.Since(start))
		w.logger.Error("snapshot persistence degraded; session continues in memory",
			zap.String("session_id", snap.SessionID.String()),
			zap.Error(err))
		w.onResult(false)
	} else {
		w.mets.ObserveSnapshotWrite("ok", time.Since(start))
		w.onResult(true)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.inflight = false
	if w.dirty {
		if w.closed || w.pendingForced {
			w.startFlushLocked()
		} else {
			w.scheduleLocked()
		}
	}
}

func (w *snapshotWriter) writeWithRetry(snap Snapshot) error {
	backoff := w.cfg.BackoffInitial
	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > w.cfg.BackoffMax {
				backoff = w.cfg.BackoffMax
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
		err := w.repo.SaveSnapshot(ctx, snap)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		w.logger.Warn("snapshot write failed",
			zap.String("session_id", snap.SessionID.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return lastErr
}
