package progress

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iius-rcox/Credit-Card-Processor-sub004/internal/metrics"
)

// Ingestion operation labels used in metrics.
const (
	opStartSession     = "start_session"
	opStartPhase       = "start_phase"
	opSetPhaseProgress = "set_phase_progress"
	opSetFileProgress  = "set_file_progress"
	opCompleteFile     = "complete_file"
	opCompletePhase    = "complete_phase"
	opFailSession      = "fail_session"
)

// TrackerConfig tunes per-session persistence and notification behavior.
type TrackerConfig struct {
	Writer        WriterConfig
	NotifyTimeout time.Duration
}

const defaultNotifyTimeout = 5 * time.Second

// Tracker is the process-wide session table and the ingestion API the
// processing pipeline calls. Each session's state is mutated only here, under
// a per-session exclusive region; the hub, writer, and API observers all work
// from immutable snapshots.
type Tracker struct {
	cfg      TrackerConfig
	repo     SnapshotRepository
	hub      *Hub
	clock    Clock
	notifier TerminalNotifier
	logger   *zap.Logger
	mets     *metrics.Collectors

	mu       sync.RWMutex
	sessions map[uuid.UUID]*sessionEntry
}

type sessionEntry struct {
	mu      sync.Mutex
	session *Session
	writer  *snapshotWriter
}

// NewTracker wires the tracker. repo and notifier may be nil (no persistence
// / no notifications); hub is required.
func NewTracker(cfg TrackerConfig, repo SnapshotRepository, hub *Hub, clock Clock, notifier TerminalNotifier, logger *zap.Logger, mets *metrics.Collectors) *Tracker {
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		cfg:      cfg,
		repo:     repo,
		hub:      hub,
		clock:    clock,
		notifier: notifier,
		logger:   logger,
		mets:     mets,
		sessions: make(map[uuid.UUID]*sessionEntry),
	}
}

// StartSession registers a new pipeline run with its weighted phase plan.
// Registering an id that is already tracked is a StateError.
func (t *Tracker) StartSession(id uuid.UUID, specs []PhaseSpec, msg string) error {
	now := t.clock.Now()
	session, err := NewSession(id, specs, now)
	if err != nil {
		t.mets.ObserveIngest(opStartSession, metrics.ResultRejected)
		return err
	}
	if msg != "" {
		session.statusMessage = msg
	}
	entry := &sessionEntry{session: session}
	entry.writer = newSnapshotWriter(t.cfg.Writer, t.repo, t.logger, t.mets, func(ok bool) {
		t.setDegraded(id, !ok)
	})

	t.mu.Lock()
	if _, exists := t.sessions[id]; exists {
		t.mu.Unlock()
		t.mets.ObserveIngest(opStartSession, metrics.ResultRejected)
		return stateErrf("session %s is already registered", id)
	}
	t.sessions[id] = entry
	t.mu.Unlock()

	t.mets.ObserveIngest(opStartSession, metrics.ResultAccepted)
	t.mets.SessionOpened()

	entry.mu.Lock()
	snap := entry.session.Snapshot()
	entry.mu.Unlock()
	t.hub.Broadcast(snap)
	// The first update of a session always flushes.
	entry.writer.Enqueue(snap, true)
	return nil
}

// StartPhase transitions the named phase to in_progress. Phase boundaries
// force a durable flush.
func (t *Tracker) StartPhase(id uuid.UUID, phase, msg string) error {
	return t.apply(id, opStartPhase, func(s *Session, now time.Time) (bool, error) {
		return true, s.StartPhase(phase, now, msg)
	})
}

// StartFilePhase starts a phase that processes totalFiles files sequentially.
func (t *Tracker) StartFilePhase(id uuid.UUID, phase string, totalFiles int, msg string) error {
	return t.apply(id, opStartPhase, func(s *Session, now time.Time) (bool, error) {
		return true, s.StartFilePhase(phase, totalFiles, now, msg)
	})
}

// SetPhaseProgress records a direct percentage for a non-file phase.
func (t *Tracker) SetPhaseProgress(id uuid.UUID, phase string, pct float64, attrs map[string]any, msg string) error {
	return t.apply(id, opSetPhaseProgress, func(s *Session, now time.Time) (bool, error) {
		return false, s.SetPhaseProgress(phase, pct, attrs, now, msg)
	})
}

// SetFileProgress applies a page-level update. First and last pages of a file
// force a durable flush; intermediate pages ride the batch interval.
func (t *Tracker) SetFileProgress(id uuid.UUID, phase string, upd FileUpdate, msg string) error {
	return t.apply(id, opSetFileProgress, func(s *Session, now time.Time) (bool, error) {
		return s.SetFileProgress(phase, upd, now, msg)
	})
}

// CompleteFile records the explicit file-completion signal.
func (t *Tracker) CompleteFile(id uuid.UUID, phase string, index int, msg string) error {
	return t.apply(id, opCompleteFile, func(s *Session, now time.Time) (bool, error) {
		return true, s.CompleteFile(phase, index, now, msg)
	})
}

// CompletePhase finishes the active phase; finishing the last phase completes
// the session and closes its streams.
func (t *Tracker) CompletePhase(id uuid.UUID, phase, msg string) error {
	return t.apply(id, opCompletePhase, func(s *Session, now time.Time) (bool, error) {
		return true, s.CompletePhase(phase, now, msg)
	})
}

// FailSession terminates the session with the producer's error context and
// broadcasts the error event.
func (t *Tracker) FailSession(id uuid.UUID, ec ErrorContext) error {
	return t.apply(id, opFailSession, func(s *Session, now time.Time) (bool, error) {
		return true, s.Fail(ec, now)
	})
}

// Snapshot returns the current full snapshot for a session, falling back to
// durable storage for sessions no longer held in memory.
func (t *Tracker) Snapshot(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	if entry, err := t.entry(id); err == nil {
		entry.mu.Lock()
		snap := entry.session.Snapshot()
		entry.mu.Unlock()
		return snap, nil
	}
	if t.repo == nil {
		return Snapshot{}, ErrNotFound
	}
	return t.repo.GetSnapshot(ctx, id)
}

// Subscribe opens a live event stream for a session. The subscription's
// first event is always a progress event with the current snapshot. Sessions
// that only exist in durable storage yield their snapshot and, when terminal,
// the terminal event before the stream closes.
func (t *Tracker) Subscribe(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	if entry, err := t.entry(id); err == nil {
		// Registration happens under the session's exclusive region so no
		// mutation can slip between the snapshot and the live stream.
		entry.mu.Lock()
		snap := entry.session.Snapshot()
		sub := t.hub.Subscribe(id, snap)
		entry.mu.Unlock()
		return sub, nil
	}
	if t.repo == nil {
		return nil, ErrNotFound
	}
	snap, err := t.repo.GetSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.hub.SubscribeSnapshot(snap), nil
}

// Reap evicts terminal sessions past the retention window and fails, then
// evicts, abandoned sessions: non-terminal, idle beyond the threshold, with
// no subscribers. It returns the number of evicted sessions.
func (t *Tracker) Reap(now time.Time, idle, retention time.Duration) int {
	t.mu.RLock()
	entries := make(map[uuid.UUID]*sessionEntry, len(t.sessions))
	for id, e := range t.sessions {
		entries[id] = e
	}
	t.mu.RUnlock()

	evicted := 0
	for id, entry := range entries {
		entry.mu.Lock()
		status := entry.session.Status()
		last := entry.session.LastUpdate()
		entry.mu.Unlock()

		switch {
		case status.Terminal() && now.Sub(last) >= retention:
			t.evict(id, entry)
			evicted++
		case !status.Terminal() && now.Sub(last) >= idle && t.hub.SubscriberCount(id) == 0:
			t.failAbandoned(id, entry, now)
			t.evict(id, entry)
			evicted++
		}
	}
	return evicted
}

// Close flushes and stops every session writer.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	entries := make([]*sessionEntry, 0, len(t.sessions))
	for _, e := range t.sessions {
		entries = append(entries, e)
	}
	t.sessions = make(map[uuid.UUID]*sessionEntry)
	t.mu.Unlock()

	var firstErr error
	for _, entry := range entries {
		if err := entry.writer.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Tracker) entry(id uuid.UUID) (*sessionEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (t *Tracker) apply(id uuid.UUID, op string, mutate func(s *Session, now time.Time) (bool, error)) error {
	entry, err := t.entry(id)
	if err != nil {
		t.mets.ObserveIngest(op, metrics.ResultRejected)
		return err
	}
	entry.mu.Lock()
	now := t.clock.Now()
	forced, err := mutate(entry.session, now)
	if err != nil {
		entry.mu.Unlock()
		t.mets.ObserveIngest(op, metrics.ResultRejected)
		return err
	}
	snap := entry.session.Snapshot()
	entry.mu.Unlock()
	t.mets.ObserveIngest(op, metrics.ResultAccepted)

	if snap.Status.Terminal() {
		t.finishTerminal(entry, snap)
	} else {
		t.hub.Broadcast(snap)
		entry.writer.Enqueue(snap, forced)
	}
	return nil
}

func (t *Tracker) finishTerminal(entry *sessionEntry, snap Snapshot) {
	t.hub.Terminal(snap)
	entry.writer.Enqueue(snap, true)
	t.mets.SessionClosed()
	t.notifyTerminal(snap)
}

func (t *Tracker) failAbandoned(id uuid.UUID, entry *sessionEntry, now time.Time) {
	entry.mu.Lock()
	snap := entry.session.Snapshot()
	phase := ""
	if snap.CurrentPhase != nil {
		phase = *snap.CurrentPhase
	} else if len(snap.Phases) > 0 {
		phase = snap.Phases[0].Name
	}
	err := entry.session.Fail(ErrorContext{
		Kind:    ErrorKindInterrupted,
		Message: "session abandoned: no producer activity",
		Phase:   phase,
	}, now)
	if err == nil {
		snap = entry.session.Snapshot()
	}
	entry.mu.Unlock()
	if err != nil {
		t.logger.Warn("failed to mark abandoned session",
			zap.String("session_id", id.String()), zap.Error(err))
		return
	}
	t.logger.Info("abandoned session marked interrupted",
		zap.String("session_id", id.String()),
		zap.String("phase", phase))
	t.finishTerminal(entry, snap)
}

func (t *Tracker) evict(id uuid.UUID, entry *sessionEntry) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
	t.hub.CloseSession(id)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := entry.writer.Close(ctx); err != nil {
		t.logger.Warn("writer close during eviction", zap.String("session_id", id.String()), zap.Error(err))
	}
}

func (t *Tracker) setDegraded(id uuid.UUID, degraded bool) {
	entry, err := t.entry(id)
	if err != nil {
		return
	}
	entry.mu.Lock()
	if entry.session.degraded == degraded {
		entry.mu.Unlock()
		return
	}
	entry.session.SetDegraded(degraded)
	snap := entry.session.Snapshot()
	entry.mu.Unlock()
	if degraded {
		t.logger.Warn("session flagged degraded-persistence",
			zap.String("session_id", id.String()))
	}
	t.hub.Broadcast(snap)
}

func (t *Tracker) notifyTerminal(snap Snapshot) {
	if t.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.NotifyTimeout)
		defer cancel()
		if err := t.notifier.NotifyTerminal(ctx, snap); err != nil {
			t.logger.Warn("terminal notification failed",
				zap.String("session_id", snap.SessionID.String()),
				zap.Error(err))
		}
	}()
}
