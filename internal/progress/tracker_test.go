package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// stubNotifier records terminal notifications.
type stubNotifier struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (n *stubNotifier) NotifyTerminal(_ context.Context, snap Snapshot) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.snaps = append(n.snaps, snap.Clone())
	return nil
}

func (n *stubNotifier) Notifications() []Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Snapshot, len(n.snaps))
	copy(out, n.snaps)
	return out
}

type trackerFixture struct {
	tracker  *Tracker
	hub      *Hub
	repo     *stubRepo
	clock    *fakeClock
	notifier *stubNotifier
}

func newTrackerFixture(t *testing.T, writerCfg WriterConfig) *trackerFixture {
	t.Helper()
	repo := newStubRepo()
	clock := newFakeClock()
	notifier := &stubNotifier{}
	hub := NewHub(HubConfig{Clock: clock}, nil)
	t.Cleanup(hub.Close)
	tracker := NewTracker(TrackerConfig{Writer: writerCfg}, repo, hub, clock, notifier, nil, nil)
	t.Cleanup(func() {
		require.NoError(t, tracker.Close(context.Background()))
	})
	return &trackerFixture{tracker: tracker, hub: hub, repo: repo, clock: clock, notifier: notifier}
}

// TestTrackerLifecycle drives a full session through the ingestion API and
// checks observers, persistence, and notification all converge.
func TestTrackerLifecycle(t *testing.T) {
	t.Parallel()

	f := newTrackerFixture(t, WriterConfig{Interval: time.Hour})
	id := uuid.New()

	require.NoError(t, f.tracker.StartSession(id, testPlan, "starting"))
	require.True(t, IsState(f.tracker.StartSession(id, testPlan, "")))

	sub, err := f.tracker.Subscribe(context.Background(), id)
	require.NoError(t, err)
	first := recvEvent(t, sub)
	require.Equal(t, EventProgress, first.Type)
	require.Equal(t, StatusPending, first.Snapshot.Status)

	require.NoError(t, f.tracker.StartPhase(id, "upload", "uploading"))
	require.Equal(t, EventProgress, recvEvent(t, sub).Type)
	require.NoError(t, f.tracker.CompletePhase(id, "upload", ""))
	recvEvent(t, sub)

	require.NoError(t, f.tracker.StartFilePhase(id, "processing", 1, ""))
	recvEvent(t, sub)
	require.NoError(t, f.tracker.SetFileProgress(id, "processing", FileUpdate{
		Index: 1, Name: "a.pdf", TotalPages: 2, CurrentPage: 2, MatchesFound: 4,
	}, "matching a.pdf"))
	recvEvent(t, sub)
	require.NoError(t, f.tracker.CompleteFile(id, "processing", 1, ""))
	recvEvent(t, sub)
	require.NoError(t, f.tracker.CompletePhase(id, "processing", ""))
	recvEvent(t, sub)

	require.NoError(t, f.tracker.StartPhase(id, "report", ""))
	recvEvent(t, sub)
	require.NoError(t, f.tracker.CompletePhase(id, "report", "report ready"))

	evt := recvEvent(t, sub)
	require.Equal(t, EventComplete, evt.Type)
	require.InDelta(t, 100, evt.Snapshot.OverallPercentage, 0.001)
	requireClosed(t, sub)

	// Terminal transition forces a durable write and a notification.
	require.Eventually(t, func() bool {
		stored, err := f.repo.GetSnapshot(context.Background(), id)
		return err == nil && stored.Status == StatusCompleted
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(f.notifier.Notifications()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, StatusCompleted, f.notifier.Notifications()[0].Status)

	snap, err := f.tracker.Snapshot(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, snap.Status)
	require.Equal(t, 4, snap.Phases[1].Files.MatchesTotal)
}

// TestTrackerUnknownSession checks ErrNotFound propagation for every surface.
func TestTrackerUnknownSession(t *testing.T) {
	t.Parallel()

	f := newTrackerFixture(t, WriterConfig{Interval: time.Hour})
	id := uuid.New()

	require.ErrorIs(t, f.tracker.StartPhase(id, "upload", ""), ErrNotFound)
	require.ErrorIs(t, f.tracker.SetPhaseProgress(id, "upload", 1, nil, ""), ErrNotFound)
	_, err := f.tracker.Snapshot(context.Background(), id)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.tracker.Subscribe(context.Background(), id)
	require.ErrorIs(t, err, ErrNotFound)
}

// TestTrackerRejectedUpdateEmitsNothing verifies invalid input leaves no trace
// in the stream or the store.
func TestTrackerRejectedUpdateEmitsNothing(t *testing.T) {
	t.Parallel()

	f := newTrackerFixture(t, WriterConfig{Interval: time.Hour})
	id := uuid.New()
	require.NoError(t, f.tracker.StartSession(id, testPlan, ""))
	require.NoError(t, f.tracker.StartPhase(id, "upload", ""))

	sub, err := f.tracker.Subscribe(context.Background(), id)
	require.NoError(t, err)
	defer sub.Close()
	recvEvent(t, sub)

	require.True(t, IsValidation(f.tracker.SetPhaseProgress(id, "upload", 300, nil, "")))

	select {
	case evt := <-sub.Events():
		t.Fatalf("rejected update produced %v event", evt.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestTrackerSnapshotFallsBackToRepo serves evicted sessions from storage.
func TestTrackerSnapshotFallsBackToRepo(t *testing.T) {
	t.Parallel()

	f := newTrackerFixture(t, WriterConfig{Interval: time.Hour})

	s := newTestSession(t)
	now := testTime()
	require.NoError(t, s.StartPhase("upload", now, ""))
	require.NoError(t, s.Fail(ErrorContext{Phase: "upload", Message: "old failure"}, now))
	stored := s.Snapshot()
	require.NoError(t, f.repo.SaveSnapshot(context.Background(), stored))

	snap, err := f.tracker.Snapshot(context.Background(), stored.SessionID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, snap.Status)

	sub, err := f.tracker.Subscribe(context.Background(), stored.SessionID)
	require.NoError(t, err)
	require.Equal(t, EventProgress, recvEvent(t, sub).Type)
	require.Equal(t, EventError, recvEvent(t, sub).Type)
	requireClosed(t, sub)
}

// TestTrackerDegradedPersistence verifies failed flushes flag the session and
// a recovered store clears it.
func TestTrackerDegradedPersistence(t *testing.T) {
	t.Parallel()

	f := newTrackerFixture(t, WriterConfig{
		Interval:       time.Hour,
		MaxRetries:     1,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	})
	f.repo.SetErr(context.DeadlineExceeded)

	id := uuid.New()
	require.NoError(t, f.tracker.StartSession(id, testPlan, ""))

	require.Eventually(t, func() bool {
		snap, err := f.tracker.Snapshot(context.Background(), id)
		return err == nil && snap.DegradedPersistence
	}, time.Second, 5*time.Millisecond)

	// Ingestion continues while degraded.
	require.NoError(t, f.tracker.StartPhase(id, "upload", ""))

	f.repo.SetErr(nil)
	require.NoError(t, f.tracker.CompletePhase(id, "upload", ""))
	require.Eventually(t, func() bool {
		snap, err := f.tracker.Snapshot(context.Background(), id)
		return err == nil && !snap.DegradedPersistence
	}, time.Second, 5*time.Millisecond)
}

// TestTrackerFailSessionNotifies covers the error path end to end.
func TestTrackerFailSessionNotifies(t *testing.T) {
	t.Parallel()

	f := newTrackerFixture(t, WriterConfig{Interval: time.Hour})
	id := uuid.New()
	require.NoError(t, f.tracker.StartSession(id, testPlan, ""))
	require.NoError(t, f.tracker.StartPhase(id, "upload", ""))

	sub, err := f.tracker.Subscribe(context.Background(), id)
	require.NoError(t, err)
	recvEvent(t, sub)

	require.NoError(t, f.tracker.FailSession(id, ErrorContext{
		Phase: "upload", Message: "checksum mismatch", File: "a.pdf",
	}))

	evt := recvEvent(t, sub)
	require.Equal(t, EventError, evt.Type)
	require.Equal(t, "checksum mismatch", evt.Error.Message)
	requireClosed(t, sub)

	require.Eventually(t, func() bool {
		n := f.notifier.Notifications()
		return len(n) == 1 && n[0].Status == StatusFailed
	}, time.Second, 5*time.Millisecond)

	// Failing twice is rejected.
	require.True(t, IsState(f.tracker.FailSession(id, ErrorContext{Phase: "upload", Message: "again"})))
}

// TestTrackerReap covers both eviction branches: terminal sessions past
// retention and abandoned running sessions.
func TestTrackerReap(t *testing.T) {
	t.Parallel()

	f := newTrackerFixture(t, WriterConfig{Interval: time.Hour})
	idle := 10 * time.Minute
	retention := time.Hour

	done := uuid.New()
	plan := []PhaseSpec{{Name: "all", Weight: 1}}
	require.NoError(t, f.tracker.StartSession(done, plan, ""))
	require.NoError(t, f.tracker.StartPhase(done, "all", ""))
	require.NoError(t, f.tracker.CompletePhase(done, "all", ""))

	stale := uuid.New()
	require.NoError(t, f.tracker.StartSession(stale, testPlan, ""))
	require.NoError(t, f.tracker.StartPhase(stale, "upload", ""))

	watched := uuid.New()
	require.NoError(t, f.tracker.StartSession(watched, testPlan, ""))
	require.NoError(t, f.tracker.StartPhase(watched, "upload", ""))
	watchSub, err := f.tracker.Subscribe(context.Background(), watched)
	require.NoError(t, err)
	defer watchSub.Close()

	// Nothing is old enough yet.
	require.Zero(t, f.tracker.Reap(f.clock.Now(), idle, retention))

	f.clock.Advance(retention + time.Minute)
	evicted := f.tracker.Reap(f.clock.Now(), idle, retention)
	require.Equal(t, 2, evicted)

	// The terminal session now serves from storage only.
	snap, err := f.tracker.Snapshot(context.Background(), done)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, snap.Status)

	// The abandoned session was failed as interrupted before eviction.
	require.Eventually(t, func() bool {
		stored, err := f.repo.GetSnapshot(context.Background(), stale)
		return err == nil && stored.Status == StatusFailed &&
			stored.Error != nil && stored.Error.Kind == ErrorKindInterrupted
	}, time.Second, 5*time.Millisecond)

	// The watched session survives: it has a live subscriber.
	liveSnap, err := f.tracker.Snapshot(context.Background(), watched)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, liveSnap.Status)
	require.NoError(t, f.tracker.SetPhaseProgress(watched, "upload", 10, nil, ""))
}
