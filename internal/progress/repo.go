package progress

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SnapshotRepository persists complete session snapshots. Implementations
// must make SaveSnapshot an idempotent upsert: persisting the same snapshot
// twice is indistinguishable from persisting it once.
type SnapshotRepository interface {
	// SaveSnapshot stores the full snapshot, replacing any previous one
	// for the session.
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	// GetSnapshot loads a session's snapshot or returns ErrNotFound.
	GetSnapshot(ctx context.Context, sessionID uuid.UUID) (Snapshot, error)
	// ListRunning returns every snapshot whose status is running; the
	// recovery loader rewrites these as interrupted after a restart.
	ListRunning(ctx context.Context) ([]Snapshot, error)
}

// Clock abstracts time so state transitions are deterministic under test.
type Clock interface {
	Now() time.Time
}

// TerminalNotifier is told exactly once when a session reaches a terminal
// status, so downstream consumers (report generation) can react. Failures are
// logged by the tracker and never affect the session.
type TerminalNotifier interface {
	NotifyTerminal(ctx context.Context, snap Snapshot) error
}
