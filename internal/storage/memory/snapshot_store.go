// Package memory provides in-memory persistence for development and testing.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/iius-rcox/Credit-Card-Processor-sub004/internal/progress"
)

// SnapshotStore is an in-memory progress.SnapshotRepository. Snapshots are
// deep-copied on the way in and out so callers never share memory with the
// stored copy.
type SnapshotStore struct {
	mu    sync.RWMutex
	snaps map[uuid.UUID]progress.Snapshot
}

// NewSnapshotStore constructs an empty SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		snaps: make(map[uuid.UUID]progress.Snapshot),
	}
}

// SaveSnapshot stores the snapshot, replacing any previous one for the session.
func (s *SnapshotStore) SaveSnapshot(_ context.Context, snap progress.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.SessionID] = snap.Clone()
	return nil
}

// GetSnapshot fetches a session's snapshot.
func (s *SnapshotStore) GetSnapshot(_ context.Context, sessionID uuid.UUID) (progress.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[sessionID]
	if !ok {
		return progress.Snapshot{}, progress.ErrNotFound
	}
	return snap.Clone(), nil
}

// ListRunning returns all snapshots still in running status.
func (s *SnapshotStore) ListRunning(_ context.Context) ([]progress.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []progress.Snapshot
	for _, snap := range s.snaps {
		if snap.Status == progress.StatusRunning {
			out = append(out, snap.Clone())
		}
	}
	return out, nil
}

// Len reports the number of stored sessions.
func (s *SnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snaps)
}
