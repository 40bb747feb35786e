// Package memory contains an in-memory terminal notifier for tests.
package memory

import (
	"context"
	"sync"

	"github.com/iius-rcox/Credit-Card-Processor-sub004/internal/progress"
)

// Notifier records terminal snapshots for inspection.
type Notifier struct {
	mu    sync.RWMutex
	snaps []progress.Snapshot
}

// New returns a memory Notifier.
func New() *Notifier {
	return &Notifier{}
}

// NotifyTerminal records the snapshot.
func (n *Notifier) NotifyTerminal(_ context.Context, snap progress.Snapshot) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.snaps = append(n.snaps, snap.Clone())
	return nil
}

// Notifications returns the recorded terminal snapshots.
func (n *Notifier) Notifications() []progress.Snapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]progress.Snapshot, len(n.snaps))
	copy(out, n.snaps)
	return out
}
