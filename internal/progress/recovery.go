package progress

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// RecoverInterrupted rewrites every snapshot left in running state by a
// previous process as failed with an interruption error. It runs once at
// startup, before ingestion is opened, so observers never see a stale running
// session whose producer no longer exists. It returns the number of sessions
// rewritten.
func RecoverInterrupted(ctx context.Context, repo SnapshotRepository, clock Clock, logger *zap.Logger) (int, error) {
	if repo == nil {
		return 0, nil
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	stale, err := repo.ListRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("list running sessions: %w", err)
	}
	recovered := 0
	for _, snap := range stale {
		marked := snap.MarkInterrupted(clock.Now())
		if err := repo.SaveSnapshot(ctx, marked); err != nil {
			return recovered, fmt.Errorf("mark session %s interrupted: %w", snap.SessionID, err)
		}
		logger.Info("stale running session marked interrupted",
			zap.String("session_id", snap.SessionID.String()),
			zap.Float64("overall_percentage", snap.OverallPercentage))
		recovered++
	}
	return recovered, nil
}
