package progress

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestWeightedOverallScenario drives a three-phase run and checks the weighted
// overall percentage at each step.
func TestWeightedOverallScenario(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	now := testTime()

	require.InDelta(t, 0, s.Snapshot().OverallPercentage, 0.001)

	require.NoError(t, s.StartPhase("upload", now, ""))
	require.NoError(t, s.SetPhaseProgress("upload", 50, nil, now, ""))
	require.InDelta(t, 10, s.Snapshot().OverallPercentage, 0.001)

	require.NoError(t, s.CompletePhase("upload", now, ""))
	require.InDelta(t, 20, s.Snapshot().OverallPercentage, 0.001)

	require.NoError(t, s.StartFilePhase("processing", 3, now, ""))

	// File 1: 12 pages, fully processed and completed.
	_, err := s.SetFileProgress("processing", FileUpdate{Index: 1, Name: "a.pdf", TotalPages: 12, CurrentPage: 12}, now, "")
	require.NoError(t, err)
	require.NoError(t, s.CompleteFile("processing", 1, now, ""))
	// (1/3)*100 = 33.33; overall = 20 + 0.6*33.33 = 40.
	require.InDelta(t, 33.33, s.Snapshot().Phases[1].Percentage, 0.01)
	require.InDelta(t, 40, s.Snapshot().OverallPercentage, 0.01)

	// File 2 at page 5 of 12: ((1 + 5/12)/3)*100 = 47.22; overall 48.33.
	_, err = s.SetFileProgress("processing", FileUpdate{Index: 2, Name: "b.pdf", TotalPages: 12, CurrentPage: 5}, now, "")
	require.NoError(t, err)
	snap := s.Snapshot()
	require.InDelta(t, 47.22, snap.Phases[1].Percentage, 0.01)
	require.InDelta(t, 48.33, snap.OverallPercentage, 0.01)

	require.NoError(t, s.CompleteFile("processing", 2, now, ""))
	require.NoError(t, s.CompleteFile("processing", 3, now, ""))
	require.NoError(t, s.CompletePhase("processing", now, ""))
	require.InDelta(t, 80, s.Snapshot().OverallPercentage, 0.01)

	require.NoError(t, s.StartPhase("report", now, ""))
	require.NoError(t, s.CompletePhase("report", now, ""))
	require.InDelta(t, 100, s.Snapshot().OverallPercentage, 0.001)
}

// TestOverallNeverDecreases feeds a long update sequence and asserts the
// overall percentage is monotonically non-decreasing throughout.
func TestOverallNeverDecreases(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	now := testTime()
	prev := 0.0
	check := func() {
		t.Helper()
		got := s.Snapshot().OverallPercentage
		require.GreaterOrEqual(t, got, prev)
		prev = got
	}

	require.NoError(t, s.StartPhase("upload", now, ""))
	check()
	require.NoError(t, s.CompletePhase("upload", now, ""))
	check()
	require.NoError(t, s.StartFilePhase("processing", 2, now, ""))
	check()
	for page := 1; page <= 8; page++ {
		_, err := s.SetFileProgress("processing", FileUpdate{Index: 1, Name: "a.pdf", TotalPages: 8, CurrentPage: page}, now, "")
		require.NoError(t, err)
		check()
	}
	require.NoError(t, s.CompleteFile("processing", 1, now, ""))
	check()
	// The next file starts over at page 1; the phase summary and overall must
	// not dip across the file boundary.
	_, err := s.SetFileProgress("processing", FileUpdate{Index: 2, Name: "b.pdf", TotalPages: 8, CurrentPage: 1}, now, "")
	require.NoError(t, err)
	check()
	require.NoError(t, s.CompleteFile("processing", 2, now, ""))
	require.NoError(t, s.CompletePhase("processing", now, ""))
	check()
	require.NoError(t, s.StartPhase("report", now, ""))
	require.NoError(t, s.CompletePhase("report", now, ""))
	check()
	require.InDelta(t, 100, prev, 0.001)
}

// TestFilePhasePercentageEdgeCases pins the derived-share conventions.
func TestFilePhasePercentageEdgeCases(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 0, filePhasePercentage(&fileTracking{totalFiles: 0}), 0.001)

	zero := &fileTracking{totalFiles: 2, current: &fileState{totalPages: 0}}
	require.InDelta(t, 50, filePhasePercentage(zero), 0.001)

	half := &fileTracking{totalFiles: 4, filesCompleted: 1, current: &fileState{totalPages: 10, currentPage: 5}}
	require.InDelta(t, 37.5, filePhasePercentage(half), 0.001)
}

// TestRound2 verifies observer-facing rounding.
func TestRound2(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 47.22, round2(47.2222), 0.0001)
	require.InDelta(t, 12.35, round2(12.3456), 0.0001)
	require.InDelta(t, 0, round2(0.004), 0.0001)
}
