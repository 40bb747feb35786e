package progress

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var testPlan = []PhaseSpec{
	{Name: "upload", Weight: 0.2},
	{Name: "processing", Weight: 0.6},
	{Name: "report", Weight: 0.2},
}

func testTime() time.Time {
	return time.Unix(1700000000, 0).UTC()
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession(uuid.New(), testPlan, testTime())
	require.NoError(t, err)
	return s
}

// TestNewSessionValidatesPlan exercises the up-front phase plan checks.
func TestNewSessionValidatesPlan(t *testing.T) {
	t.Parallel()

	now := testTime()

	_, err := NewSession(uuid.Nil, testPlan, now)
	require.True(t, IsValidation(err))

	_, err = NewSession(uuid.New(), nil, now)
	require.True(t, IsValidation(err))

	_, err = NewSession(uuid.New(), []PhaseSpec{{Name: " ", Weight: 1}}, now)
	require.True(t, IsValidation(err))

	_, err = NewSession(uuid.New(), []PhaseSpec{
		{Name: "a", Weight: 0.5},
		{Name: "a", Weight: 0.5},
	}, now)
	require.True(t, IsValidation(err))

	_, err = NewSession(uuid.New(), []PhaseSpec{{Name: "a", Weight: 1.5}}, now)
	require.True(t, IsValidation(err))

	// A bad weight sum is a state problem, not a malformed request.
	_, err = NewSession(uuid.New(), []PhaseSpec{
		{Name: "a", Weight: 0.5},
		{Name: "b", Weight: 0.4},
	}, now)
	require.True(t, IsState(err))

	// Rounding slack within tolerance is accepted.
	s, err := NewSession(uuid.New(), []PhaseSpec{
		{Name: "a", Weight: 0.3334},
		{Name: "b", Weight: 0.3333},
		{Name: "c", Weight: 0.3333},
	}, now)
	require.NoError(t, err)
	require.Equal(t, StatusPending, s.Status())
}

// TestPhaseOrderingEnforced verifies phases start in declaration order only.
func TestPhaseOrderingEnforced(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	now := testTime()

	require.True(t, IsState(s.StartPhase("processing", now, "")))
	require.True(t, IsValidation(s.StartPhase("unknown", now, "")))

	require.NoError(t, s.StartPhase("upload", now, "uploading"))
	require.Equal(t, StatusRunning, s.Status())

	// A phase cannot be started twice.
	require.True(t, IsState(s.StartPhase("upload", now, "")))

	require.NoError(t, s.CompletePhase("upload", now, ""))
	require.NoError(t, s.StartPhase("processing", now, ""))
}

// TestSetPhaseProgressRules checks the direct-percentage path.
func TestSetPhaseProgressRules(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	now := testTime()

	// The phase must be in_progress before it accepts percentages.
	require.True(t, IsState(s.SetPhaseProgress("upload", 10, nil, now, "")))

	require.NoError(t, s.StartPhase("upload", now, ""))
	require.NoError(t, s.SetPhaseProgress("upload", 40, map[string]any{"bytes": 1024}, now, ""))

	require.True(t, IsValidation(s.SetPhaseProgress("upload", 140, nil, now, "")))
	require.True(t, IsValidation(s.SetPhaseProgress("upload", 30, nil, now, "")))

	// Equal percentage is not a decrease.
	require.NoError(t, s.SetPhaseProgress("upload", 40, nil, now, ""))

	snap := s.Snapshot()
	require.InDelta(t, 40, snap.Phases[0].Percentage, 0.001)
	require.Equal(t, 1024, snap.Phases[0].Attrs["bytes"])
}

// TestSetPhaseProgressRejectedForFilePhases verifies the two progress styles
// cannot be mixed within one phase.
func TestSetPhaseProgressRejectedForFilePhases(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	now := testTime()

	require.NoError(t, s.StartPhase("upload", now, ""))
	require.NoError(t, s.CompletePhase("upload", now, ""))
	require.NoError(t, s.StartFilePhase("processing", 2, now, ""))

	require.True(t, IsState(s.SetPhaseProgress("processing", 10, nil, now, "")))

	_, err := s.SetFileProgress("upload", FileUpdate{Index: 1, TotalPages: 1, CurrentPage: 1}, now, "")
	require.True(t, IsState(err))
}

// TestFileProtocol walks the sequential per-file contract.
func TestFileProtocol(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	now := testTime()

	require.NoError(t, s.StartPhase("upload", now, ""))
	require.NoError(t, s.CompletePhase("upload", now, ""))
	require.NoError(t, s.StartFilePhase("processing", 3, now, ""))

	// File 2 cannot report before file 1 completes.
	_, err := s.SetFileProgress("processing", FileUpdate{Index: 2, TotalPages: 4, CurrentPage: 1}, now, "")
	require.True(t, IsState(err))

	forced, err := s.SetFileProgress("processing", FileUpdate{
		Index: 1, Name: "a.pdf", TotalPages: 4, CurrentPage: 1, MatchesFound: 2,
	}, now, "")
	require.NoError(t, err)
	require.True(t, forced, "first page of a file is a flush boundary")

	forced, err = s.SetFileProgress("processing", FileUpdate{
		Index: 1, Name: "a.pdf", TotalPages: 4, CurrentPage: 2, MatchesFound: 3,
	}, now, "")
	require.NoError(t, err)
	require.False(t, forced)

	// Page counts are fixed after the first report.
	_, err = s.SetFileProgress("processing", FileUpdate{Index: 1, TotalPages: 5, CurrentPage: 3}, now, "")
	require.True(t, IsValidation(err))

	// Pages and match counts may not go backwards.
	_, err = s.SetFileProgress("processing", FileUpdate{Index: 1, TotalPages: 4, CurrentPage: 1}, now, "")
	require.True(t, IsValidation(err))
	_, err = s.SetFileProgress("processing", FileUpdate{Index: 1, TotalPages: 4, CurrentPage: 2, MatchesFound: 1}, now, "")
	require.True(t, IsValidation(err))

	forced, err = s.SetFileProgress("processing", FileUpdate{
		Index: 1, Name: "a.pdf", TotalPages: 4, CurrentPage: 4, MatchesFound: 5,
	}, now, "")
	require.NoError(t, err)
	require.True(t, forced, "last page of a file is a flush boundary")

	// Reaching the last page does not complete the file; the explicit signal does.
	_, err = s.SetFileProgress("processing", FileUpdate{Index: 2, TotalPages: 2, CurrentPage: 1}, now, "")
	require.True(t, IsState(err))

	require.True(t, IsState(s.CompleteFile("processing", 2, now, "")))
	require.NoError(t, s.CompleteFile("processing", 1, now, "done a.pdf"))

	// Completed files reject further reports.
	_, err = s.SetFileProgress("processing", FileUpdate{Index: 1, TotalPages: 4, CurrentPage: 4}, now, "")
	require.True(t, IsValidation(err))

	snap := s.Snapshot()
	files := snap.Phases[1].Files
	require.NotNil(t, files)
	require.Equal(t, 1, files.FilesCompleted)
	require.Equal(t, 5, files.MatchesTotal)
	require.Nil(t, files.Current)
}

// TestZeroPageFile verifies the zero-page convention: the file contributes a
// full share immediately and the report is a flush boundary.
func TestZeroPageFile(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	now := testTime()

	require.NoError(t, s.StartPhase("upload", now, ""))
	require.NoError(t, s.CompletePhase("upload", now, ""))
	require.NoError(t, s.StartFilePhase("processing", 2, now, ""))

	forced, err := s.SetFileProgress("processing", FileUpdate{Index: 1, Name: "empty.pdf", TotalPages: 0, CurrentPage: 0}, now, "")
	require.NoError(t, err)
	require.True(t, forced)

	snap := s.Snapshot()
	files := snap.Phases[1].Files
	require.InDelta(t, 100, files.Current.Percentage, 0.001)
	require.InDelta(t, 50, snap.Phases[1].Percentage, 0.001)

	// A page number on a zero-page file is malformed.
	_, err = s.SetFileProgress("processing", FileUpdate{Index: 1, TotalPages: 0, CurrentPage: 1}, now, "")
	require.True(t, IsValidation(err))
}

// TestCompletePhasePinsAndCompletesSession checks phase completion semantics
// and the completed-session snapshot shape.
func TestCompletePhasePinsAndCompletesSession(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	now := testTime()

	require.NoError(t, s.StartPhase("upload", now, ""))
	require.NoError(t, s.SetPhaseProgress("upload", 70, nil, now, ""))
	require.NoError(t, s.CompletePhase("upload", now, ""))
	require.InDelta(t, 100, s.Snapshot().Phases[0].Percentage, 0.001)

	require.NoError(t, s.StartFilePhase("processing", 1, now, ""))
	_, err := s.SetFileProgress("processing", FileUpdate{Index: 1, TotalPages: 2, CurrentPage: 1}, now, "")
	require.NoError(t, err)
	// Completing a file phase folds the in-flight file into the totals.
	require.NoError(t, s.CompletePhase("processing", now, ""))

	require.NoError(t, s.StartPhase("report", now, ""))
	require.NoError(t, s.CompletePhase("report", now, "all done"))

	snap := s.Snapshot()
	require.Equal(t, StatusCompleted, snap.Status)
	require.Nil(t, snap.CurrentPhase)
	require.InDelta(t, 100, snap.OverallPercentage, 0.001)
	require.Equal(t, "all done", snap.StatusMessage)
	require.Equal(t, 1, snap.Phases[1].Files.FilesCompleted)
}

// TestFailFreezesSession verifies failure semantics: the failing phase stays
// current, the error context is preserved, and the session becomes immutable.
func TestFailFreezesSession(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	now := testTime()

	require.NoError(t, s.StartPhase("upload", now, ""))
	require.NoError(t, s.CompletePhase("upload", now, ""))
	require.NoError(t, s.StartFilePhase("processing", 2, now, ""))

	require.True(t, IsValidation(s.Fail(ErrorContext{Message: "no phase"}, now)))

	require.NoError(t, s.Fail(ErrorContext{
		Message: "extraction crashed",
		Phase:   "processing",
		File:    "a.pdf",
		Page:    3,
	}, now))

	snap := s.Snapshot()
	require.Equal(t, StatusFailed, snap.Status)
	require.NotNil(t, snap.CurrentPhase)
	require.Equal(t, "processing", *snap.CurrentPhase)
	require.Equal(t, PhaseFailed, snap.Phases[1].Status)
	require.NotNil(t, snap.Error)
	require.Equal(t, ErrorKindPipeline, snap.Error.Kind)
	require.Equal(t, "a.pdf", snap.Error.File)
	require.Equal(t, now, snap.Error.Timestamp)

	// Terminal sessions reject every further mutation.
	require.True(t, IsState(s.StartPhase("report", now, "")))
	require.True(t, IsState(s.SetPhaseProgress("processing", 10, nil, now, "")))
	_, err := s.SetFileProgress("processing", FileUpdate{Index: 1, TotalPages: 1, CurrentPage: 1}, now, "")
	require.True(t, IsState(err))
	require.True(t, IsState(s.CompletePhase("processing", now, "")))
	require.True(t, IsState(s.Fail(ErrorContext{Phase: "processing", Message: "again"}, now)))
}

// TestSnapshotIsDetached guards against aliasing between the live session and
// snapshots already handed out.
func TestSnapshotIsDetached(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	now := testTime()

	require.NoError(t, s.StartPhase("upload", now, ""))
	require.NoError(t, s.SetPhaseProgress("upload", 10, map[string]any{"bytes": 1}, now, ""))

	snap := s.Snapshot()
	require.NoError(t, s.SetPhaseProgress("upload", 90, map[string]any{"bytes": 999}, now, ""))

	require.InDelta(t, 10, snap.Phases[0].Percentage, 0.001)
	require.Equal(t, 1, snap.Phases[0].Attrs["bytes"])

	clone := snap.Clone()
	clone.Phases[0].Attrs["bytes"] = 42
	require.Equal(t, 1, snap.Phases[0].Attrs["bytes"])
}

// TestMarkInterrupted covers the restart-recovery rewrite.
func TestMarkInterrupted(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)
	now := testTime()

	require.NoError(t, s.StartPhase("upload", now, ""))
	require.NoError(t, s.CompletePhase("upload", now, ""))
	require.NoError(t, s.StartFilePhase("processing", 2, now, ""))

	later := now.Add(time.Minute)
	marked := s.Snapshot().MarkInterrupted(later)

	require.Equal(t, StatusFailed, marked.Status)
	require.Equal(t, PhaseFailed, marked.Phases[1].Status)
	require.NotNil(t, marked.Error)
	require.Equal(t, ErrorKindInterrupted, marked.Error.Kind)
	require.Equal(t, "processing", marked.Error.Phase)
	require.Equal(t, later, marked.LastUpdate)

	// The live session is untouched.
	require.Equal(t, StatusRunning, s.Status())
}
