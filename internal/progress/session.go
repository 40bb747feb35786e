package progress

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the session-level lifecycle state.
type Status string

// Session statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further mutation is accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PhaseStatus is the per-phase lifecycle state.
type PhaseStatus string

// Phase statuses.
const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
)

// WeightTolerance bounds the rounding slack allowed when phase weights are
// validated against a sum of 1.0.
const WeightTolerance = 0.001

// PhaseSpec declares one weighted pipeline phase at session creation.
// Declaration order is execution order.
type PhaseSpec struct {
	Name   string
	Weight float64
}

// FileUpdate is a page-level progress report within a file phase. Index is
// 1-based and must address the file after the last completed one.
type FileUpdate struct {
	Index        int
	Name         string
	TotalPages   int
	CurrentPage  int
	MatchesFound int
}

// ErrorContext records why a session failed.
type ErrorContext struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Phase     string    `json:"phase"`
	File      string    `json:"file,omitempty"`
	Page      int       `json:"page,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Error kinds recorded in ErrorContext.Kind.
const (
	ErrorKindPipeline    = "pipeline"
	ErrorKindInterrupted = "interrupted"
)

type fileState struct {
	index        int
	name         string
	totalPages   int
	currentPage  int
	matchesFound int
}

type fileTracking struct {
	totalFiles     int
	filesCompleted int
	matchesTotal   int
	current        *fileState
}

type phaseState struct {
	name        string
	weight      float64
	status      PhaseStatus
	percentage  float64
	startedAt   *time.Time
	completedAt *time.Time
	attrs       map[string]any
	files       *fileTracking
}

// Session is the authoritative mutable progress record for one pipeline run.
// It is not safe for concurrent use; the Tracker serializes all mutation
// through a per-session exclusive region and hands out immutable Snapshots.
type Session struct {
	id            uuid.UUID
	phases        []*phaseState
	index         map[string]int
	current       int // index of the active phase, -1 when none
	status        Status
	statusMessage string
	lastUpdate    time.Time
	errCtx        *ErrorContext
	overall       float64
	degraded      bool
}

// NewSession validates the phase plan and builds a pending session. Weights
// must sum to 1.0 within WeightTolerance; a bad sum is a StateError, anything
// malformed about the plan itself is a ValidationError.
func NewSession(id uuid.UUID, specs []PhaseSpec, now time.Time) (*Session, error) {
	if id == uuid.Nil {
		return nil, validationf("session id is required")
	}
	if len(specs) == 0 {
		return nil, validationf("at least one phase is required")
	}
	phases := make([]*phaseState, 0, len(specs))
	index := make(map[string]int, len(specs))
	sum := 0.0
	for i, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, validationf("phase %d has an empty name", i)
		}
		if _, dup := index[name]; dup {
			return nil, validationf("duplicate phase %q", name)
		}
		if spec.Weight < 0 || spec.Weight > 1 {
			return nil, validationf("phase %q weight %.4f outside [0,1]", name, spec.Weight)
		}
		index[name] = i
		phases = append(phases, &phaseState{
			name:   name,
			weight: spec.Weight,
			status: PhasePending,
		})
		sum += spec.Weight
	}
	if math.Abs(sum-1.0) > WeightTolerance {
		return nil, stateErrf("phase weights sum to %.4f, want 1.0", sum)
	}
	return &Session{
		id:         id,
		phases:     phases,
		index:      index,
		current:    -1,
		status:     StatusPending,
		lastUpdate: now,
	}, nil
}

// ID returns the immutable session identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Status returns the current session status.
func (s *Session) Status() Status {
	return s.status
}

// LastUpdate returns the timestamp of the last accepted mutation.
func (s *Session) LastUpdate() time.Time {
	return s.lastUpdate
}

// SetDegraded flags (or clears) degraded persistence. It is driven by the
// snapshot writer, not by ingestion, and does not count as producer activity.
func (s *Session) SetDegraded(v bool) {
	s.degraded = v
}

func (s *Session) checkMutable() error {
	if s.status.Terminal() {
		return stateErrf("session %s is %s and immutable", s.id, s.status)
	}
	return nil
}

func (s *Session) phase(name string) (*phaseState, error) {
	i, ok := s.index[name]
	if !ok {
		return nil, validationf("unknown phase %q", name)
	}
	return s.phases[i], nil
}

func (s *Session) activePhase(name string) (*phaseState, error) {
	ph, err := s.phase(name)
	if err != nil {
		return nil, err
	}
	if ph.status != PhaseInProgress {
		return nil, stateErrf("phase %q is %s, not in_progress", name, ph.status)
	}
	return ph, nil
}

// StartPhase moves the named phase to in_progress. All weight-ordered
// predecessor phases must already be completed.
func (s *Session) StartPhase(name string, now time.Time, msg string) error {
	return s.startPhase(name, nil, now, msg)
}

// StartFilePhase is StartPhase for a phase that processes totalFiles files
// sequentially, enabling page-level tracking via SetFileProgress.
func (s *Session) StartFilePhase(name string, totalFiles int, now time.Time, msg string) error {
	if totalFiles < 0 {
		return validationf("total files must be >= 0, got %d", totalFiles)
	}
	return s.startPhase(name, &fileTracking{totalFiles: totalFiles}, now, msg)
}

func (s *Session) startPhase(name string, files *fileTracking, now time.Time, msg string) error {
	if err := s.checkMutable(); err != nil {
		return err
	}
	ph, err := s.phase(name)
	if err != nil {
		return err
	}
	if ph.status != PhasePending {
		return stateErrf("phase %q is %s, cannot start", name, ph.status)
	}
	i := s.index[name]
	for _, prev := range s.phases[:i] {
		if prev.status != PhaseCompleted {
			return stateErrf("phase %q cannot start before %q completes", name, prev.name)
		}
	}
	ph.status = PhaseInProgress
	ph.startedAt = ptrTime(now)
	ph.files = files
	s.current = i
	s.status = StatusRunning
	s.touch(now, msg)
	return nil
}

// SetPhaseProgress records a within-phase percentage plus optional counters
// for a phase without file tracking. The percentage may not decrease while
// the phase is in_progress.
func (s *Session) SetPhaseProgress(name string, pct float64, attrs map[string]any, now time.Time, msg string) error {
	if err := s.checkMutable(); err != nil {
		return err
	}
	ph, err := s.activePhase(name)
	if err != nil {
		return err
	}
	if ph.files != nil {
		return stateErrf("phase %q tracks per-file progress, use SetFileProgress", name)
	}
	if pct < 0 || pct > 100 {
		return validationf("percentage %.2f outside [0,100]", pct)
	}
	if pct < ph.percentage {
		return validationf("phase %q percentage may not decrease (%.2f -> %.2f)", name, ph.percentage, pct)
	}
	ph.percentage = pct
	mergeAttrs(ph, attrs)
	s.touch(now, msg)
	return nil
}

// SetFileProgress applies a page-level update inside a file phase. It returns
// true when the update is a flush boundary: the first report for a file or
// its last page.
func (s *Session) SetFileProgress(phase string, upd FileUpdate, now time.Time, msg string) (bool, error) {
	if err := s.checkMutable(); err != nil {
		return false, err
	}
	ph, err := s.activePhase(phase)
	if err != nil {
		return false, err
	}
	ft := ph.files
	if ft == nil {
		return false, stateErrf("phase %q does not track files", phase)
	}
	if upd.Index < 1 || upd.Index > ft.totalFiles {
		return false, validationf("file index %d outside [1,%d]", upd.Index, ft.totalFiles)
	}
	if upd.TotalPages < 0 {
		return false, validationf("total pages must be >= 0, got %d", upd.TotalPages)
	}
	if upd.MatchesFound < 0 {
		return false, validationf("matches found must be >= 0, got %d", upd.MatchesFound)
	}
	if upd.Index <= ft.filesCompleted {
		return false, validationf("file %d is already completed", upd.Index)
	}
	if upd.Index > ft.filesCompleted+1 {
		return false, stateErrf("file %d reported before file %d completed", upd.Index, ft.filesCompleted+1)
	}

	first := ft.current == nil
	if first {
		if err := validatePage(upd.TotalPages, upd.CurrentPage); err != nil {
			return false, err
		}
		ft.current = &fileState{
			index:        upd.Index,
			name:         upd.Name,
			totalPages:   upd.TotalPages,
			currentPage:  upd.CurrentPage,
			matchesFound: upd.MatchesFound,
		}
	} else {
		cur := ft.current
		if upd.TotalPages != cur.totalPages {
			// A corrected page count after the first report is undefined
			// behavior upstream; reject it rather than guess.
			return false, validationf("page count for %q changed (%d -> %d)", cur.name, cur.totalPages, upd.TotalPages)
		}
		if upd.Name != "" && upd.Name != cur.name {
			return false, validationf("file %d name changed (%q -> %q)", upd.Index, cur.name, upd.Name)
		}
		if err := validatePage(cur.totalPages, upd.CurrentPage); err != nil {
			return false, err
		}
		if upd.CurrentPage < cur.currentPage {
			return false, validationf("page may not decrease (%d -> %d)", cur.currentPage, upd.CurrentPage)
		}
		if upd.MatchesFound < cur.matchesFound {
			return false, validationf("matches found may not decrease (%d -> %d)", cur.matchesFound, upd.MatchesFound)
		}
		cur.currentPage = upd.CurrentPage
		cur.matchesFound = upd.MatchesFound
	}

	last := ft.current.totalPages == 0 || ft.current.currentPage == ft.current.totalPages
	if p := filePhasePercentage(ft); p > ph.percentage {
		ph.percentage = p
	}
	s.touch(now, msg)
	return first || last, nil
}

func validatePage(totalPages, currentPage int) error {
	if totalPages == 0 {
		if currentPage != 0 {
			return validationf("page %d reported for a zero-page file", currentPage)
		}
		return nil
	}
	if currentPage < 1 || currentPage > totalPages {
		return validationf("page %d outside [1,%d]", currentPage, totalPages)
	}
	return nil
}

// CompleteFile records the explicit file-completion signal. Reaching the last
// page alone never completes a file; post-processing on the file may still be
// running when that page is reported.
func (s *Session) CompleteFile(phase string, index int, now time.Time, msg string) error {
	if err := s.checkMutable(); err != nil {
		return err
	}
	ph, err := s.activePhase(phase)
	if err != nil {
		return err
	}
	ft := ph.files
	if ft == nil {
		return stateErrf("phase %q does not track files", phase)
	}
	if index != ft.filesCompleted+1 {
		return stateErrf("file %d is not the active file (next is %d)", index, ft.filesCompleted+1)
	}
	if cur := ft.current; cur != nil {
		ft.matchesTotal += cur.matchesFound
	}
	ft.current = nil
	ft.filesCompleted++
	if p := filePhasePercentage(ft); p > ph.percentage {
		ph.percentage = p
	}
	s.touch(now, msg)
	return nil
}

// CompletePhase finishes the active phase at 100%. Completing the final phase
// completes the session.
func (s *Session) CompletePhase(name string, now time.Time, msg string) error {
	if err := s.checkMutable(); err != nil {
		return err
	}
	ph, err := s.activePhase(name)
	if err != nil {
		return err
	}
	if ft := ph.files; ft != nil {
		if cur := ft.current; cur != nil {
			ft.matchesTotal += cur.matchesFound
			ft.current = nil
		}
		ft.filesCompleted = ft.totalFiles
	}
	ph.status = PhaseCompleted
	ph.percentage = 100
	ph.completedAt = ptrTime(now)
	s.current = -1
	completed := true
	for _, p := range s.phases {
		if p.status != PhaseCompleted {
			completed = false
			break
		}
	}
	if completed {
		s.status = StatusCompleted
	}
	s.touch(now, msg)
	return nil
}

// Fail terminates the session. The named phase is marked failed and frozen as
// the current phase; every later ingestion call is rejected with a StateError.
func (s *Session) Fail(ec ErrorContext, now time.Time) error {
	if err := s.checkMutable(); err != nil {
		return err
	}
	if ec.Phase == "" {
		return validationf("failure requires a phase")
	}
	ph, err := s.phase(ec.Phase)
	if err != nil {
		return err
	}
	if ec.Kind == "" {
		ec.Kind = ErrorKindPipeline
	}
	if ec.Timestamp.IsZero() {
		ec.Timestamp = now
	}
	ph.status = PhaseFailed
	s.current = s.index[ec.Phase]
	s.status = StatusFailed
	s.errCtx = &ec
	s.touch(now, ec.Message)
	return nil
}

func (s *Session) touch(now time.Time, msg string) {
	if msg != "" {
		s.statusMessage = msg
	}
	s.lastUpdate = now
	s.recompute()
}

func mergeAttrs(ph *phaseState, attrs map[string]any) {
	if len(attrs) == 0 {
		return
	}
	if ph.attrs == nil {
		ph.attrs = make(map[string]any, len(attrs))
	}
	for k, v := range attrs {
		ph.attrs[k] = v
	}
}

func ptrTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
