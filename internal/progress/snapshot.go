package progress

import (
	"time"

	"github.com/google/uuid"
)

// FileProgress is the observer-facing view of the file currently being
// processed inside a file phase. Percentage is derived: 100 for a zero-page
// file, otherwise currentPage/totalPages.
type FileProgress struct {
	Name         string  `json:"name"`
	TotalPages   int     `json:"total_pages"`
	CurrentPage  int     `json:"current_page"`
	MatchesFound int     `json:"matches_found"`
	Percentage   float64 `json:"percentage"`
}

// FilePhaseProgress summarizes a sequential multi-file phase.
type FilePhaseProgress struct {
	TotalFiles     int           `json:"total_files"`
	FilesCompleted int           `json:"files_completed"`
	MatchesTotal   int           `json:"matches_total"`
	Current        *FileProgress `json:"current,omitempty"`
}

// PhaseSnapshot is the immutable view of one phase.
type PhaseSnapshot struct {
	Name        string             `json:"name"`
	Weight      float64            `json:"weight"`
	Status      PhaseStatus        `json:"status"`
	Percentage  float64            `json:"percentage"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Files       *FilePhaseProgress `json:"files,omitempty"`
	Attrs       map[string]any     `json:"attrs,omitempty"`
}

// Snapshot is a complete, self-consistent copy of a session's progress at one
// instant. Snapshots are what the hub broadcasts, the writer persists, and
// the API serves; they share no memory with the live session.
type Snapshot struct {
	SessionID           uuid.UUID       `json:"session_id"`
	Status              Status          `json:"status"`
	CurrentPhase        *string         `json:"current_phase,omitempty"`
	OverallPercentage   float64         `json:"overall_percentage"`
	StatusMessage       string          `json:"status_message,omitempty"`
	LastUpdate          time.Time       `json:"last_update"`
	DegradedPersistence bool            `json:"degraded_persistence,omitempty"`
	Error               *ErrorContext   `json:"error,omitempty"`
	Phases              []PhaseSnapshot `json:"phases"`
}

// Snapshot builds an immutable deep copy of the current state.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		SessionID:           s.id,
		Status:              s.status,
		OverallPercentage:   s.overall,
		StatusMessage:       s.statusMessage,
		LastUpdate:          s.lastUpdate,
		DegradedPersistence: s.degraded,
		Phases:              make([]PhaseSnapshot, 0, len(s.phases)),
	}
	// Completed sessions report no current phase; failed sessions stay
	// frozen at the failing phase.
	if s.current >= 0 && s.status != StatusCompleted {
		name := s.phases[s.current].name
		snap.CurrentPhase = &name
	}
	if s.errCtx != nil {
		ec := *s.errCtx
		snap.Error = &ec
	}
	for _, ph := range s.phases {
		snap.Phases = append(snap.Phases, snapshotPhase(ph))
	}
	return snap
}

func snapshotPhase(ph *phaseState) PhaseSnapshot {
	out := PhaseSnapshot{
		Name:       ph.name,
		Weight:     ph.weight,
		Status:     ph.status,
		Percentage: round2(ph.percentage),
	}
	if ph.startedAt != nil {
		out.StartedAt = ptrTime(*ph.startedAt)
	}
	if ph.completedAt != nil {
		out.CompletedAt = ptrTime(*ph.completedAt)
	}
	if len(ph.attrs) > 0 {
		out.Attrs = make(map[string]any, len(ph.attrs))
		for k, v := range ph.attrs {
			out.Attrs[k] = v
		}
	}
	if ft := ph.files; ft != nil {
		fp := &FilePhaseProgress{
			TotalFiles:     ft.totalFiles,
			FilesCompleted: ft.filesCompleted,
			MatchesTotal:   ft.matchesTotal,
		}
		if cur := ft.current; cur != nil {
			fp.Current = &FileProgress{
				Name:         cur.name,
				TotalPages:   cur.totalPages,
				CurrentPage:  cur.currentPage,
				MatchesFound: cur.matchesFound,
				Percentage:   round2(cur.pageShare() * 100),
			}
		}
		out.Files = fp
	}
	return out
}

// Clone deep-copies a snapshot so stored and in-flight copies cannot alias.
func (sn Snapshot) Clone() Snapshot {
	out := sn
	if sn.CurrentPhase != nil {
		name := *sn.CurrentPhase
		out.CurrentPhase = &name
	}
	if sn.Error != nil {
		ec := *sn.Error
		out.Error = &ec
	}
	out.Phases = make([]PhaseSnapshot, len(sn.Phases))
	for i, ph := range sn.Phases {
		cp := ph
		if ph.StartedAt != nil {
			cp.StartedAt = ptrTime(*ph.StartedAt)
		}
		if ph.CompletedAt != nil {
			cp.CompletedAt = ptrTime(*ph.CompletedAt)
		}
		if ph.Attrs != nil {
			cp.Attrs = make(map[string]any, len(ph.Attrs))
			for k, v := range ph.Attrs {
				cp.Attrs[k] = v
			}
		}
		if ph.Files != nil {
			files := *ph.Files
			if ph.Files.Current != nil {
				cur := *ph.Files.Current
				files.Current = &cur
			}
			cp.Files = &files
		}
		out.Phases[i] = cp
	}
	return out
}

// MarkInterrupted returns a copy recorded as failed because the producer was
// lost across a restart. Observers see an explicit interruption rather than a
// percentage frozen in time.
func (sn Snapshot) MarkInterrupted(now time.Time) Snapshot {
	out := sn.Clone()
	out.Status = StatusFailed
	phase := ""
	if out.CurrentPhase != nil {
		phase = *out.CurrentPhase
	}
	for i := range out.Phases {
		if out.Phases[i].Status == PhaseInProgress {
			out.Phases[i].Status = PhaseFailed
			if phase == "" {
				phase = out.Phases[i].Name
				out.CurrentPhase = &out.Phases[i].Name
			}
		}
	}
	out.Error = &ErrorContext{
		Kind:      ErrorKindInterrupted,
		Message:   "processing interrupted by service restart",
		Phase:     phase,
		Timestamp: now,
	}
	out.LastUpdate = now
	return out
}
