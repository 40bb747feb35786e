package progress

import "math"

// round2 rounds to the two-decimal precision observers see.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// pageShare is the fraction of the current file that has been processed. A
// zero-page file counts as a full share by convention so it can never divide
// by zero or stall the summary.
func (f *fileState) pageShare() float64 {
	if f.totalPages == 0 {
		return 1
	}
	return clamp(float64(f.currentPage)/float64(f.totalPages), 0, 1)
}

// filePhasePercentage computes the sequential multi-file summary:
//
//	((filesCompleted + currentFileShare) / totalFiles) * 100
//
// A phase declared with zero files reports 0 until it is explicitly
// completed, at which point CompletePhase pins it to 100.
func filePhasePercentage(ft *fileTracking) float64 {
	if ft.totalFiles == 0 {
		return 0
	}
	share := float64(ft.filesCompleted)
	if ft.current != nil {
		share += ft.current.pageShare()
	}
	return clamp(share/float64(ft.totalFiles)*100, 0, 100)
}

// recompute derives the weighted overall percentage. The stored value is
// monotonically non-decreasing for the lifetime of the session even if a
// phase-local percentage resets across file boundaries.
func (s *Session) recompute() {
	sum := 0.0
	for _, ph := range s.phases {
		sum += ph.weight * ph.percentage
	}
	overall := round2(clamp(sum, 0, 100))
	if overall > s.overall {
		s.overall = overall
	}
}
