package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/iius-rcox/Credit-Card-Processor-sub004/internal/progress"
)

const (
	snapshotTimeout   = 3 * time.Second
	keepAliveInterval = 15 * time.Second
)

// progressHandler exposes read-only session progress endpoints.
type progressHandler struct {
	tracker *progress.Tracker
	timeout time.Duration
	logger  *zap.Logger
}

func newProgressHandler(tracker *progress.Tracker, logger *zap.Logger) *progressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &progressHandler{
		tracker: tracker,
		timeout: snapshotTimeout,
		logger:  logger,
	}
}

// GetProgress handles GET /api/sessions/{session_id}/progress. It returns the
// full snapshot on success, 400 for malformed IDs, 404 for unknown sessions,
// or 500 if the repository call fails.
func (h *progressHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	snap, err := h.tracker.Snapshot(ctx, sessionID)
	if err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error("get progress failed",
			zap.String("session_id", sessionID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load progress")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// StreamProgress handles GET /api/sessions/{session_id}/progress/stream as a
// Server-Sent Events stream. The first frame is always a progress event with
// the current snapshot; the stream ends after the complete or error event, or
// when the client disconnects. Comment frames keep intermediaries from timing
// out the connection between events.
func (h *progressHandler) StreamProgress(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, err := h.tracker.Subscribe(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error("subscribe failed",
			zap.String("session_id", sessionID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeSSE(w, evt); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt progress.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
