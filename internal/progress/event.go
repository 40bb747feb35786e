package progress

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies what a streamed Event carries.
type EventType string

// Supported event types.
const (
	// EventProgress carries a full snapshot after any accepted mutation,
	// and as the first event on every new subscription.
	EventProgress EventType = "progress"
	// EventHeartbeat keeps an otherwise idle subscription distinguishable
	// from a dead connection.
	EventHeartbeat EventType = "heartbeat"
	// EventComplete fires once when the session completes; the stream
	// closes afterwards.
	EventComplete EventType = "complete"
	// EventError fires once when the session fails, carrying the error
	// context; the stream closes afterwards.
	EventError EventType = "error"
)

// Event is the tagged union delivered to subscribers. Every progress,
// complete, and error event carries the full snapshot rather than a diff, so
// a dropped event is healed by the next one.
type Event struct {
	Type      EventType     `json:"type"`
	SessionID uuid.UUID     `json:"session_id"`
	TS        time.Time     `json:"ts"`
	Snapshot  *Snapshot     `json:"snapshot,omitempty"`
	Error     *ErrorContext `json:"error,omitempty"`
}

func progressEvent(snap Snapshot, now time.Time) Event {
	return Event{
		Type:      EventProgress,
		SessionID: snap.SessionID,
		TS:        now,
		Snapshot:  &snap,
	}
}

// terminalEvent maps a terminal snapshot to its complete or error event.
func terminalEvent(snap Snapshot, now time.Time) Event {
	evt := Event{
		SessionID: snap.SessionID,
		TS:        now,
		Snapshot:  &snap,
	}
	if snap.Status == StatusFailed {
		evt.Type = EventError
		evt.Error = snap.Error
	} else {
		evt.Type = EventComplete
	}
	return evt
}

func heartbeatEvent(sessionID uuid.UUID, now time.Time) Event {
	return Event{
		Type:      EventHeartbeat,
		SessionID: sessionID,
		TS:        now,
	}
}
