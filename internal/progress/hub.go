package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iius-rcox/Credit-Card-Processor-sub004/internal/metrics"
)

// HubConfig controls fan-out behavior.
//   - SubscriberBuffer: outbound queue size per subscriber (default 16). A
//     subscriber whose queue overflows is disconnected, never waited on.
//   - HeartbeatInterval: idle period after which a heartbeat is delivered
//     per subscriber (default 30s).
//   - Clock: time source (defaults to the system clock).
//   - Logger: optional structured logger.
type HubConfig struct {
	SubscriberBuffer  int
	HeartbeatInterval time.Duration
	Clock             Clock
	Logger            *zap.Logger
}

const (
	defaultSubscriberBuffer  = 16
	defaultHeartbeatInterval = 30 * time.Second
)

// Hub fans session events out to live subscribers. Delivery is independent
// per subscriber: a full queue drops that subscriber and never blocks the
// producer or its peers.
type Hub struct {
	cfg    HubConfig
	logger *zap.Logger
	mets   *metrics.Collectors

	mu       sync.Mutex
	sessions map[uuid.UUID][]*Subscription
	nextID   uint64
	closed   bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// Subscription is one observer's view of a session stream. Events arrive on
// Events until the session terminates or the subscriber falls behind; the
// channel is closed in either case.
type Subscription struct {
	id        uint64
	sessionID uuid.UUID
	ch        chan Event
	hub       *Hub
	lastSent  time.Time
	detached  bool
	closed    bool
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription from the hub. It is safe to call after the
// hub has already closed the channel.
func (s *Subscription) Close() {
	if s.hub == nil || s.detached {
		return
	}
	s.hub.unsubscribe(s)
}

// NewHub builds a Hub and starts its heartbeat loop.
func NewHub(cfg HubConfig, mets *metrics.Collectors) *Hub {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	// The initial snapshot plus a terminal event must always fit.
	if cfg.SubscriberBuffer < 2 {
		cfg.SubscriberBuffer = 2
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:      cfg,
		logger:   logger,
		mets:     mets,
		sessions: make(map[uuid.UUID][]*Subscription),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go h.heartbeatLoop()
	return h
}

// Subscribe registers a new observer and immediately queues one progress
// event built from the supplied snapshot, so the observer has full context
// before any live event. Subscribing to a session that is already terminal
// also queues the terminal event and closes the stream.
func (h *Hub) Subscribe(sessionID uuid.UUID, initial Snapshot) *Subscription {
	now := h.cfg.Clock.Now()
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscription{
		sessionID: sessionID,
		ch:        make(chan Event, h.cfg.SubscriberBuffer),
		hub:       h,
		lastSent:  now,
	}
	sub.ch <- progressEvent(initial, now)
	h.mets.ObserveEvent(string(EventProgress))

	if h.closed || initial.Status.Terminal() {
		if initial.Status.Terminal() {
			evt := terminalEvent(initial, now)
			sub.ch <- evt
			h.mets.ObserveEvent(string(evt.Type))
		}
		sub.detached = true
		sub.closed = true
		close(sub.ch)
		return sub
	}

	h.nextID++
	sub.id = h.nextID
	h.sessions[sessionID] = append(h.sessions[sessionID], sub)
	h.mets.SubscriberAdded()
	return sub
}

// SubscribeSnapshot builds a detached, already-closed stream for a session
// that only exists in durable storage: one progress event, the terminal event
// when the snapshot is terminal, then end of stream.
func (h *Hub) SubscribeSnapshot(snap Snapshot) *Subscription {
	now := h.cfg.Clock.Now()
	sub := &Subscription{
		sessionID: snap.SessionID,
		ch:        make(chan Event, 2),
		detached:  true,
		closed:    true,
	}
	sub.ch <- progressEvent(snap, now)
	if snap.Status.Terminal() {
		sub.ch <- terminalEvent(snap, now)
	}
	close(sub.ch)
	return sub
}

// Broadcast delivers a progress event with the given snapshot to every live
// subscriber of the session. It never blocks; subscribers that cannot keep up
// are dropped.
func (h *Hub) Broadcast(snap Snapshot) {
	now := h.cfg.Clock.Now()
	evt := progressEvent(snap, now)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliverLocked(snap.SessionID, evt, now)
}

// Terminal delivers the complete or error event for a terminal snapshot and
// closes every subscriber of the session.
func (h *Hub) Terminal(snap Snapshot) {
	now := h.cfg.Clock.Now()
	evt := terminalEvent(snap, now)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliverLocked(snap.SessionID, evt, now)
	h.closeSessionLocked(snap.SessionID)
}

// CloseSession drops all subscribers of a session without a terminal event.
// The reaper uses it when evicting terminal sessions past retention.
func (h *Hub) CloseSession(sessionID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeSessionLocked(sessionID)
}

// SubscriberCount reports the number of live subscribers for a session.
func (h *Hub) SubscriberCount(sessionID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[sessionID])
}

// Close stops the heartbeat loop and drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		<-h.doneCh
		return
	}
	h.closed = true
	for id := range h.sessions {
		h.closeSessionLocked(id)
	}
	close(h.stopCh)
	h.mu.Unlock()
	<-h.doneCh
}

func (h *Hub) deliverLocked(sessionID uuid.UUID, evt Event, now time.Time) {
	subs := h.sessions[sessionID]
	if len(subs) == 0 {
		return
	}
	kept := subs[:0]
	for _, sub := range subs {
		select {
		case sub.ch <- evt:
			sub.lastSent = now
			kept = append(kept, sub)
			h.mets.ObserveEvent(string(evt.Type))
		default:
			// Slow consumer: disconnect instead of blocking the producer.
			sub.closed = true
			close(sub.ch)
			h.mets.SubscriberDropped()
			h.logger.Warn("subscriber dropped on overflow",
				zap.String("session_id", sessionID.String()),
				zap.Uint64("subscriber_id", sub.id))
		}
	}
	if len(kept) == 0 {
		delete(h.sessions, sessionID)
	} else {
		h.sessions[sessionID] = kept
	}
}

func (h *Hub) closeSessionLocked(sessionID uuid.UUID) {
	for _, sub := range h.sessions[sessionID] {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		h.mets.SubscriberRemoved()
	}
	delete(h.sessions, sessionID)
}

func (h *Hub) unsubscribe(target *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.sessions[target.sessionID]
	for i, sub := range subs {
		if sub.id == target.id {
			subs = append(subs[:i], subs[i+1:]...)
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
			h.mets.SubscriberRemoved()
			break
		}
	}
	if len(subs) == 0 {
		delete(h.sessions, target.sessionID)
	} else {
		h.sessions[target.sessionID] = subs
	}
}

// heartbeatLoop scans subscribers and delivers a heartbeat to any that have
// not received an event within the heartbeat interval.
func (h *Hub) heartbeatLoop() {
	defer close(h.doneCh)
	scan := h.cfg.HeartbeatInterval / 2
	if scan < 50*time.Millisecond {
		scan = 50 * time.Millisecond
	}
	ticker := time.NewTicker(scan)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sendHeartbeats()
		}
	}
}

func (h *Hub) sendHeartbeats() {
	now := h.cfg.Clock.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for sessionID, subs := range h.sessions {
		kept := subs[:0]
		for _, sub := range subs {
			if now.Sub(sub.lastSent) < h.cfg.HeartbeatInterval {
				kept = append(kept, sub)
				continue
			}
			select {
			case sub.ch <- heartbeatEvent(sessionID, now):
				sub.lastSent = now
				kept = append(kept, sub)
				h.mets.ObserveEvent(string(EventHeartbeat))
			default:
				sub.closed = true
				close(sub.ch)
				h.mets.SubscriberDropped()
				h.logger.Warn("subscriber dropped on heartbeat overflow",
					zap.String("session_id", sessionID.String()),
					zap.Uint64("subscriber_id", sub.id))
			}
		}
		if len(kept) == 0 {
			delete(h.sessions, sessionID)
		} else {
			h.sessions[sessionID] = kept
		}
	}
}

// systemClock is the fallback Clock when none is injected.
type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}
