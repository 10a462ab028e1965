// Package room tracks live WebSocket sessions per trip.
//
// Each trip has at most one session per participant (last writer wins: a new
// connection for the same participant replaces the old one). Outbound events
// go through a bounded per-session queue so one slow consumer cannot stall
// the rest of the room.
package room

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wayfarelabs/TripPulse/internal/models"
)

const (
	// DefaultQueueSize bounds the per-session outbound event queue.
	DefaultQueueSize = 32
	// DefaultWriteWait is the deadline for a single outbound write.
	DefaultWriteWait = 10 * time.Second
	// DefaultPongWait is how long a connection may stay silent before it is
	// considered dead. Pings go out at 9/10 of this interval.
	DefaultPongWait = 60 * time.Second
	// maxMessageSize limits inbound client frames.
	maxMessageSize = 4096
)

// Close reasons sent to the client before the server drops a connection.
const (
	CloseReasonReplaced     = "session_replaced"
	CloseReasonSlowConsumer = "slow_consumer"
)

// Opts holds registry configuration applied via Option.
type Opts struct {
	QueueSize int
	WriteWait time.Duration
	PongWait  time.Duration
}

// Option configures the registry.
type Option func(*Opts)

// WithQueueSize overrides the per-session outbound queue bound.
func WithQueueSize(n int) Option {
	return func(o *Opts) { o.QueueSize = n }
}

// WithWriteWait overrides the outbound write deadline.
func WithWriteWait(d time.Duration) Option {
	return func(o *Opts) { o.WriteWait = d }
}

// WithPongWait overrides the inbound liveness window.
func WithPongWait(d time.Duration) Option {
	return func(o *Opts) { o.PongWait = d }
}

// Registry maps trips to their live sessions. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Session

	queueSize  int
	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
}

// NewRegistry creates an empty session registry.
func NewRegistry(opts ...Option) *Registry {
	cfg := Opts{QueueSize: DefaultQueueSize, WriteWait: DefaultWriteWait, PongWait: DefaultPongWait}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Registry{
		rooms:      make(map[string]map[string]*Session),
		queueSize:  cfg.QueueSize,
		writeWait:  cfg.WriteWait,
		pongWait:   cfg.PongWait,
		pingPeriod: cfg.PongWait * 9 / 10,
	}
}

// Join registers a connection for a participant and starts its write pump.
// If the participant already has a session in the room, the old session is
// closed with CloseReasonReplaced and the new one takes its place. The
// replaced session is returned so the caller can tell replacement from a
// fresh join.
func (r *Registry) Join(tripID string, p models.Participant, conn *websocket.Conn) (*Session, *Session) {
	s := &Session{
		tripID:      tripID,
		participant: p,
		conn:        conn,
		registry:    r,
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		joinedAt:    time.Now(),
	}
	r.mu.Lock()
	sessions, ok := r.rooms[tripID]
	if !ok {
		sessions = make(map[string]*Session)
		r.rooms[tripID] = sessions
	}
	old := sessions[p.ID]
	sessions[p.ID] = s
	r.mu.Unlock()

	if old != nil {
		slog.Info("Registry.Join: replacing session", "tripID", tripID, "participantID", p.ID)
		old.closeWithReason(CloseReasonReplaced)
	}
	go s.writePump()
	return s, old
}

// Leave removes a session from its room. It is idempotent and a no-op when
// the session has already been replaced by a newer one. It reports whether
// the session was the participant's current one.
func (r *Registry) Leave(s *Session) bool {
	r.mu.Lock()
	removed := false
	if sessions, ok := r.rooms[s.tripID]; ok && sessions[s.participant.ID] == s {
		delete(sessions, s.participant.ID)
		if len(sessions) == 0 {
			delete(r.rooms, s.tripID)
		}
		removed = true
	}
	r.mu.Unlock()
	s.shutdown()
	return removed
}

// MembersOf returns a point-in-time snapshot of the room's connected
// participants, ordered by join time.
func (r *Registry) MembersOf(tripID string) []models.Participant {
	r.mu.RLock()
	sessions := r.rooms[tripID]
	out := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].joinedAt.Equal(out[j].joinedAt) {
			return out[i].participant.ID < out[j].participant.ID
		}
		return out[i].joinedAt.Before(out[j].joinedAt)
	})
	members := make([]models.Participant, len(out))
	for i, s := range out {
		p := s.participant
		p.Connected = true
		p.JoinedAt = s.joinedAt
		members[i] = p
	}
	return members
}

// Connected returns the number of live sessions in a room.
func (r *Registry) Connected(tripID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[tripID])
}

// Deliver enqueues an event to every session in the room. Per-session order
// matches call order.
func (r *Registry) Deliver(tripID string, ev models.Event) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.rooms[tripID]))
	for _, s := range r.rooms[tripID] {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	for _, s := range sessions {
		s.Enqueue(ev)
	}
}

// Session is one participant's live connection.
type Session struct {
	tripID      string
	participant models.Participant
	conn        *websocket.Conn
	registry    *Registry
	joinedAt    time.Time

	mu     sync.Mutex
	queue  []models.Event
	closed bool

	notify   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Participant returns the identity bound to this session.
func (s *Session) Participant() models.Participant {
	return s.participant
}

// TripID returns the room this session belongs to.
func (s *Session) TripID() string {
	return s.tripID
}

// Enqueue appends an event to the session's outbound queue. Coalescable
// events replace an older queued event of the same type instead of growing
// the queue. If the queue is full and nothing can be coalesced away, the
// session is closed as a slow consumer; state-changing events are never
// silently dropped.
func (s *Session) Enqueue(ev models.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if ev.Coalescable() {
		for i := len(s.queue) - 1; i >= 0; i-- {
			if s.queue[i].Type == ev.Type {
				s.queue[i] = ev
				s.mu.Unlock()
				s.signal()
				return
			}
		}
	}
	if len(s.queue) >= s.registry.queueSize {
		evicted := false
		for i := range s.queue {
			if s.queue[i].Coalescable() {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			s.mu.Unlock()
			slog.Warn("Session.Enqueue: closing slow consumer", "tripID", s.tripID, "participantID", s.participant.ID)
			s.closeWithReason(CloseReasonSlowConsumer)
			return
		}
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// writePump drains the outbound queue and keeps the connection alive with
// pings. It owns all writes to the connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.registry.pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
			for {
				s.mu.Lock()
				if len(s.queue) == 0 {
					s.mu.Unlock()
					break
				}
				ev := s.queue[0]
				s.queue = s.queue[1:]
				s.mu.Unlock()
				s.conn.SetWriteDeadline(time.Now().Add(s.registry.writeWait))
				if err := s.conn.WriteJSON(ev); err != nil {
					slog.Debug("Session.writePump: write failed", "tripID", s.tripID, "participantID", s.participant.ID, "error", err)
					s.shutdown()
					return
				}
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.registry.writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.shutdown()
				return
			}
		}
	}
}

// ReadLoop consumes inbound client messages until the connection drops.
// Heartbeats are acknowledged directly on this session; everything else is
// handed to the supplied handler. The caller runs this on the connection's
// goroutine and unregisters the session when it returns.
func (s *Session) ReadLoop(handler func(models.Participant, models.ClientMessage)) {
	defer s.shutdown()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.registry.pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.registry.pongWait))
	})
	for {
		var msg models.ClientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Session.ReadLoop: read failed", "tripID", s.tripID, "participantID", s.participant.ID, "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.registry.pongWait))
		if msg.Type == models.ClientHeartbeat {
			s.Enqueue(models.Event{
				Type:          models.EventHeartbeatAck,
				TripID:        s.tripID,
				Timestamp:     time.Now(),
				ParticipantID: s.participant.ID,
			})
			continue
		}
		handler(s.participant, msg)
	}
}

// closeWithReason sends a close frame with the given reason, then shuts the
// session down.
func (s *Session) closeWithReason(reason string) {
	deadline := time.Now().Add(s.registry.writeWait)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		slog.Debug("Session.closeWithReason: close frame failed", "participantID", s.participant.ID, "error", err)
	}
	s.shutdown()
}

// shutdown marks the session closed and stops the write pump. Idempotent.
func (s *Session) shutdown() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
}
