// Package api: WebSocket entry point for trip rooms.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wayfarelabs/TripPulse/internal/models"
)

// messageHandleTimeout bounds how long one inbound message may occupy the
// connection's read goroutine.
const messageHandleTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks belong to the fronting proxy; rooms are joined with an
	// externally issued identity.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsHandler upgrades the connection, registers the participant in the trip's
// room, and pumps inbound messages into the trip engine until disconnect.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	tripID := r.PathValue("tripID")
	p := participantFromRequest(r)
	if p.ID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Participant identity is required"))
		return
	}

	e := s.engine(w, tripID)
	if e == nil {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Server.wsHandler: upgrade failed", "tripID", tripID, "participantID", p.ID, "error", err)
		return
	}

	session, replaced := s.registry.Join(tripID, p, conn)
	slog.Info("Server.wsHandler: participant connected",
		"tripID", tripID, "participantID", p.ID, "role", p.Role, "replaced", replaced != nil)

	// Welcome frame with the current activity and aggregate so a client can
	// render without waiting for the next event.
	welcome := models.Event{
		Type:          models.EventConnectionReady,
		TripID:        tripID,
		Timestamp:     time.Now(),
		ParticipantID: p.ID,
	}
	if act, snapshot, _, err := e.Status(r.Context()); err == nil {
		welcome.Activity = act
		welcome.Snapshot = &snapshot
	}
	session.Enqueue(welcome)

	if replaced == nil {
		s.dispatcher.Publish(tripID, models.Event{
			Type:          models.EventParticipantJoined,
			ParticipantID: p.ID,
		})
	}

	session.ReadLoop(func(from models.Participant, msg models.ClientMessage) {
		s.handleClientMessage(e, tripID, from, msg)
	})

	if s.registry.Leave(session) {
		s.dispatcher.Publish(tripID, models.Event{
			Type:          models.EventParticipantLeft,
			ParticipantID: p.ID,
		})
		slog.Info("Server.wsHandler: participant disconnected", "tripID", tripID, "participantID", p.ID)
	}
}

func (s *Server) handleClientMessage(e engineIface, tripID string, from models.Participant, msg models.ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), messageHandleTimeout)
	defer cancel()
	switch msg.Type {
	case models.ClientFeedbackSubmit:
		sample := models.FeedbackSample{
			ActivityID:     msg.ActivityID,
			ParticipantID:  from.ID,
			Values:         msg.Values,
			IdempotencyKey: msg.IdempotencyKey,
		}
		if err := e.SubmitFeedback(ctx, sample); err != nil {
			slog.Warn("Server.handleClientMessage: feedback rejected",
				"tripID", tripID, "participantID", from.ID, "error", err)
		}
	case models.ClientDecision:
		if err := e.HostDecision(ctx, from, msg.Outcome, msg.Reason); err != nil {
			slog.Warn("Server.handleClientMessage: decision rejected",
				"tripID", tripID, "participantID", from.ID, "outcome", msg.Outcome, "error", err)
		}
	default:
		slog.Debug("Server.handleClientMessage: unknown message type",
			"tripID", tripID, "participantID", from.ID, "type", msg.Type)
	}
}

// engineIface is the slice of the trip engine the message pump needs; tests
// substitute a recording fake.
type engineIface interface {
	SubmitFeedback(ctx context.Context, sample models.FeedbackSample) error
	HostDecision(ctx context.Context, p models.Participant, outcome models.DecisionOutcome, reason string) error
}
