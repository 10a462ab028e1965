package api

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wayfarelabs/TripPulse/internal/models"
)

func dialWS(t *testing.T, f *serverFixture, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/trip-1?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s failed: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWSEvent(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev models.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event failed: %v", err)
	}
	return ev
}

func TestWebSocketWelcomeAndFeedback(t *testing.T) {
	f := newTestServer(t, seedActivity("a1", models.ActivityActive, 1))
	conn := dialWS(t, f, "participant_id=alice&name=Alice")

	welcome := readWSEvent(t, conn)
	if welcome.Type != models.EventConnectionReady {
		t.Fatalf("first event = %s, want connection_established", welcome.Type)
	}
	if welcome.Activity == nil || welcome.Activity.ID != "a1" {
		t.Errorf("welcome activity = %+v, want a1", welcome.Activity)
	}

	members := f.registry.MembersOf("trip-1")
	if len(members) != 1 || members[0].ID != "alice" {
		t.Fatalf("members = %+v, want alice connected", members)
	}

	if err := conn.WriteJSON(models.ClientMessage{
		Type:           models.ClientFeedbackSubmit,
		ActivityID:     "a1",
		Values:         allValues(3),
		IdempotencyKey: 1,
	}); err != nil {
		t.Fatalf("feedback write failed: %v", err)
	}

	// The submit comes back as a progress broadcast to the room.
	deadline := time.Now().Add(2 * time.Second)
	for {
		ev := readWSEvent(t, conn)
		if ev.Type == models.EventFeedbackProgress {
			if ev.Responded != 1 || ev.Total != 1 {
				t.Errorf("progress = %d/%d, want 1/1", ev.Responded, ev.Total)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("never saw a feedback_progress event")
		}
	}

	samples, _ := f.store.ListFeedbackSamples("a1")
	if len(samples) != 1 || samples[0].ParticipantID != "alice" {
		t.Errorf("persisted samples = %+v, want one from alice", samples)
	}
}

func TestWebSocketRequiresIdentity(t *testing.T) {
	f := newTestServer(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/trip-1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected the upgrade to be refused without an identity")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Errorf("refusal status = %+v, want 400", resp)
	}
}

func TestWebSocketReplacementAndPresence(t *testing.T) {
	f := newTestServer(t, seedActivity("a1", models.ActivityActive, 1))

	first := dialWS(t, f, "participant_id=alice")
	readWSEvent(t, first) // welcome

	second := dialWS(t, f, "participant_id=alice")
	readWSEvent(t, second) // welcome

	// The first connection is told it was replaced.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := first.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		if !ok {
			t.Fatalf("expected a close error on the stale connection, got %v", err)
		}
		if closeErr.Text != "session_replaced" {
			t.Errorf("close reason = %q, want session_replaced", closeErr.Text)
		}
		break
	}

	if got := f.registry.Connected("trip-1"); got != 1 {
		t.Errorf("Connected = %d, want 1 after replacement", got)
	}
}

// recordingEngine captures the engine calls made by the message pump.
type recordingEngine struct {
	samples   []models.FeedbackSample
	decisions []models.DecisionOutcome
}

func (r *recordingEngine) SubmitFeedback(ctx context.Context, s models.FeedbackSample) error {
	r.samples = append(r.samples, s)
	return nil
}

func (r *recordingEngine) HostDecision(ctx context.Context, p models.Participant, o models.DecisionOutcome, reason string) error {
	r.decisions = append(r.decisions, o)
	return nil
}

func TestHandleClientMessageRouting(t *testing.T) {
	s := &Server{}
	e := &recordingEngine{}
	from := models.Participant{ID: "alice", Role: models.RoleMember}

	s.handleClientMessage(e, "trip-1", from, models.ClientMessage{
		Type:           models.ClientFeedbackSubmit,
		ActivityID:     "a1",
		Values:         allValues(2),
		IdempotencyKey: 7,
	})
	if len(e.samples) != 1 {
		t.Fatalf("feedback calls = %d, want 1", len(e.samples))
	}
	got := e.samples[0]
	if got.ParticipantID != "alice" || got.ActivityID != "a1" || got.IdempotencyKey != 7 {
		t.Errorf("sample = %+v, want identity and key carried over", got)
	}

	s.handleClientMessage(e, "trip-1", from, models.ClientMessage{
		Type:    models.ClientDecision,
		Outcome: models.OutcomeForceContinue,
	})
	if len(e.decisions) != 1 || e.decisions[0] != models.OutcomeForceContinue {
		t.Errorf("decisions = %v, want [force_continue]", e.decisions)
	}

	s.handleClientMessage(e, "trip-1", from, models.ClientMessage{Type: "mystery"})
	if len(e.samples) != 1 || len(e.decisions) != 1 {
		t.Error("unknown message types must not reach the engine")
	}
}
