// Package api provides HTTP handlers for TripPulse endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/wayfarelabs/TripPulse/internal/models"
	"github.com/wayfarelabs/TripPulse/internal/pivot"
	"github.com/wayfarelabs/TripPulse/internal/store"
	"github.com/wayfarelabs/TripPulse/internal/util"
)

// participantFromRequest builds the caller's identity from trusted headers,
// falling back to query parameters for WebSocket clients that cannot set
// headers. Role defaults to member.
func participantFromRequest(r *http.Request) models.Participant {
	p := models.Participant{
		ID:   r.Header.Get("X-Participant-ID"),
		Name: r.Header.Get("X-Participant-Name"),
		Role: models.ParticipantRole(r.Header.Get("X-Participant-Role")),
	}
	q := r.URL.Query()
	if p.ID == "" {
		p.ID = q.Get("participant_id")
	}
	if p.Name == "" {
		p.Name = q.Get("name")
	}
	if p.Role == "" {
		p.Role = models.ParticipantRole(q.Get("role"))
	}
	if p.Role != models.RoleHost {
		p.Role = models.RoleMember
	}
	return p
}

// engine fetches the trip's engine, writing the error response itself when
// recovery fails. Returns nil on failure.
func (s *Server) engine(w http.ResponseWriter, tripID string) *pivot.Engine {
	e, err := s.manager.Engine(tripID)
	if err != nil {
		slog.Error("Server.engine: trip engine unavailable", "tripID", tripID, "error", err)
		writeJSONResponse(w, statusForError(err), models.Error("Trip state unavailable"))
		return nil
	}
	return e
}

func (s *Server) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	tripID := r.PathValue("tripID")
	slog.Debug("Server.snapshotHandler: processing request", "tripID", tripID)
	e := s.engine(w, tripID)
	if e == nil {
		return
	}
	act, snapshot, assessment, err := e.Status(r.Context())
	if err != nil {
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"activity":   act,
		"snapshot":   snapshot,
		"assessment": assessment,
	}))
}

func (s *Server) responseRateHandler(w http.ResponseWriter, r *http.Request) {
	tripID := r.PathValue("tripID")
	e := s.engine(w, tripID)
	if e == nil {
		return
	}
	responded, total, err := e.ResponseRate(r.Context())
	if err != nil {
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	rate := 0.0
	if total > 0 {
		rate = float64(responded) / float64(total)
		if rate > 1 {
			rate = 1
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"responded": responded,
		"total":     total,
		"rate":      rate,
	}))
}

func (s *Server) decisionsHandler(w http.ResponseWriter, r *http.Request) {
	tripID := r.PathValue("tripID")
	var decisions []models.PivotDecision
	err := store.WithReadRetry("ListDecisions", func() error {
		var err error
		decisions, err = s.st.ListDecisions(tripID)
		return err
	})
	if err != nil {
		slog.Error("Server.decisionsHandler: query failed", "tripID", tripID, "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Failed to load decision log"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(decisions))
}

func (s *Server) membersHandler(w http.ResponseWriter, r *http.Request) {
	tripID := r.PathValue("tripID")
	writeJSONResponse(w, http.StatusOK, models.Success(s.registry.MembersOf(tripID)))
}

func (s *Server) listActivitiesHandler(w http.ResponseWriter, r *http.Request) {
	tripID := r.PathValue("tripID")
	var activities []models.Activity
	err := store.WithReadRetry("ListActivities", func() error {
		var err error
		activities, err = s.st.ListActivities(tripID)
		return err
	})
	if err != nil {
		slog.Error("Server.listActivitiesHandler: query failed", "tripID", tripID, "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Failed to load activities"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(activities))
}

func (s *Server) createActivityHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	tripID := r.PathValue("tripID")
	var a models.Activity
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		slog.Warn("Server.createActivityHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if a.Title == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Activity title is required"))
		return
	}
	if a.Type == "" {
		a.Type = models.ActivityTypeCultural
	}
	a.TripID = tripID
	a.Status = models.ActivityPending
	if a.ID == "" {
		a.ID = util.GenerateActivityID()
	}
	if a.Ordinal == 0 {
		if existing, err := s.st.ListActivities(tripID); err == nil {
			for _, e := range existing {
				if e.Ordinal >= a.Ordinal {
					a.Ordinal = e.Ordinal + 1
				}
			}
		}
	}
	if err := s.st.SaveActivity(a); err != nil {
		slog.Error("Server.createActivityHandler: save failed", "tripID", tripID, "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Failed to save activity"))
		return
	}
	slog.Info("Server.createActivityHandler: activity created", "tripID", tripID, "activityID", a.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(a))
}

func (s *Server) startActivityHandler(w http.ResponseWriter, r *http.Request) {
	tripID := r.PathValue("tripID")
	activityID := r.PathValue("activityID")
	slog.Debug("Server.startActivityHandler: processing request", "tripID", tripID, "activityID", activityID)
	e := s.engine(w, tripID)
	if e == nil {
		return
	}
	if err := e.StartActivity(r.Context(), activityID); err != nil {
		slog.Warn("Server.startActivityHandler: start refused", "tripID", tripID, "activityID", activityID, "error", err)
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Activity started", nil))
}

func (s *Server) scheduleActivityHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	tripID := r.PathValue("tripID")
	activityID := r.PathValue("activityID")
	var req struct {
		Cron string `json:"cron"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Cron == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("A cron expression is required"))
		return
	}
	e := s.engine(w, tripID)
	if e == nil {
		return
	}
	entryID, err := s.sched.AddJob(req.Cron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.StartActivity(ctx, activityID); err != nil {
			// Fires every matching tick; once the activity has left pending
			// this is expected noise.
			slog.Debug("scheduled activity start skipped", "tripID", tripID, "activityID", activityID, "error", err)
		}
	})
	if err != nil {
		slog.Warn("Server.scheduleActivityHandler: invalid cron expression", "cron", req.Cron, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid cron expression"))
		return
	}
	slog.Info("Server.scheduleActivityHandler: start scheduled", "tripID", tripID, "activityID", activityID, "cron", req.Cron)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{"entry_id": int(entryID)}))
}

func (s *Server) decisionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	tripID := r.PathValue("tripID")
	p := participantFromRequest(r)
	if p.ID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Participant identity is required"))
		return
	}
	var req struct {
		Outcome models.DecisionOutcome `json:"outcome"`
		Reason  string                 `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if !models.IsValidDecisionOutcome(req.Outcome) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown decision outcome"))
		return
	}
	e := s.engine(w, tripID)
	if e == nil {
		return
	}
	if err := e.HostDecision(r.Context(), p, req.Outcome, req.Reason); err != nil {
		slog.Warn("Server.decisionHandler: decision refused", "tripID", tripID, "outcome", req.Outcome, "error", err)
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	slog.Info("Server.decisionHandler: decision accepted", "tripID", tripID, "outcome", req.Outcome, "decidedBy", p.ID)
	writeJSONResponse(w, http.StatusOK, models.Recorded("Decision recorded"))
}

func (s *Server) consensusHandler(w http.ResponseWriter, r *http.Request) {
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
	if err := e.RequestConsensus(r.Context(), p); err != nil {
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Consensus round opened", nil))
}

func (s *Server) replayHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	tripID := r.PathValue("tripID")
	p := participantFromRequest(r)
	if p.ID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Participant identity is required"))
		return
	}
	var req struct {
		Samples []models.FeedbackSample `json:"samples"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	e := s.engine(w, tripID)
	if e == nil {
		return
	}
	results := e.Replay(r.Context(), p.ID, req.Samples)
	slog.Info("Server.replayHandler: batch replayed", "tripID", tripID, "participantID", p.ID, "count", len(results))
	writeJSONResponse(w, http.StatusOK, models.Success(results))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}))
}
