// Package models: event envelopes exchanged between TripPulse and clients.
package models

import "time"

// EventType identifies an outbound event broadcast to room members.
type EventType string

const (
	EventActivityStateChanged EventType = "activity_state_changed"
	EventFeedbackProgress     EventType = "feedback_progress"
	EventRiskAlertRaised      EventType = "risk_alert_raised"
	EventRiskAlertCleared     EventType = "risk_alert_cleared"
	EventDecisionMade         EventType = "decision_made"
	EventParticipantJoined    EventType = "participant_joined"
	EventParticipantLeft      EventType = "participant_left"
	EventConnectionReady      EventType = "connection_established"
	EventHeartbeatAck         EventType = "heartbeat_ack"
)

// Event is the outbound envelope. Only the fields relevant to the event type
// are populated; raw per-participant feedback values are never carried.
type Event struct {
	Type          EventType          `json:"type"`
	TripID        string             `json:"trip_id"`
	Timestamp     time.Time          `json:"timestamp"`
	Activity      *Activity          `json:"activity,omitempty"`
	Snapshot      *AggregateSnapshot `json:"snapshot,omitempty"`
	Assessment    *RiskAssessment    `json:"assessment,omitempty"`
	Responded     int                `json:"responded,omitempty"`
	Total         int                `json:"total,omitempty"`
	OverallTier   SeverityTier       `json:"overall_tier,omitempty"`
	Decision      *PivotDecision     `json:"decision,omitempty"`
	ParticipantID string             `json:"participant_id,omitempty"`
}

// Coalescable reports whether a slow consumer may drop this event in favor
// of a newer one of the same type. State-changing events are never dropped.
func (e Event) Coalescable() bool {
	switch e.Type {
	case EventFeedbackProgress, EventHeartbeatAck:
		return true
	default:
		return false
	}
}

// ClientMessageType identifies an inbound message from a participant.
type ClientMessageType string

const (
	ClientFeedbackSubmit ClientMessageType = "feedback_submit"
	ClientDecision       ClientMessageType = "decision"
	ClientHeartbeat      ClientMessageType = "heartbeat"
)

// ClientMessage is the inbound envelope (participant -> core).
type ClientMessage struct {
	Type           ClientMessageType `json:"type"`
	ActivityID     string            `json:"activity_id,omitempty"`
	Values         map[Category]int  `json:"values,omitempty"`
	IdempotencyKey uint64            `json:"idempotency_key,omitempty"`
	Outcome        DecisionOutcome   `json:"outcome,omitempty"`
	Reason         string            `json:"reason,omitempty"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusRecorded indicates data was successfully recorded via API.
	APIStatusRecorded APIStatus = "recorded"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Recorded creates a recorded API response with a message.
func Recorded(message string) APIResponse {
	return APIResponse{Status: string(APIStatusRecorded), Message: message}
}
