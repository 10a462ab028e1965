// Package models defines the core data structures for TripPulse.
//
// It includes the trip/activity/participant domain types, the five-category
// feedback model, derived aggregate and risk types, and the event envelopes
// shared across modules.
package models

import (
	"errors"
	"time"
)

// Category identifies one of the fixed feedback categories.
type Category string

const (
	// CategoryTired measures how tired the participant feels.
	CategoryTired Category = "tired"
	// CategoryEnergetic measures energy level (low values are concerning).
	CategoryEnergetic Category = "energetic"
	// CategorySick measures how healthy the participant feels (1=sick, 5=healthy).
	CategorySick Category = "sick"
	// CategoryHungry measures hunger (high values are concerning).
	CategoryHungry Category = "hungry"
	// CategoryAdventurous measures willingness for engaging activities.
	CategoryAdventurous Category = "adventurous"
)

// Feedback scale bounds. Values outside [ScaleMin, ScaleMax] are rejected.
const (
	ScaleMin = 1
	ScaleMax = 5
)

// Categories returns the fixed closed set of feedback categories.
func Categories() []Category {
	return []Category{CategoryTired, CategoryEnergetic, CategorySick, CategoryHungry, CategoryAdventurous}
}

// IsValidCategory checks if the given category is part of the fixed set.
func IsValidCategory(c Category) bool {
	switch c {
	case CategoryTired, CategoryEnergetic, CategorySick, CategoryHungry, CategoryAdventurous:
		return true
	default:
		return false
	}
}

// HigherIsWorse reports the concern direction of a category. For tired and
// hungry a high value is concerning; for the rest a low value is.
func HigherIsWorse(c Category) bool {
	switch c {
	case CategoryTired, CategoryHungry:
		return true
	default:
		return false
	}
}

// DefaultCategoryWeights returns the default weighting used when computing
// the overall risk score.
func DefaultCategoryWeights() map[Category]float64 {
	return map[Category]float64{
		CategoryTired:       0.3,
		CategoryEnergetic:   0.25,
		CategorySick:        0.25,
		CategoryHungry:      0.1,
		CategoryAdventurous: 0.1,
	}
}

// Error variables for better error handling and testability
var (
	// Validation errors: rejected synchronously, no state change.
	ErrUnknownActivity  = errors.New("activity is not the trip's current activity")
	ErrValueOutOfRange  = errors.New("category value outside declared scale")
	ErrUnknownCategory  = errors.New("unknown feedback category")
	ErrMissingCategory  = errors.New("feedback must cover every category")
	ErrEmptyParticipant = errors.New("participant id cannot be empty")

	// State conflict errors: invalid transitions, reported to the initiator.
	ErrActivityInProgress     = errors.New("another activity is already in progress")
	ErrInvalidTransition      = errors.New("invalid activity state transition")
	ErrRiskTooHighToContinue  = errors.New("overall risk too high to continue")
	ErrNotHost                = errors.New("operation is restricted to the trip host")
	ErrDecisionAlreadyPending = errors.New("a decision is already being resolved")

	// Infrastructure errors.
	ErrStoreUnavailable = errors.New("persistence store unavailable")
	ErrProviderTimeout  = errors.New("recommendation provider timed out")
	ErrProviderError    = errors.New("recommendation provider failed")
	ErrExpiredReplay    = errors.New("replayed feedback references a stale activity")
)

// ParticipantRole distinguishes the trip host from regular members.
type ParticipantRole string

const (
	// RoleHost may force-continue and trigger manual consensus rounds.
	RoleHost ParticipantRole = "host"
	// RoleMember is a regular trip participant.
	RoleMember ParticipantRole = "member"
)

// Participant represents a trip member. Identity is supplied by an external
// provider; TripPulse never validates credentials.
type Participant struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Role      ParticipantRole `json:"role"`
	Connected bool            `json:"connected"`
	JoinedAt  time.Time       `json:"joined_at,omitempty"`
}

// Trip owns a participant roster and an ordered activity sequence. TripPulse
// only reads trip identity and roster; trip CRUD lives elsewhere.
type Trip struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ActivityStatus is the lifecycle state of an activity.
type ActivityStatus string

const (
	// ActivityPending has not started yet.
	ActivityPending ActivityStatus = "pending"
	// ActivityActive is the trip's current activity collecting feedback.
	ActivityActive ActivityStatus = "active"
	// ActivityAwaitingConsensus is paused pending a continue/pivot decision.
	ActivityAwaitingConsensus ActivityStatus = "awaiting_consensus"
	// ActivityCompleted finished normally.
	ActivityCompleted ActivityStatus = "completed"
	// ActivityPivoted was replaced by an alternative.
	ActivityPivoted ActivityStatus = "pivoted"
)

// IsValidActivityStatus checks if the given status is supported.
func IsValidActivityStatus(s ActivityStatus) bool {
	switch s {
	case ActivityPending, ActivityActive, ActivityAwaitingConsensus, ActivityCompleted, ActivityPivoted:
		return true
	default:
		return false
	}
}

// ActivityType categorizes an activity; used for context-adjusted thresholds
// and the local pivot fallback heuristic.
type ActivityType string

const (
	ActivityTypePhysical       ActivityType = "physical"
	ActivityTypeCultural       ActivityType = "cultural"
	ActivityTypeFood           ActivityType = "food"
	ActivityTypeRelaxing       ActivityType = "relaxing"
	ActivityTypeTransportation ActivityType = "transportation"
)

// IntensityRank orders activity types from most to least demanding. The
// pivot fallback picks the pending activity with the lowest rank.
func IntensityRank(t ActivityType) int {
	switch t {
	case ActivityTypePhysical:
		return 4
	case ActivityTypeTransportation:
		return 3
	case ActivityTypeCultural:
		return 2
	case ActivityTypeFood:
		return 1
	case ActivityTypeRelaxing:
		return 0
	default:
		return 2
	}
}

// Activity is one scheduled segment of the trip.
type Activity struct {
	ID        string         `json:"id"`
	TripID    string         `json:"trip_id"`
	Title     string         `json:"title"`
	Type      ActivityType   `json:"type,omitempty"`
	Status    ActivityStatus `json:"status"`
	Ordinal   int            `json:"ordinal"`
	StartTime time.Time      `json:"start_time,omitempty"`
}

// FeedbackSample is one participant's accepted feedback for an activity.
// At most one accepted sample exists per (activity, participant); a
// resubmission replaces the prior sample rather than adding a second row.
type FeedbackSample struct {
	ActivityID     string           `json:"activity_id"`
	ParticipantID  string           `json:"participant_id"`
	Values         map[Category]int `json:"values"`
	SubmittedAt    time.Time        `json:"submitted_at"`
	IdempotencyKey uint64           `json:"idempotency_key"`
}

// Validate checks the sample's category map before any state mutation.
func (s *FeedbackSample) Validate() error {
	if s.ParticipantID == "" {
		return ErrEmptyParticipant
	}
	for c, v := range s.Values {
		if !IsValidCategory(c) {
			return ErrUnknownCategory
		}
		if v < ScaleMin || v > ScaleMax {
			return ErrValueOutOfRange
		}
	}
	for _, c := range Categories() {
		if _, ok := s.Values[c]; !ok {
			return ErrMissingCategory
		}
	}
	return nil
}

// SeverityTier is the ordered classification of how concerning a value is.
type SeverityTier string

const (
	TierExcellent SeverityTier = "EXCELLENT"
	TierLow       SeverityTier = "LOW"
	TierModerate  SeverityTier = "MODERATE"
	TierHigh      SeverityTier = "HIGH"
	TierCritical  SeverityTier = "CRITICAL"
)

// Rank returns the tier's position in the EXCELLENT..CRITICAL ordering.
func (t SeverityTier) Rank() int {
	switch t {
	case TierExcellent:
		return 0
	case TierLow:
		return 1
	case TierModerate:
		return 2
	case TierHigh:
		return 3
	case TierCritical:
		return 4
	default:
		return 0
	}
}

// TierFromRank is the inverse of Rank, clamping out-of-range values.
func TierFromRank(rank int) SeverityTier {
	switch {
	case rank <= 0:
		return TierExcellent
	case rank == 1:
		return TierLow
	case rank == 2:
		return TierModerate
	case rank == 3:
		return TierHigh
	default:
		return TierCritical
	}
}

// CategoryAggregate is the rolling per-category statistic.
type CategoryAggregate struct {
	Average float64      `json:"average"`
	Count   int          `json:"count"`
	StdDev  float64      `json:"std_dev"`
	Tier    SeverityTier `json:"tier,omitempty"`
}

// AggregateSnapshot is the derived, non-durable aggregate for the current
// activity. Raw per-participant values are never exposed through it.
type AggregateSnapshot struct {
	ActivityID string                         `json:"activity_id"`
	Categories map[Category]CategoryAggregate `json:"categories"`
	Responded  int                            `json:"responded"`
	ComputedAt time.Time                      `json:"computed_at"`
}

// ThresholdBounds are the tier boundaries on the normalized 0..100 concern
// scale for one category.
type ThresholdBounds struct {
	CriticalBound float64 `json:"critical_bound"`
	HighBound     float64 `json:"high_bound"`
	ModerateBound float64 `json:"moderate_bound"`
	LowBound      float64 `json:"low_bound"`
}

// DefaultThresholdBounds returns the standard tier cuts.
func DefaultThresholdBounds() ThresholdBounds {
	return ThresholdBounds{CriticalBound: 75, HighBound: 60, ModerateBound: 40, LowBound: 25}
}

// ThresholdProfile holds per-category bounds plus category weights for a trip.
type ThresholdProfile struct {
	Bounds  map[Category]ThresholdBounds `json:"bounds"`
	Weights map[Category]float64         `json:"weights"`
}

// RiskAssessment is the Threshold Monitor's classification of a snapshot.
type RiskAssessment struct {
	OverallTier  SeverityTier              `json:"overall_tier"`
	OverallScore float64                   `json:"overall_score"`
	PerCategory  map[Category]SeverityTier `json:"per_category"`
	AlertRaised  bool                      `json:"alert_raised,omitempty"`
	AlertCleared bool                      `json:"alert_cleared,omitempty"`
}

// DecisionOutcome is the resolution of a consensus round.
type DecisionOutcome string

const (
	// OutcomeContinue keeps the current activity; requires risk <= MODERATE.
	OutcomeContinue DecisionOutcome = "continue"
	// OutcomePivot replaces the activity with a recommended alternative.
	OutcomePivot DecisionOutcome = "pivot_with_recommendation"
	// OutcomeForceContinue is the host override that bypasses alert state.
	OutcomeForceContinue DecisionOutcome = "force_continue"
	// OutcomeConsensusRequested is the synthetic system entry logged when an
	// activity moves into awaiting_consensus.
	OutcomeConsensusRequested DecisionOutcome = "consensus_requested"
)

// IsValidDecisionOutcome checks host-submittable outcomes.
func IsValidDecisionOutcome(o DecisionOutcome) bool {
	switch o {
	case OutcomeContinue, OutcomePivot, OutcomeForceContinue:
		return true
	default:
		return false
	}
}

// SystemDecider marks decisions authored by the engine rather than a person.
const SystemDecider = "system"

// PivotDecision is an append-only log entry terminating a consensus round.
type PivotDecision struct {
	ID         string          `json:"id"`
	ActivityID string          `json:"activity_id"`
	TripID     string          `json:"trip_id"`
	DecidedBy  string          `json:"decided_by"`
	Outcome    DecisionOutcome `json:"outcome"`
	Reasoning  string          `json:"reasoning,omitempty"`
	DecidedAt  time.Time       `json:"decided_at"`
}

// Alternative is one ranked pivot suggestion from the recommendation provider.
type Alternative struct {
	Title  string       `json:"title"`
	Type   ActivityType `json:"type"`
	Reason string       `json:"reason,omitempty"`
}
