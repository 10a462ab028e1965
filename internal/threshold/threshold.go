// Package threshold classifies aggregate feedback snapshots into severity
// tiers and an overall risk level, and decides when to raise or clear the
// group risk alert.
package threshold

import (
	"log/slog"
	"math"
	"time"

	"github.com/wayfarelabs/TripPulse/internal/models"
)

// Adjusted bounds are clamped to this range so context tweaks can never
// disable or permanently trip the alert.
const (
	minBound = 20
	maxBound = 95
)

// Monitor evaluates snapshots against a threshold profile and tracks the
// edge-triggered alert state for one trip. It is not safe for concurrent
// use; the per-trip engine serializes access.
type Monitor struct {
	profile     models.ThresholdProfile
	alertActive bool
}

// NewMonitor creates a monitor with the given profile.
func NewMonitor(profile models.ThresholdProfile) *Monitor {
	if profile.Bounds == nil {
		profile.Bounds = make(map[models.Category]models.ThresholdBounds)
	}
	for _, c := range models.Categories() {
		if _, ok := profile.Bounds[c]; !ok {
			profile.Bounds[c] = models.DefaultThresholdBounds()
		}
	}
	if profile.Weights == nil {
		profile.Weights = models.DefaultCategoryWeights()
	}
	return &Monitor{profile: profile}
}

// NewDefaultMonitor creates a monitor with default bounds and weights.
func NewDefaultMonitor() *Monitor {
	return NewMonitor(models.ThresholdProfile{})
}

// SetProfile swaps the threshold profile, e.g. for a context override
// supplied alongside a recommendation. Alert state is preserved.
func (m *Monitor) SetProfile(profile models.ThresholdProfile) {
	alertActive := m.alertActive
	*m = *NewMonitor(profile)
	m.alertActive = alertActive
}

// Profile returns the active profile.
func (m *Monitor) Profile() models.ThresholdProfile {
	return m.profile
}

// AlertActive reports whether the risk alert is currently raised.
func (m *Monitor) AlertActive() bool {
	return m.alertActive
}

// ClearAlert dismisses an active alert without an Evaluate transition, e.g.
// after a host force-continue override.
func (m *Monitor) ClearAlert() {
	m.alertActive = false
}

// Concern normalizes a raw category value to a 0..100 concern score.
// For higher-is-worse categories the scale maps top-down; for lower-is-worse
// the same boundaries are applied to the scale's complement.
func Concern(c models.Category, value float64) float64 {
	span := float64(models.ScaleMax - models.ScaleMin)
	frac := (value - models.ScaleMin) / span
	if !models.HigherIsWorse(c) {
		frac = 1 - frac
	}
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}
	return frac * 100
}

// classify maps a concern score to a severity tier using the given bounds.
func classify(score float64, b models.ThresholdBounds) models.SeverityTier {
	switch {
	case score >= b.CriticalBound:
		return models.TierCritical
	case score >= b.HighBound:
		return models.TierHigh
	case score >= b.ModerateBound:
		return models.TierModerate
	case score >= b.LowBound:
		return models.TierLow
	default:
		return models.TierExcellent
	}
}

// Classify computes the per-category tiers and overall risk for a snapshot
// without touching alert state. It is a pure read, safe for status queries.
func (m *Monitor) Classify(snapshot models.AggregateSnapshot) models.RiskAssessment {
	perCategory := make(map[models.Category]models.SeverityTier, len(snapshot.Categories))
	var weightedScore, weightedRank, totalWeight float64
	for c, agg := range snapshot.Categories {
		if agg.Count == 0 {
			continue
		}
		score := Concern(c, agg.Average)
		tier := classify(score, m.profile.Bounds[c])
		perCategory[c] = tier
		w := m.profile.Weights[c]
		weightedScore += score * w
		weightedRank += float64(tier.Rank()) * w
		totalWeight += w
	}

	assessment := models.RiskAssessment{PerCategory: perCategory, OverallTier: models.TierExcellent}
	if totalWeight > 0 {
		assessment.OverallScore = weightedScore / totalWeight
		assessment.OverallTier = models.TierFromRank(int(math.Round(weightedRank / totalWeight)))
	}
	return assessment
}

// Escalated reports whether an assessment warrants pausing the activity:
// overall risk at HIGH or above, or any single category at CRITICAL.
func Escalated(a models.RiskAssessment) bool {
	if a.OverallTier.Rank() >= models.TierHigh.Rank() {
		return true
	}
	for _, tier := range a.PerCategory {
		if tier == models.TierCritical {
			return true
		}
	}
	return false
}

// Evaluate classifies a snapshot and updates the edge-triggered alert state.
// AlertRaised is set only on the transition into the escalated range;
// AlertCleared only on the transition back out of it.
func (m *Monitor) Evaluate(snapshot models.AggregateSnapshot) models.RiskAssessment {
	assessment := m.Classify(snapshot)

	switch escalated := Escalated(assessment); {
	case escalated && !m.alertActive:
		m.alertActive = true
		assessment.AlertRaised = true
		slog.Info("Monitor.Evaluate: risk alert raised", "activityID", snapshot.ActivityID, "tier", assessment.OverallTier, "score", assessment.OverallScore)
	case !escalated && m.alertActive:
		m.alertActive = false
		assessment.AlertCleared = true
		slog.Info("Monitor.Evaluate: risk alert cleared", "activityID", snapshot.ActivityID, "tier", assessment.OverallTier)
	}
	return assessment
}

// boundsDelta is an additive adjustment to the critical/high bounds.
type boundsDelta struct {
	critical float64
	high     float64
}

// activityTypeDeltas loosens or tightens bounds per activity type, e.g. a
// food activity tolerates less hunger before alerting.
var activityTypeDeltas = map[models.ActivityType]boundsDelta{
	models.ActivityTypePhysical:       {critical: -10, high: -5},
	models.ActivityTypeRelaxing:       {critical: 5, high: 5},
	models.ActivityTypeCultural:       {},
	models.ActivityTypeFood:           {critical: -5, high: -5},
	models.ActivityTypeTransportation: {critical: -5, high: 0},
}

// timeOfDayDelta returns the adjustment for the hour of day: evenings and
// nights alert earlier, mornings later.
func timeOfDayDelta(hour int) boundsDelta {
	switch {
	case hour >= 6 && hour <= 10:
		return boundsDelta{critical: 5, high: 5}
	case hour >= 14 && hour <= 18:
		return boundsDelta{critical: -5, high: -5}
	case hour >= 20 && hour <= 23:
		return boundsDelta{critical: -10, high: -5}
	default:
		return boundsDelta{critical: -15, high: -10}
	}
}

// ContextAdjusted returns a copy of the profile with activity-type and
// time-of-day adjustments applied. This is a pure configuration lookup.
func ContextAdjusted(base models.ThresholdProfile, activityType models.ActivityType, at time.Time) models.ThresholdProfile {
	adjusted := models.ThresholdProfile{
		Bounds:  make(map[models.Category]models.ThresholdBounds, len(base.Bounds)),
		Weights: base.Weights,
	}
	typeDelta := activityTypeDeltas[activityType]
	todDelta := timeOfDayDelta(at.Hour())
	for c, b := range base.Bounds {
		b.CriticalBound = clampBound(b.CriticalBound + typeDelta.critical + todDelta.critical)
		b.HighBound = clampBound(b.HighBound + typeDelta.high + todDelta.high)
		adjusted.Bounds[c] = b
	}
	return adjusted
}

func clampBound(v float64) float64 {
	if v < minBound {
		return minBound
	}
	if v > maxBound {
		return maxBound
	}
	return v
}
