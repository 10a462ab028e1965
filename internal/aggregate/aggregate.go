// Package aggregate maintains the rolling per-category statistics for the
// feedback collected on one activity.
//
// Samples are keyed by participant with replace semantics: a resubmission
// supersedes the participant's prior sample so the snapshot reflects current
// stated state, not a vote count. Averages are maintained with running sums,
// never full rescans.
package aggregate

import (
	"math"
	"time"

	"github.com/wayfarelabs/TripPulse/internal/models"
)

// Aggregator owns the aggregate state for a single (trip, activity) pair.
// It is not safe for concurrent use; the per-trip engine serializes access.
type Aggregator struct {
	activityID string
	samples    map[string]models.FeedbackSample
	sums       map[models.Category]float64
	sumSquares map[models.Category]float64
	now        func() time.Time
}

// New creates an empty aggregator for the given activity.
func New(activityID string) *Aggregator {
	return &Aggregator{
		activityID: activityID,
		samples:    make(map[string]models.FeedbackSample),
		sums:       make(map[models.Category]float64),
		sumSquares: make(map[models.Category]float64),
		now:        time.Now,
	}
}

// ActivityID returns the activity this aggregator covers.
func (a *Aggregator) ActivityID() string {
	return a.activityID
}

// Upsert accepts a validated sample, replacing any prior sample from the
// same participant in O(1) by backing the old values out of the running sums.
func (a *Aggregator) Upsert(sample models.FeedbackSample) {
	if prev, ok := a.samples[sample.ParticipantID]; ok {
		for c, v := range prev.Values {
			a.sums[c] -= float64(v)
			a.sumSquares[c] -= float64(v) * float64(v)
		}
	}
	for c, v := range sample.Values {
		a.sums[c] += float64(v)
		a.sumSquares[c] += float64(v) * float64(v)
	}
	a.samples[sample.ParticipantID] = sample
}

// Sample returns the accepted sample for a participant, if any.
func (a *Aggregator) Sample(participantID string) (models.FeedbackSample, bool) {
	s, ok := a.samples[participantID]
	return s, ok
}

// Responded returns the distinct count of participants with an accepted sample.
func (a *Aggregator) Responded() int {
	return len(a.samples)
}

// Snapshot derives the current aggregate. It is a pure read.
func (a *Aggregator) Snapshot() models.AggregateSnapshot {
	n := len(a.samples)
	categories := make(map[models.Category]models.CategoryAggregate, len(models.Categories()))
	for _, c := range models.Categories() {
		if n == 0 {
			categories[c] = models.CategoryAggregate{}
			continue
		}
		mean := a.sums[c] / float64(n)
		// Population variance from running sums; clamp tiny negatives from
		// floating point cancellation.
		variance := a.sumSquares[c]/float64(n) - mean*mean
		if variance < 0 {
			variance = 0
		}
		categories[c] = models.CategoryAggregate{
			Average: mean,
			Count:   n,
			StdDev:  math.Sqrt(variance),
		}
	}
	return models.AggregateSnapshot{
		ActivityID: a.activityID,
		Categories: categories,
		Responded:  n,
		ComputedAt: a.now(),
	}
}

// Rebuild reconstructs aggregate state from persisted samples, applied in
// submission order so replace semantics hold after a restart.
func Rebuild(activityID string, samples []models.FeedbackSample) *Aggregator {
	agg := New(activityID)
	for _, s := range samples {
		agg.Upsert(s)
	}
	return agg
}
