// Package replay handles feedback that was queued on a client while it was
// offline and is resubmitted after reconnect.
//
// Clients stamp each queued sample with a monotonically increasing
// idempotency key. The tracker remembers the highest key accepted per
// participant, so a replayed batch can be applied in order with duplicates
// suppressed instead of re-counted. Samples aimed at an activity that is no
// longer current are reported as expired, never applied.
package replay

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/wayfarelabs/TripPulse/internal/models"
)

// ItemStatus is the per-sample outcome of a replay batch.
type ItemStatus string

const (
	// StatusApplied means the sample was accepted and counted.
	StatusApplied ItemStatus = "applied"
	// StatusDuplicate means the sample was already accepted earlier and was
	// suppressed without changing any aggregate.
	StatusDuplicate ItemStatus = "duplicate"
	// StatusExpired means the sample referenced an activity that is no longer
	// the trip's current activity.
	StatusExpired ItemStatus = "expired"
	// StatusRejected means the sample failed validation.
	StatusRejected ItemStatus = "rejected"
)

// Result reports what happened to one replayed sample.
type Result struct {
	IdempotencyKey uint64     `json:"idempotency_key"`
	Status         ItemStatus `json:"status"`
	Detail         string     `json:"detail,omitempty"`
}

// Applier submits one sample to the feedback pipeline.
type Applier func(sample models.FeedbackSample) error

// Tracker records the highest idempotency key accepted per participant.
// Safe for concurrent use.
type Tracker struct {
	mu   sync.Mutex
	last map[string]uint64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{last: make(map[string]uint64)}
}

// Seen reports whether a key was already accepted for the participant.
// A zero key carries no idempotency information and is never a duplicate.
func (t *Tracker) Seen(participantID string, key uint64) bool {
	if key == 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return key <= t.last[participantID]
}

// Record marks a key as accepted for the participant.
func (t *Tracker) Record(participantID string, key uint64) {
	if key == 0 {
		return
	}
	t.mu.Lock()
	if key > t.last[participantID] {
		t.last[participantID] = key
	}
	t.mu.Unlock()
}

// Rebuild restores tracker state from persisted samples after a restart.
func (t *Tracker) Rebuild(samples []models.FeedbackSample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range samples {
		if s.IdempotencyKey > t.last[s.ParticipantID] {
			t.last[s.ParticipantID] = s.IdempotencyKey
		}
	}
}

// Replay applies a batch of queued samples in submission order. Duplicates
// are suppressed, stale-activity samples are reported expired, and a
// rejected sample does not stop the rest of the batch. The returned results
// are index-aligned with the batch.
func (t *Tracker) Replay(participantID string, batch []models.FeedbackSample, apply Applier) []Result {
	results := make([]Result, 0, len(batch))
	for _, sample := range batch {
		res := Result{IdempotencyKey: sample.IdempotencyKey}
		switch {
		case t.Seen(participantID, sample.IdempotencyKey):
			res.Status = StatusDuplicate
		default:
			err := apply(sample)
			switch {
			case err == nil:
				t.Record(participantID, sample.IdempotencyKey)
				res.Status = StatusApplied
			case errors.Is(err, models.ErrUnknownActivity), errors.Is(err, models.ErrExpiredReplay):
				res.Status = StatusExpired
				res.Detail = models.ErrExpiredReplay.Error()
			default:
				res.Status = StatusRejected
				res.Detail = err.Error()
			}
		}
		results = append(results, res)
	}
	slog.Debug("Tracker.Replay: batch processed", "participantID", participantID, "count", len(batch))
	return results
}
