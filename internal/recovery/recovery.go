// Package recovery rebuilds a trip's in-memory engine state from the store
// after a restart.
package recovery

import (
	"log/slog"

	"github.com/wayfarelabs/TripPulse/internal/aggregate"
	"github.com/wayfarelabs/TripPulse/internal/models"
	"github.com/wayfarelabs/TripPulse/internal/replay"
	"github.com/wayfarelabs/TripPulse/internal/store"
)

// TripState is the durable state recovered for one trip: the current
// activity, its rebuilt aggregate, and the replay dedup watermarks.
type TripState struct {
	Current    *models.Activity
	Aggregator *aggregate.Aggregator
	Tracker    *replay.Tracker
}

// Load reconstructs a trip's state from persisted rows. Reads go through the
// store retry helper so a briefly unavailable backend does not strand the
// trip without an engine. When the trip has no current activity the returned
// state has a nil Current and empty aggregate.
func Load(st store.Store, tripID string) (*TripState, error) {
	state := &TripState{Tracker: replay.NewTracker()}

	var current *models.Activity
	err := store.WithReadRetry("CurrentActivity", func() error {
		var err error
		current, err = st.CurrentActivity(tripID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if current == nil {
		slog.Debug("recovery.Load: no current activity", "tripID", tripID)
		return state, nil
	}
	state.Current = current

	var samples []models.FeedbackSample
	err = store.WithReadRetry("ListFeedbackSamples", func() error {
		var err error
		samples, err = st.ListFeedbackSamples(current.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	state.Aggregator = aggregate.Rebuild(current.ID, samples)
	state.Tracker.Rebuild(samples)
	slog.Info("recovery.Load: trip state rebuilt",
		"tripID", tripID, "activityID", current.ID, "status", current.Status, "samples", len(samples))
	return state, nil
}
