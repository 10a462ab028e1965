// Package store provides storage backends for TripPulse.
//
// It includes an in-memory store plus SQLite and PostgreSQL backends for
// activities, accepted feedback samples, and the pivot decision log.
package store

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wayfarelabs/TripPulse/internal/models"
)

// Store is the narrow persistence interface the core reads and writes
// through. Reads may be retried with bounded backoff by callers via
// WithReadRetry; write failures surface immediately.
type Store interface {
	// LoadActivity fetches a single activity by id.
	LoadActivity(id string) (*models.Activity, error)

	// CurrentActivity returns the trip's active or awaiting_consensus
	// activity, or nil when no activity is current.
	CurrentActivity(tripID string) (*models.Activity, error)

	// ListActivities returns the trip's activities ordered by ordinal.
	ListActivities(tripID string) ([]models.Activity, error)

	// UpdateActivityStatus persists an activity lifecycle transition.
	UpdateActivityStatus(id string, status models.ActivityStatus) error

	// SaveActivity inserts or replaces an activity row.
	SaveActivity(a models.Activity) error

	// SaveFeedbackSample upserts the accepted sample for the sample's
	// (activity, participant) pair.
	SaveFeedbackSample(s models.FeedbackSample) error

	// ListFeedbackSamples returns accepted samples for an activity; used to
	// rebuild aggregates on startup.
	ListFeedbackSamples(activityID string) ([]models.FeedbackSample, error)

	// AppendDecision appends a pivot decision log entry.
	AppendDecision(d models.PivotDecision) error

	// ListDecisions returns a trip's decision log ordered by decision time.
	ListDecisions(tripID string) ([]models.PivotDecision, error)

	// Close releases backend resources.
	Close() error
}

// Opts holds configuration applied via Option.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite". File paths are
// assumed to be SQLite databases.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Read retry configuration. Writes are never retried here.
const (
	readRetryAttempts = 3
	readRetryBaseWait = 100 * time.Millisecond
)

// WithReadRetry runs a read operation with bounded exponential backoff.
// The last error is returned once attempts are exhausted.
func WithReadRetry(op string, fn func() error) error {
	var err error
	wait := readRetryBaseWait
	for attempt := 1; attempt <= readRetryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < readRetryAttempts {
			slog.Warn("store read retrying", "op", op, "attempt", attempt, "error", err)
			time.Sleep(wait)
			wait *= 2
		}
	}
	slog.Error("store read failed after retries", "op", op, "attempts", readRetryAttempts, "error", err)
	return err
}

// InMemoryStore keeps everything in process memory. It is the default when
// no DSN is configured and the backend used throughout the tests.
type InMemoryStore struct {
	mu         sync.RWMutex
	activities map[string]models.Activity
	samples    map[string]map[string]models.FeedbackSample // activityID -> participantID -> sample
	decisions  []models.PivotDecision
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		activities: make(map[string]models.Activity),
		samples:    make(map[string]map[string]models.FeedbackSample),
	}
}

func (s *InMemoryStore) LoadActivity(id string) (*models.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.activities[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *InMemoryStore) CurrentActivity(tripID string) (*models.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.activities {
		if a.TripID == tripID && (a.Status == models.ActivityActive || a.Status == models.ActivityAwaitingConsensus) {
			cur := a
			return &cur, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListActivities(tripID string) ([]models.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Activity
	for _, a := range s.activities {
		if a.TripID == tripID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (s *InMemoryStore) UpdateActivityStatus(id string, status models.ActivityStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.activities[id]
	if !ok {
		return models.ErrUnknownActivity
	}
	a.Status = status
	s.activities[id] = a
	return nil
}

func (s *InMemoryStore) SaveActivity(a models.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities[a.ID] = a
	return nil
}

func (s *InMemoryStore) SaveFeedbackSample(sample models.FeedbackSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byParticipant, ok := s.samples[sample.ActivityID]
	if !ok {
		byParticipant = make(map[string]models.FeedbackSample)
		s.samples[sample.ActivityID] = byParticipant
	}
	byParticipant[sample.ParticipantID] = sample
	return nil
}

func (s *InMemoryStore) ListFeedbackSamples(activityID string) ([]models.FeedbackSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.FeedbackSample
	for _, sample := range s.samples[activityID] {
		out = append(out, sample)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *InMemoryStore) AppendDecision(d models.PivotDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *InMemoryStore) ListDecisions(tripID string) ([]models.PivotDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PivotDecision
	for _, d := range s.decisions {
		if d.TripID == tripID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
