// Package store provides storage backends for TripPulse.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/wayfarelabs/TripPulse/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) LoadActivity(id string) (*models.Activity, error) {
	row := s.db.QueryRow(`SELECT id, trip_id, title, type, status, ordinal, start_time FROM activities WHERE id = $1`, id)
	return scanActivityRow(row)
}

func (s *PostgresStore) CurrentActivity(tripID string) (*models.Activity, error) {
	row := s.db.QueryRow(
		`SELECT id, trip_id, title, type, status, ordinal, start_time FROM activities
		 WHERE trip_id = $1 AND status IN ('active', 'awaiting_consensus') LIMIT 1`, tripID)
	return scanActivityRow(row)
}

func (s *PostgresStore) ListActivities(tripID string) ([]models.Activity, error) {
	rows, err := s.db.Query(
		`SELECT id, trip_id, title, type, status, ordinal, start_time FROM activities
		 WHERE trip_id = $1 ORDER BY ordinal`, tripID)
	if err != nil {
		slog.Error("PostgresStore ListActivities query failed", "error", err, "tripID", tripID)
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()
	return scanActivities(rows)
}

func (s *PostgresStore) UpdateActivityStatus(id string, status models.ActivityStatus) error {
	res, err := s.db.Exec(`UPDATE activities SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		slog.Error("PostgresStore UpdateActivityStatus failed", "error", err, "id", id)
		return fmt.Errorf("failed to update activity %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrUnknownActivity
	}
	return nil
}

func (s *PostgresStore) SaveActivity(a models.Activity) error {
	_, err := s.db.Exec(
		`INSERT INTO activities (id, trip_id, title, type, status, ordinal, start_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   trip_id = EXCLUDED.trip_id, title = EXCLUDED.title, type = EXCLUDED.type,
		   status = EXCLUDED.status, ordinal = EXCLUDED.ordinal, start_time = EXCLUDED.start_time`,
		a.ID, a.TripID, a.Title, string(a.Type), string(a.Status), a.Ordinal, a.StartTime)
	if err != nil {
		slog.Error("PostgresStore SaveActivity failed", "error", err, "id", a.ID)
		return fmt.Errorf("failed to save activity %s: %w", a.ID, err)
	}
	return nil
}

func (s *PostgresStore) SaveFeedbackSample(sample models.FeedbackSample) error {
	valuesJSON, err := json.Marshal(sample.Values)
	if err != nil {
		slog.Error("PostgresStore SaveFeedbackSample marshal failed", "error", err, "participantID", sample.ParticipantID)
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO feedback_samples (activity_id, participant_id, category_values, submitted_at, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (activity_id, participant_id) DO UPDATE SET
		   category_values = EXCLUDED.category_values,
		   submitted_at = EXCLUDED.submitted_at,
		   idempotency_key = EXCLUDED.idempotency_key`,
		sample.ActivityID, sample.ParticipantID, string(valuesJSON), sample.SubmittedAt, sample.IdempotencyKey)
	if err != nil {
		slog.Error("PostgresStore SaveFeedbackSample failed", "error", err, "participantID", sample.ParticipantID)
		return fmt.Errorf("failed to upsert feedback sample for %s: %w", sample.ParticipantID, err)
	}
	return nil
}

func (s *PostgresStore) ListFeedbackSamples(activityID string) ([]models.FeedbackSample, error) {
	rows, err := s.db.Query(
		`SELECT activity_id, participant_id, category_values, submitted_at, idempotency_key
		 FROM feedback_samples WHERE activity_id = $1 ORDER BY submitted_at`, activityID)
	if err != nil {
		slog.Error("PostgresStore ListFeedbackSamples query failed", "error", err, "activityID", activityID)
		return nil, fmt.Errorf("failed to query feedback samples: %w", err)
	}
	defer rows.Close()
	return scanFeedbackSamples(rows)
}

func (s *PostgresStore) AppendDecision(d models.PivotDecision) error {
	_, err := s.db.Exec(
		`INSERT INTO pivot_decisions (id, activity_id, trip_id, decided_by, outcome, reasoning, decided_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.ActivityID, d.TripID, d.DecidedBy, string(d.Outcome), d.Reasoning, d.DecidedAt)
	if err != nil {
		slog.Error("PostgresStore AppendDecision failed", "error", err, "activityID", d.ActivityID)
		return fmt.Errorf("failed to append decision for %s: %w", d.ActivityID, err)
	}
	return nil
}

func (s *PostgresStore) ListDecisions(tripID string) ([]models.PivotDecision, error) {
	rows, err := s.db.Query(
		`SELECT id, activity_id, trip_id, decided_by, outcome, reasoning, decided_at
		 FROM pivot_decisions WHERE trip_id = $1 ORDER BY decided_at`, tripID)
	if err != nil {
		slog.Error("PostgresStore ListDecisions query failed", "error", err, "tripID", tripID)
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
