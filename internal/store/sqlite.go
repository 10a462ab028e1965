// Package store provides storage backends for TripPulse.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wayfarelabs/TripPulse/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LoadActivity(id string) (*models.Activity, error) {
	row := s.db.QueryRow(`SELECT id, trip_id, title, type, status, ordinal, start_time FROM activities WHERE id = ?`, id)
	return scanActivityRow(row)
}

func (s *SQLiteStore) CurrentActivity(tripID string) (*models.Activity, error) {
	row := s.db.QueryRow(
		`SELECT id, trip_id, title, type, status, ordinal, start_time FROM activities
		 WHERE trip_id = ? AND status IN ('active', 'awaiting_consensus') LIMIT 1`, tripID)
	return scanActivityRow(row)
}

func (s *SQLiteStore) ListActivities(tripID string) ([]models.Activity, error) {
	rows, err := s.db.Query(
		`SELECT id, trip_id, title, type, status, ordinal, start_time FROM activities
		 WHERE trip_id = ? ORDER BY ordinal`, tripID)
	if err != nil {
		slog.Error("SQLiteStore ListActivities query failed", "error", err, "tripID", tripID)
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()
	return scanActivities(rows)
}

func (s *SQLiteStore) UpdateActivityStatus(id string, status models.ActivityStatus) error {
	res, err := s.db.Exec(`UPDATE activities SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		slog.Error("SQLiteStore UpdateActivityStatus failed", "error", err, "id", id)
		return fmt.Errorf("failed to update activity %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrUnknownActivity
	}
	slog.Debug("SQLiteStore UpdateActivityStatus succeeded", "id", id, "status", status)
	return nil
}

func (s *SQLiteStore) SaveActivity(a models.Activity) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO activities (id, trip_id, title, type, status, ordinal, start_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TripID, a.Title, string(a.Type), string(a.Status), a.Ordinal, a.StartTime)
	if err != nil {
		slog.Error("SQLiteStore SaveActivity failed", "error", err, "id", a.ID)
		return fmt.Errorf("failed to save activity %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLiteStore) SaveFeedbackSample(sample models.FeedbackSample) error {
	valuesJSON, err := json.Marshal(sample.Values)
	if err != nil {
		slog.Error("SQLiteStore SaveFeedbackSample marshal failed", "error", err, "participantID", sample.ParticipantID)
		return err
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO feedback_samples (activity_id, participant_id, category_values, submitted_at, idempotency_key)
		 VALUES (?, ?, ?, ?, ?)`,
		sample.ActivityID, sample.ParticipantID, string(valuesJSON), sample.SubmittedAt, sample.IdempotencyKey)
	if err != nil {
		slog.Error("SQLiteStore SaveFeedbackSample failed", "error", err, "participantID", sample.ParticipantID)
		return fmt.Errorf("failed to upsert feedback sample for %s: %w", sample.ParticipantID, err)
	}
	slog.Debug("SQLiteStore SaveFeedbackSample succeeded", "activityID", sample.ActivityID, "participantID", sample.ParticipantID)
	return nil
}

func (s *SQLiteStore) ListFeedbackSamples(activityID string) ([]models.FeedbackSample, error) {
	rows, err := s.db.Query(
		`SELECT activity_id, participant_id, category_values, submitted_at, idempotency_key
		 FROM feedback_samples WHERE activity_id = ? ORDER BY submitted_at`, activityID)
	if err != nil {
		slog.Error("SQLiteStore ListFeedbackSamples query failed", "error", err, "activityID", activityID)
		return nil, fmt.Errorf("failed to query feedback samples: %w", err)
	}
	defer rows.Close()
	return scanFeedbackSamples(rows)
}

func (s *SQLiteStore) AppendDecision(d models.PivotDecision) error {
	_, err := s.db.Exec(
		`INSERT INTO pivot_decisions (id, activity_id, trip_id, decided_by, outcome, reasoning, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ActivityID, d.TripID, d.DecidedBy, string(d.Outcome), d.Reasoning, d.DecidedAt)
	if err != nil {
		slog.Error("SQLiteStore AppendDecision failed", "error", err, "activityID", d.ActivityID)
		return fmt.Errorf("failed to append decision for %s: %w", d.ActivityID, err)
	}
	slog.Debug("SQLiteStore AppendDecision succeeded", "activityID", d.ActivityID, "outcome", d.Outcome)
	return nil
}

func (s *SQLiteStore) ListDecisions(tripID string) ([]models.PivotDecision, error) {
	rows, err := s.db.Query(
		`SELECT id, activity_id, trip_id, decided_by, outcome, reasoning, decided_at
		 FROM pivot_decisions WHERE trip_id = ? ORDER BY decided_at`, tripID)
	if err != nil {
		slog.Error("SQLiteStore ListDecisions query failed", "error", err, "tripID", tripID)
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
