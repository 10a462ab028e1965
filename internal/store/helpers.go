package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/wayfarelabs/TripPulse/internal/models"
)

// scanActivityRow scans an Activity from a single sql.Row, returning nil
// (not an error) when the row does not exist.
func scanActivityRow(row *sql.Row) (*models.Activity, error) {
	var a models.Activity
	var actType, status string
	var startTime sql.NullTime
	err := row.Scan(&a.ID, &a.TripID, &a.Title, &actType, &status, &a.Ordinal, &startTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan activity failed: %w", err)
	}
	a.Type = models.ActivityType(actType)
	a.Status = models.ActivityStatus(status)
	if startTime.Valid {
		a.StartTime = startTime.Time
	}
	return &a, nil
}

// scanActivities scans all Activity rows.
func scanActivities(rows *sql.Rows) ([]models.Activity, error) {
	var out []models.Activity
	for rows.Next() {
		var a models.Activity
		var actType, status string
		var startTime sql.NullTime
		if err := rows.Scan(&a.ID, &a.TripID, &a.Title, &actType, &status, &a.Ordinal, &startTime); err != nil {
			return nil, fmt.Errorf("scan activity row failed: %w", err)
		}
		a.Type = models.ActivityType(actType)
		a.Status = models.ActivityStatus(status)
		if startTime.Valid {
			a.StartTime = startTime.Time
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity rows failed: %w", err)
	}
	return out, nil
}

// scanFeedbackSamples scans all FeedbackSample rows, decoding the category
// value JSON column.
func scanFeedbackSamples(rows *sql.Rows) ([]models.FeedbackSample, error) {
	var out []models.FeedbackSample
	for rows.Next() {
		var s models.FeedbackSample
		var valuesJSON string
		if err := rows.Scan(&s.ActivityID, &s.ParticipantID, &valuesJSON, &s.SubmittedAt, &s.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("scan feedback sample failed: %w", err)
		}
		s.Values = make(map[models.Category]int)
		if err := json.Unmarshal([]byte(valuesJSON), &s.Values); err != nil {
			return nil, fmt.Errorf("decode feedback sample values failed: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback sample rows failed: %w", err)
	}
	return out, nil
}

// scanDecisions scans all PivotDecision rows.
func scanDecisions(rows *sql.Rows) ([]models.PivotDecision, error) {
	var out []models.PivotDecision
	for rows.Next() {
		var d models.PivotDecision
		var outcome string
		var reasoning sql.NullString
		if err := rows.Scan(&d.ID, &d.ActivityID, &d.TripID, &d.DecidedBy, &outcome, &reasoning, &d.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan decision row failed: %w", err)
		}
		d.Outcome = models.DecisionOutcome(outcome)
		d.Reasoning = reasoning.String
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decision rows failed: %w", err)
	}
	return out, nil
}
