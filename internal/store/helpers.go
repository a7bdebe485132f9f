package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/funnelpipe/funnelpipe/internal/models"
)

// nowUTC returns the current time truncated to microseconds in UTC, keeping
// SQLite and Postgres timestamp round-trips comparable.
func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// isSQLiteUniqueViolation reports whether err is a SQLite unique constraint
// failure. go-sqlite3 exposes typed errors only with cgo tags, so the message
// check keeps this portable.
func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isPostgresUniqueViolation reports whether err is a Postgres unique
// constraint failure (SQLSTATE 23505).
func isPostgresUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "duplicate key"))
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func marshalSteps(steps []models.Step) (string, error) {
	b, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("marshal steps failed: %w", err)
	}
	return string(b), nil
}

func unmarshalSteps(stepsJSON string) ([]models.Step, error) {
	var steps []models.Step
	if err := json.Unmarshal([]byte(stepsJSON), &steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps failed: %w", err)
	}
	return steps, nil
}

// rowScanner abstracts sql.Row and sql.Rows for shared scan logic.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanRun scans a run row in the canonical column order:
// id, keyword, recipient, steps_json, current_step, next_fire_at, status,
// attempt, last_error, version, created_at, updated_at.
func scanRun(row rowScanner) (models.Run, error) {
	var r models.Run
	var stepsJSON string
	var lastError sql.NullString
	err := row.Scan(
		&r.ID, &r.Keyword, &r.Recipient, &stepsJSON, &r.CurrentStep, &r.NextFireAt,
		&r.Status, &r.Attempt, &lastError, &r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return r, err
	}
	r.LastError = lastError.String
	if r.Steps, err = unmarshalSteps(stepsJSON); err != nil {
		return r, err
	}
	return r, nil
}

// scanEvent scans an event row in the canonical column order:
// id, level, message, run_id, recipient, created_at.
func scanEvent(row rowScanner) (models.Event, error) {
	var e models.Event
	var runID, recipient sql.NullString
	err := row.Scan(&e.ID, &e.Level, &e.Message, &runID, &recipient, &e.Time)
	if err != nil {
		return e, err
	}
	e.RunID = runID.String
	e.Recipient = recipient.String
	return e, nil
}
