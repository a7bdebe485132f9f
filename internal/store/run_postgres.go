package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/funnelpipe/funnelpipe/internal/models"
)

// CreateRun inserts a new run record. The stored version starts at 1.
func (s *PostgresStore) CreateRun(r models.Run) error {
	stepsJSON, err := marshalSteps(r.Steps)
	if err != nil {
		return err
	}
	now := nowUTC()
	_, err = s.db.Exec(
		`INSERT INTO runs (id, keyword, recipient, steps_json, current_step, next_fire_at, status, attempt, last_error, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11)`,
		r.ID, r.Keyword, r.Recipient, stepsJSON, r.CurrentStep, r.NextFireAt, r.Status, r.Attempt, nilIfEmpty(r.LastError), now, now,
	)
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return models.ErrDuplicateID
		}
		slog.Error("PostgresStore.CreateRun failed", "error", err, "id", r.ID)
		return fmt.Errorf("failed to create run %s: %w", r.ID, err)
	}
	slog.Debug("PostgresStore.CreateRun succeeded", "id", r.ID, "keyword", r.Keyword, "recipient", r.Recipient)
	return nil
}

// UpdateRun persists a run read at r.Version using optimistic concurrency.
// The steps snapshot is immutable for a run's life and is never rewritten.
func (s *PostgresStore) UpdateRun(r models.Run) error {
	result, err := s.db.Exec(
		`UPDATE runs SET current_step = $1, next_fire_at = $2, status = $3, attempt = $4, last_error = $5, version = version + 1, updated_at = $6
		 WHERE id = $7 AND version = $8`,
		r.CurrentStep, r.NextFireAt, r.Status, r.Attempt, nilIfEmpty(r.LastError), nowUTC(), r.ID, r.Version,
	)
	if err != nil {
		slog.Error("PostgresStore.UpdateRun failed", "error", err, "id", r.ID)
		return fmt.Errorf("failed to update run %s: %w", r.ID, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		var exists int
		if err := s.db.QueryRow(`SELECT 1 FROM runs WHERE id = $1`, r.ID).Scan(&exists); err == sql.ErrNoRows {
			return models.ErrNotFound
		}
		return models.ErrStaleVersion
	}
	slog.Debug("PostgresStore.UpdateRun succeeded", "id", r.ID, "status", r.Status, "currentStep", r.CurrentStep)
	return nil
}

// GetRun retrieves a single run by ID.
func (s *PostgresStore) GetRun(id string) (*models.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore.GetRun failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return &r, nil
}

// ListDueRuns returns up to limit active runs due at or before now, soonest first.
func (s *PostgresStore) ListDueRuns(now time.Time, limit int) ([]models.Run, error) {
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM runs WHERE status = 'active' AND next_fire_at <= $1 ORDER BY next_fire_at ASC LIMIT $2`,
		now, limit,
	)
	if err != nil {
		slog.Error("PostgresStore.ListDueRuns query failed", "error", err)
		return nil, fmt.Errorf("failed to query due runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListActiveRuns returns every active run (startup recovery).
func (s *PostgresStore) ListActiveRuns() ([]models.Run, error) {
	rows, err := s.db.Query(`SELECT ` + runColumns + ` FROM runs WHERE status = 'active' ORDER BY next_fire_at ASC`)
	if err != nil {
		slog.Error("PostgresStore.ListActiveRuns query failed", "error", err)
		return nil, fmt.Errorf("failed to query active runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListRuns returns up to limit runs, newest first.
func (s *PostgresStore) ListRuns(limit int) ([]models.Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		slog.Error("PostgresStore.ListRuns query failed", "error", err)
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// DeleteTerminalRunsBefore removes terminal runs last updated before cutoff.
func (s *PostgresStore) DeleteTerminalRunsBefore(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM runs WHERE status IN ('completed', 'cancelled', 'failed') AND updated_at < $1`, cutoff,
	)
	if err != nil {
		slog.Error("PostgresStore.DeleteTerminalRunsBefore failed", "error", err)
		return 0, fmt.Errorf("failed to delete terminal runs: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
