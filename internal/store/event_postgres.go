package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/funnelpipe/funnelpipe/internal/models"
)

// AppendEvent records one event log entry.
func (s *PostgresStore) AppendEvent(e models.Event) error {
	_, err := s.db.Exec(
		`INSERT INTO events (id, level, message, run_id, recipient, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Level, e.Message, nilIfEmpty(e.RunID), nilIfEmpty(e.Recipient), e.Time,
	)
	if err != nil {
		slog.Error("PostgresStore.AppendEvent failed", "error", err, "id", e.ID)
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns up to limit events, oldest first.
func (s *PostgresStore) ListEvents(limit int) ([]models.Event, error) {
	rows, err := s.db.Query(
		`SELECT id, level, message, run_id, recipient, created_at FROM events
		 ORDER BY created_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		slog.Error("PostgresStore.ListEvents query failed", "error", err)
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// DeleteEventsBefore removes events older than cutoff.
func (s *PostgresStore) DeleteEventsBefore(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(`DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		slog.Error("PostgresStore.DeleteEventsBefore failed", "error", err)
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
