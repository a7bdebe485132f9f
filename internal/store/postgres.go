// Package store provides storage backends for FunnelPipe.
//
// This file implements the PostgreSQL-backed store for funnel definitions and
// message templates.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"github.com/funnelpipe/funnelpipe/internal/models"
	_ "github.com/lib/pq"
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

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

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

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

// SaveFunnel upserts a funnel definition atomically.
func (s *PostgresStore) SaveFunnel(f models.FunnelDefinition) error {
	if err := f.Validate(); err != nil {
		return err
	}
	stepsJSON, err := marshalSteps(f.Steps)
	if err != nil {
		slog.Error("PostgresStore.SaveFunnel: marshal steps failed", "error", err, "keyword", f.Keyword)
		return err
	}
	now := nowUTC()
	_, err = s.db.Exec(
		`INSERT INTO funnels (keyword, steps_json, created_at, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (keyword) DO UPDATE SET steps_json = EXCLUDED.steps_json, updated_at = EXCLUDED.updated_at`,
		f.Keyword, stepsJSON, now, now,
	)
	if err != nil {
		slog.Error("PostgresStore.SaveFunnel failed", "error", err, "keyword", f.Keyword)
		return fmt.Errorf("failed to save funnel %q: %w", f.Keyword, err)
	}
	slog.Debug("PostgresStore.SaveFunnel succeeded", "keyword", f.Keyword, "steps", len(f.Steps))
	return nil
}

// GetFunnel returns the definition for a normalized keyword.
func (s *PostgresStore) GetFunnel(keyword string) (*models.FunnelDefinition, error) {
	var f models.FunnelDefinition
	var stepsJSON string
	err := s.db.QueryRow(
		`SELECT keyword, steps_json, created_at, updated_at FROM funnels WHERE keyword = $1`, keyword,
	).Scan(&f.Keyword, &stepsJSON, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore.GetFunnel failed", "error", err, "keyword", keyword)
		return nil, fmt.Errorf("failed to get funnel %q: %w", keyword, err)
	}
	if f.Steps, err = unmarshalSteps(stepsJSON); err != nil {
		return nil, err
	}
	return &f, nil
}

// DeleteFunnel removes a definition.
func (s *PostgresStore) DeleteFunnel(keyword string) error {
	result, err := s.db.Exec(`DELETE FROM funnels WHERE keyword = $1`, keyword)
	if err != nil {
		slog.Error("PostgresStore.DeleteFunnel failed", "error", err, "keyword", keyword)
		return fmt.Errorf("failed to delete funnel %q: %w", keyword, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListFunnels returns keyword -> step count for every stored funnel.
func (s *PostgresStore) ListFunnels() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT keyword, steps_json FROM funnels`)
	if err != nil {
		slog.Error("PostgresStore.ListFunnels query failed", "error", err)
		return nil, fmt.Errorf("failed to query funnels: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var keyword, stepsJSON string
		if err := rows.Scan(&keyword, &stepsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan funnel row: %w", err)
		}
		steps, err := unmarshalSteps(stepsJSON)
		if err != nil {
			return nil, err
		}
		out[keyword] = len(steps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate funnel rows: %w", err)
	}
	return out, nil
}

// SaveTemplate upserts a named message template.
func (s *PostgresStore) SaveTemplate(t models.Template) error {
	if strings.TrimSpace(t.Name) == "" {
		return models.ErrEmptyTemplateName
	}
	now := nowUTC()
	_, err := s.db.Exec(
		`INSERT INTO templates (name, body, created_at, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
		t.Name, t.Body, now, now,
	)
	if err != nil {
		slog.Error("PostgresStore.SaveTemplate failed", "error", err, "name", t.Name)
		return fmt.Errorf("failed to save template %q: %w", t.Name, err)
	}
	return nil
}

// GetTemplate returns a template by name.
func (s *PostgresStore) GetTemplate(name string) (*models.Template, error) {
	var t models.Template
	err := s.db.QueryRow(
		`SELECT name, body, created_at, updated_at FROM templates WHERE name = $1`, name,
	).Scan(&t.Name, &t.Body, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore.GetTemplate failed", "error", err, "name", name)
		return nil, fmt.Errorf("failed to get template %q: %w", name, err)
	}
	return &t, nil
}

// ListTemplates returns stored template names, sorted.
func (s *PostgresStore) ListTemplates() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM templates ORDER BY name ASC`)
	if err != nil {
		slog.Error("PostgresStore.ListTemplates query failed", "error", err)
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan template row: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate template rows: %w", err)
	}
	return names, nil
}

// DeleteTemplate removes a template by name.
func (s *PostgresStore) DeleteTemplate(name string) error {
	result, err := s.db.Exec(`DELETE FROM templates WHERE name = $1`, name)
	if err != nil {
		slog.Error("PostgresStore.DeleteTemplate failed", "error", err, "name", name)
		return fmt.Errorf("failed to delete template %q: %w", name, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}
