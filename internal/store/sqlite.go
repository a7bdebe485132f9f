// Package store provides storage backends for FunnelPipe.
//
// This file implements the SQLite-backed store for funnel definitions and
// message templates.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	"github.com/funnelpipe/funnelpipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

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

	// Ensure the directory exists
	dir := filepath.Dir(strings.TrimPrefix(dsn, "file:"))
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

	// Run migrations to ensure tables exist
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// SaveFunnel upserts a funnel definition, replacing any existing definition
// for the same keyword atomically.
func (s *SQLiteStore) SaveFunnel(f models.FunnelDefinition) error {
	if err := f.Validate(); err != nil {
		return err
	}
	stepsJSON, err := marshalSteps(f.Steps)
	if err != nil {
		slog.Error("SQLiteStore.SaveFunnel: marshal steps failed", "error", err, "keyword", f.Keyword)
		return err
	}
	now := nowUTC()
	_, err = s.db.Exec(
		`INSERT INTO funnels (keyword, steps_json, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(keyword) DO UPDATE SET steps_json = excluded.steps_json, updated_at = excluded.updated_at`,
		f.Keyword, stepsJSON, now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveFunnel failed", "error", err, "keyword", f.Keyword)
		return fmt.Errorf("failed to save funnel %q: %w", f.Keyword, err)
	}
	slog.Debug("SQLiteStore.SaveFunnel succeeded", "keyword", f.Keyword, "steps", len(f.Steps))
	return nil
}

// GetFunnel returns the definition for a normalized keyword.
func (s *SQLiteStore) GetFunnel(keyword string) (*models.FunnelDefinition, error) {
	var f models.FunnelDefinition
	var stepsJSON string
	err := s.db.QueryRow(
		`SELECT keyword, steps_json, created_at, updated_at FROM funnels WHERE keyword = ?`, keyword,
	).Scan(&f.Keyword, &stepsJSON, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore.GetFunnel failed", "error", err, "keyword", keyword)
		return nil, fmt.Errorf("failed to get funnel %q: %w", keyword, err)
	}
	if f.Steps, err = unmarshalSteps(stepsJSON); err != nil {
		slog.Error("SQLiteStore.GetFunnel: unmarshal steps failed", "error", err, "keyword", keyword)
		return nil, err
	}
	return &f, nil
}

// DeleteFunnel removes a definition. Existing runs keep their snapshots.
func (s *SQLiteStore) DeleteFunnel(keyword string) error {
	result, err := s.db.Exec(`DELETE FROM funnels WHERE keyword = ?`, keyword)
	if err != nil {
		slog.Error("SQLiteStore.DeleteFunnel failed", "error", err, "keyword", keyword)
		return fmt.Errorf("failed to delete funnel %q: %w", keyword, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return models.ErrNotFound
	}
	slog.Debug("SQLiteStore.DeleteFunnel succeeded", "keyword", keyword)
	return nil
}

// ListFunnels returns keyword -> step count for every stored funnel.
func (s *SQLiteStore) ListFunnels() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT keyword, steps_json FROM funnels`)
	if err != nil {
		slog.Error("SQLiteStore.ListFunnels query failed", "error", err)
		return nil, fmt.Errorf("failed to query funnels: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var keyword, stepsJSON string
		if err := rows.Scan(&keyword, &stepsJSON); err != nil {
			slog.Error("SQLiteStore.ListFunnels scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan funnel row: %w", err)
		}
		steps, err := unmarshalSteps(stepsJSON)
		if err != nil {
			return nil, err
		}
		out[keyword] = len(steps)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore.ListFunnels iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate funnel rows: %w", err)
	}
	return out, nil
}

// SaveTemplate upserts a named message template.
func (s *SQLiteStore) SaveTemplate(t models.Template) error {
	if strings.TrimSpace(t.Name) == "" {
		return models.ErrEmptyTemplateName
	}
	now := nowUTC()
	_, err := s.db.Exec(
		`INSERT INTO templates (name, body, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		t.Name, t.Body, now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveTemplate failed", "error", err, "name", t.Name)
		return fmt.Errorf("failed to save template %q: %w", t.Name, err)
	}
	return nil
}

// GetTemplate returns a template by name.
func (s *SQLiteStore) GetTemplate(name string) (*models.Template, error) {
	var t models.Template
	err := s.db.QueryRow(
		`SELECT name, body, created_at, updated_at FROM templates WHERE name = ?`, name,
	).Scan(&t.Name, &t.Body, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore.GetTemplate failed", "error", err, "name", name)
		return nil, fmt.Errorf("failed to get template %q: %w", name, err)
	}
	return &t, nil
}

// ListTemplates returns stored template names, sorted.
func (s *SQLiteStore) ListTemplates() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM templates ORDER BY name ASC`)
	if err != nil {
		slog.Error("SQLiteStore.ListTemplates query failed", "error", err)
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
func (s *SQLiteStore) DeleteTemplate(name string) error {
	result, err := s.db.Exec(`DELETE FROM templates WHERE name = ?`, name)
	if err != nil {
		slog.Error("SQLiteStore.DeleteTemplate failed", "error", err, "name", name)
		return fmt.Errorf("failed to delete template %q: %w", name, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}
