package store

import "strings"

// Opts holds configuration options for storage backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a storage backend.
type Option func(*Opts)

// WithDSN sets the database connection string. For SQLite this is a file
// path; for Postgres a postgres:// URL or key=value DSN.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL connection strings and
// "sqlite" otherwise. SQLite DSNs are plain file paths or file: URIs.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// NewStore opens the storage backend matching the DSN type.
func NewStore(dsn string) (Store, error) {
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithDSN(dsn))
	}
	return NewSQLiteStore(WithDSN(dsn))
}
