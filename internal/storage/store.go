// Package storage persists suggestions, training examples, the model registry
// and prediction logs. SQLite is the default backend; PostgreSQL is supported
// through the same queries with rebound placeholders.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang-reconciliation-engine/pkg/errors"
	"golang-reconciliation-engine/pkg/logger"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Dialect selects the SQL flavour
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Config holds database settings
type Config struct {
	Driver string `json:"driver" yaml:"driver" mapstructure:"driver"`
	// DSN is a file path for sqlite or a connection string for postgres
	DSN string `json:"dsn" yaml:"dsn" mapstructure:"dsn"`
}

// DefaultConfig returns a local SQLite configuration
func DefaultConfig() Config {
	return Config{
		Driver: string(DialectSQLite),
		DSN:    "data/reconciler.db",
	}
}

// Validate checks the database settings
func (c Config) Validate() error {
	switch Dialect(c.Driver) {
	case DialectSQLite, DialectPostgres:
	default:
		return errors.ConfigurationError("storage.driver", c.Driver, "must be sqlite or postgres")
	}
	if strings.TrimSpace(c.DSN) == "" {
		return errors.ConfigurationError("storage.dsn", c.DSN, "must not be empty")
	}
	return nil
}

// Store is the SQL-backed repository for all engine state
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  logger.Logger
}

// Open connects to the configured database and applies migrations.
func Open(ctx context.Context, cfg Config, log logger.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		db  *sql.DB
		err error
	)
	dialect := Dialect(cfg.Driver)
	switch dialect {
	case DialectSQLite:
		if dir := filepath.Dir(cfg.DSN); dir != "." && cfg.DSN != ":memory:" {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, errors.StorageError(errors.CodeQueryFailed, "create database directory", err)
			}
		}
		db, err = sql.Open("sqlite3", cfg.DSN+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
		if err == nil {
			// SQLite serializes writers anyway
			db.SetMaxOpenConns(1)
			db.SetMaxIdleConns(1)
		}
	case DialectPostgres:
		db, err = sql.Open("postgres", cfg.DSN)
		if err == nil {
			db.SetMaxOpenConns(10)
			db.SetConnMaxLifetime(30 * time.Minute)
		}
	}
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "open database", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.StorageError(errors.CodeQueryFailed, "ping database", err)
	}

	s := &Store{
		db:      db,
		dialect: dialect,
		logger:  logger.OrGlobal(log).WithComponent("storage"),
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect returns the active SQL flavour
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// rebind rewrites ? placeholders to $n for PostgreSQL. Queries in this package
// never contain literal question marks.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, q execer, query string, args ...interface{}) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, operation string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StorageError(errors.CodeQueryFailed, operation, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.IsReconcilerError(err) {
			return err
		}
		return errors.StorageError(errors.CodeQueryFailed, operation, err)
	}
	if err := tx.Commit(); err != nil {
		return errors.StorageError(errors.CodeQueryFailed, operation, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func scanNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ..." with n markers
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
