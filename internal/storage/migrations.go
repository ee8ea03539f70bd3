package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang-reconciliation-engine/pkg/errors"
	"golang-reconciliation-engine/pkg/logger"
)

// ExpectedSchemaVersion is the latest schema version the engine expects.
const ExpectedSchemaVersion = 2

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Statements  []string
}

// Column types are chosen so that both SQLite affinity rules and PostgreSQL
// accept them unchanged.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS suggestions (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				run_id TEXT NOT NULL,
				movement_ids TEXT NOT NULL,
				entry_ids TEXT NOT NULL,
				confidence_score DOUBLE PRECISION NOT NULL,
				confidence_level TEXT NOT NULL,
				match_kind TEXT NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				amount_difference TEXT NOT NULL DEFAULT '0',
				date_gap_days INTEGER NOT NULL DEFAULT 0,
				auto_approvable INTEGER NOT NULL DEFAULT 0,
				model_version TEXT NOT NULL DEFAULT '',
				prediction_log_id TEXT NOT NULL DEFAULT '',
				features TEXT,
				created_at TEXT NOT NULL,
				resolved_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_suggestions_run ON suggestions(tenant_id, run_id, status)`,

			`CREATE TABLE IF NOT EXISTS training_examples (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				suggestion_id TEXT NOT NULL DEFAULT '',
				features TEXT NOT NULL,
				label TEXT NOT NULL,
				created_at TEXT NOT NULL,
				consumed_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_training_examples_tenant ON training_examples(tenant_id, created_at)`,

			`CREATE TABLE IF NOT EXISTS models (
				tenant_id TEXT NOT NULL,
				version TEXT NOT NULL,
				created_at TEXT NOT NULL,
				accuracy DOUBLE PRECISION NOT NULL,
				precision_score DOUBLE PRECISION NOT NULL,
				recall DOUBLE PRECISION NOT NULL,
				f1 DOUBLE PRECISION NOT NULL,
				training_example_count INTEGER NOT NULL,
				artifact_location TEXT NOT NULL,
				is_active INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				PRIMARY KEY (tenant_id, version)
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_models_single_active ON models(tenant_id) WHERE is_active = 1`,
		},
	},
	{
		Version:     2,
		Description: "Prediction logs",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS prediction_logs (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				suggestion_id TEXT NOT NULL DEFAULT '',
				movement_id TEXT NOT NULL,
				candidate_count INTEGER NOT NULL,
				chosen_entry_id TEXT NOT NULL DEFAULT '',
				confidence DOUBLE PRECISION NOT NULL,
				model_version TEXT NOT NULL,
				latency_ns BIGINT NOT NULL,
				created_at TEXT NOT NULL,
				outcome TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_prediction_logs_tenant ON prediction_logs(tenant_id, model_version, created_at)`,
		},
	},
}

// Migrate applies pending migrations, one transaction per version.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return errors.StorageError(errors.CodeQueryFailed, "create schema_migrations", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, migration := range migrations {
		if migration.Version <= current {
			continue
		}

		err := s.withTx(ctx, fmt.Sprintf("migration %d", migration.Version), func(tx *sql.Tx) error {
			for _, stmt := range migration.Statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("failed to execute statement: %w", err)
				}
			}
			_, err := s.exec(ctx, tx,
				`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
				migration.Version, migration.Description, formatTime(time.Now()))
			return err
		})
		if err != nil {
			return err
		}

		s.logger.WithFields(logger.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("Applied migration")
	}

	final, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if final != ExpectedSchemaVersion {
		return errors.StorageError(errors.CodeInvalidState, "migrate",
			fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, final))
	}
	return nil
}

// SchemaVersion returns the highest applied migration
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, errors.StorageError(errors.CodeQueryFailed, "read schema version", err)
	}
	return int(version.Int64), nil
}
