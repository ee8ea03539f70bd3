package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"golang-reconciliation-engine/internal/models"
	"golang-reconciliation-engine/pkg/errors"

	"github.com/google/uuid"
)

// SaveTrainingExamples inserts examples, assigning ids and timestamps where
// missing.
func (s *Store) SaveTrainingExamples(ctx context.Context, examples []*models.TrainingExample) error {
	if len(examples) == 0 {
		return nil
	}

	return s.withTx(ctx, "save training examples", func(tx *sql.Tx) error {
		return s.insertTrainingExamples(ctx, tx, examples)
	})
}

func (s *Store) insertTrainingExamples(ctx context.Context, tx *sql.Tx, examples []*models.TrainingExample) error {
	if len(examples) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO training_examples
		(id, tenant_id, suggestion_id, features, label, created_at, consumed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ex := range examples {
		if ex.ID == "" {
			ex.ID = uuid.NewString()
		}
		if ex.CreatedAt.IsZero() {
			ex.CreatedAt = time.Now().UTC()
		}
		features, err := json.Marshal(ex.Features)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, ex.ID, ex.TenantID, ex.SuggestionID, string(features),
			string(ex.Label), formatTime(ex.CreatedAt), nullableTime(ex.ConsumedAt)); err != nil {
			return fmt.Errorf("failed to insert training example %s: %w", ex.ID, err)
		}
	}
	return nil
}

// UsableTrainingExamples returns every retained example of a tenant in
// creation order. Consumed examples stay usable until retention purges them.
func (s *Store) UsableTrainingExamples(ctx context.Context, tenantID string) ([]*models.TrainingExample, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, tenant_id, suggestion_id, features, label, created_at, consumed_at
		FROM training_examples WHERE tenant_id = ?
		ORDER BY created_at, id`), tenantID)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list training examples", err)
	}
	defer rows.Close()

	var out []*models.TrainingExample
	for rows.Next() {
		var (
			ex         models.TrainingExample
			features   string
			label      string
			createdAt  string
			consumedAt sql.NullString
		)
		if err := rows.Scan(&ex.ID, &ex.TenantID, &ex.SuggestionID, &features, &label, &createdAt, &consumedAt); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "list training examples", err)
		}
		if err := json.Unmarshal([]byte(features), &ex.Features); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "list training examples",
				fmt.Errorf("example %s features: %w", ex.ID, err))
		}
		ex.Label = models.ExampleLabel(label)
		if ex.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "list training examples", err)
		}
		if ex.ConsumedAt, err = scanNullableTime(consumedAt); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "list training examples", err)
		}
		out = append(out, &ex)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list training examples", err)
	}
	return out, nil
}

// MarkExamplesConsumed stamps examples used by a promoted model
func (s *Store) MarkExamplesConsumed(ctx context.Context, tenantID string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	return s.withTx(ctx, "mark training examples consumed", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.rebind(`UPDATE training_examples SET consumed_at = ?
			WHERE tenant_id = ? AND id = ? AND consumed_at IS NULL`))
		if err != nil {
			return err
		}
		defer stmt.Close()

		stamp := formatTime(at)
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, stamp, tenantID, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// PurgeTrainingExamples deletes consumed examples created before cutoff.
func (s *Store) PurgeTrainingExamples(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	result, err := s.exec(ctx, s.db, `DELETE FROM training_examples
		WHERE tenant_id = ? AND created_at < ? AND consumed_at IS NOT NULL`,
		tenantID, formatTime(cutoff))
	if err != nil {
		return 0, errors.StorageError(errors.CodeQueryFailed, "purge training examples", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// ListTenants returns every tenant with stored state
func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id FROM suggestions
		UNION SELECT tenant_id FROM training_examples
		UNION SELECT tenant_id FROM models
		ORDER BY 1`)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list tenants", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "list tenants", err)
		}
		tenants = append(tenants, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list tenants", err)
	}
	return tenants, nil
}
