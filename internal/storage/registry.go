package storage

import (
	"context"
	"database/sql"
	"fmt"

	"golang-reconciliation-engine/internal/models"
	"golang-reconciliation-engine/pkg/errors"
)

const modelColumns = `tenant_id, version, created_at, accuracy, precision_score, recall, f1,
	training_example_count, artifact_location, is_active, status`

// SaveModel registers a persisted model as inactive
func (s *Store) SaveModel(ctx context.Context, m *models.TrainedModel) error {
	if m.TenantID == "" || m.Version == "" {
		return errors.StorageError(errors.CodeInvalidState, "save model", fmt.Errorf("model is missing tenant or version"))
	}

	m.IsActive = false
	m.Status = models.ModelStatusInactive
	_, err := s.exec(ctx, s.db, `INSERT INTO models (`+modelColumns+`) VALUES (`+placeholders(11)+`)`,
		m.TenantID, m.Version, formatTime(m.CreatedAt), m.Accuracy, m.Precision, m.Recall, m.F1,
		m.TrainingExampleCount, m.ArtifactLocation, 0, string(m.Status))
	if err != nil {
		return errors.StorageError(errors.CodeQueryFailed, "save model", err).
			WithContext("tenant_id", m.TenantID).
			WithContext("version", m.Version)
	}
	return nil
}

// ActiveModel returns the tenant's active model, or nil when none is active.
func (s *Store) ActiveModel(ctx context.Context, tenantID string) (*models.TrainedModel, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+modelColumns+`
		FROM models WHERE tenant_id = ? AND is_active = 1`), tenantID)
	m, err := scanModel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "active model", err)
	}
	return m, nil
}

// PromoteModel makes version the tenant's only active model. The previous
// active model is deprecated in the same transaction.
func (s *Store) PromoteModel(ctx context.Context, tenantID, version string) error {
	return s.withTx(ctx, "promote model", func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `UPDATE models SET is_active = 0, status = ?
			WHERE tenant_id = ? AND is_active = 1`,
			string(models.ModelStatusDeprecated), tenantID); err != nil {
			return err
		}

		result, err := s.exec(ctx, tx, `UPDATE models SET is_active = 1, status = ?
			WHERE tenant_id = ? AND version = ?`,
			string(models.ModelStatusActive), tenantID, version)
		if err != nil {
			return err
		}
		if n, _ := result.RowsAffected(); n != 1 {
			return errors.StorageError(errors.CodeNotFound, "promote model", nil).
				WithContext("tenant_id", tenantID).
				WithContext("version", version)
		}
		return nil
	})
}

// ListModels returns the tenant's registry, newest first
func (s *Store) ListModels(ctx context.Context, tenantID string) ([]*models.TrainedModel, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+modelColumns+`
		FROM models WHERE tenant_id = ? ORDER BY version DESC`), tenantID)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list models", err)
	}
	defer rows.Close()

	var out []*models.TrainedModel
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "list models", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list models", err)
	}
	return out, nil
}

func scanModel(row rowScanner) (*models.TrainedModel, error) {
	var (
		m         models.TrainedModel
		createdAt string
		isActive  int
		status    string
	)
	if err := row.Scan(&m.TenantID, &m.Version, &createdAt, &m.Accuracy, &m.Precision, &m.Recall, &m.F1,
		&m.TrainingExampleCount, &m.ArtifactLocation, &isActive, &status); err != nil {
		return nil, err
	}
	var err error
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	m.IsActive = isActive != 0
	m.Status = models.ModelStatus(status)
	return &m, nil
}
