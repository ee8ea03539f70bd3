package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"golang-reconciliation-engine/internal/models"
	"golang-reconciliation-engine/pkg/errors"

	"github.com/shopspring/decimal"
)

const suggestionColumns = `id, tenant_id, run_id, movement_ids, entry_ids, confidence_score,
	confidence_level, match_kind, reason, status, amount_difference, date_gap_days,
	auto_approvable, model_version, prediction_log_id, features, created_at, resolved_at`

// SaveSuggestions inserts suggestions in a single transaction
func (s *Store) SaveSuggestions(ctx context.Context, suggestions []*models.MatchSuggestion) error {
	if len(suggestions) == 0 {
		return nil
	}

	return s.withTx(ctx, "save suggestions", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO suggestions (`+suggestionColumns+`)
			VALUES (`+placeholders(18)+`)`))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, sg := range suggestions {
			if sg.ID == "" || sg.TenantID == "" {
				return errors.StorageError(errors.CodeInvalidState, "save suggestions",
					fmt.Errorf("suggestion is missing id or tenant"))
			}
			movementIDs, err := json.Marshal(sg.MovementIDs)
			if err != nil {
				return err
			}
			entryIDs, err := json.Marshal(sg.EntryIDs)
			if err != nil {
				return err
			}
			var features sql.NullString
			if sg.Features != nil {
				data, err := json.Marshal(sg.Features)
				if err != nil {
					return err
				}
				features = sql.NullString{String: string(data), Valid: true}
			}
			status := sg.Status
			if status == "" {
				status = models.StatusPending
			}

			if _, err := stmt.ExecContext(ctx,
				sg.ID, sg.TenantID, sg.RunID, string(movementIDs), string(entryIDs), sg.ConfidenceScore,
				string(sg.ConfidenceLevel), string(sg.MatchKind), sg.Reason, string(status),
				sg.AmountDifference.String(), sg.DateGapDays, boolToInt(sg.AutoApprovable),
				sg.ModelVersion, sg.PredictionLogID, features, formatTime(sg.CreatedAt), nullableTime(sg.ResolvedAt),
			); err != nil {
				return fmt.Errorf("failed to insert suggestion %s: %w", sg.ID, err)
			}
		}
		return nil
	})
}

// GetSuggestion returns one suggestion of a tenant
func (s *Store) GetSuggestion(ctx context.Context, tenantID, id string) (*models.MatchSuggestion, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+suggestionColumns+`
		FROM suggestions WHERE tenant_id = ? AND id = ?`), tenantID, id)

	sg, err := scanSuggestion(row)
	if err == sql.ErrNoRows {
		return nil, errors.StorageError(errors.CodeNotFound, "get suggestion", nil).
			WithContext("suggestion_id", id).
			WithContext("tenant_id", tenantID)
	}
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "get suggestion", err)
	}
	return sg, nil
}

// ListSuggestions returns a run's suggestions ordered by score
func (s *Store) ListSuggestions(ctx context.Context, tenantID, runID string) ([]*models.MatchSuggestion, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+suggestionColumns+`
		FROM suggestions WHERE tenant_id = ? AND run_id = ?
		ORDER BY confidence_score DESC, id`), tenantID, runID)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list suggestions", err)
	}
	defer rows.Close()

	var out []*models.MatchSuggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "list suggestions", err)
		}
		out = append(out, sg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list suggestions", err)
	}
	return out, nil
}

// ResolveSuggestion moves a PENDING suggestion to a terminal status and
// inserts examples in the same transaction. It fails with not_found for
// unknown ids and invalid_state when already resolved.
func (s *Store) ResolveSuggestion(ctx context.Context, tenantID, id string, status models.SuggestionStatus, at time.Time, examples ...*models.TrainingExample) error {
	if !status.IsTerminal() {
		return errors.StorageError(errors.CodeInvalidState, "resolve suggestion",
			fmt.Errorf("invalid target status %s", status))
	}

	resolved := false
	err := s.withTx(ctx, "resolve suggestion", func(tx *sql.Tx) error {
		result, err := s.exec(ctx, tx, `UPDATE suggestions SET status = ?, resolved_at = ?
			WHERE tenant_id = ? AND id = ? AND status = ?`,
			string(status), formatTime(at), tenantID, id, string(models.StatusPending))
		if err != nil {
			return err
		}
		if n, _ := result.RowsAffected(); n != 1 {
			return nil
		}
		resolved = true
		return s.insertTrainingExamples(ctx, tx, examples)
	})
	if err != nil {
		return err
	}
	if resolved {
		return nil
	}

	existing, err := s.GetSuggestion(ctx, tenantID, id)
	if err != nil {
		return err
	}
	return errors.StorageError(errors.CodeInvalidState, "resolve suggestion",
		fmt.Errorf("suggestion %s is already %s", id, existing.Status)).
		WithContext("suggestion_id", id)
}

// ExpirePending marks every still-PENDING suggestion of a run EXPIRED and
// returns how many changed.
func (s *Store) ExpirePending(ctx context.Context, tenantID, runID string, at time.Time) (int64, error) {
	result, err := s.exec(ctx, s.db, `UPDATE suggestions SET status = ?, resolved_at = ?
		WHERE tenant_id = ? AND run_id = ? AND status = ?`,
		string(models.StatusExpired), formatTime(at), tenantID, runID, string(models.StatusPending))
	if err != nil {
		return 0, errors.StorageError(errors.CodeQueryFailed, "expire suggestions", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.StorageError(errors.CodeQueryFailed, "expire suggestions", err)
	}
	return n, nil
}

// HistoricalAggregates derives the tenant's match rate and average applied
// date gap from resolved 1:1 suggestions.
func (s *Store) HistoricalAggregates(ctx context.Context, tenantID string) (models.HistoricalAggregates, error) {
	var (
		applied, rejected int64
		avgDelay          sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			AVG(CASE WHEN status = ? AND movement_ids NOT LIKE '%,%' AND entry_ids NOT LIKE '%,%'
				THEN date_gap_days END)
		FROM suggestions WHERE tenant_id = ?`),
		string(models.StatusApplied), string(models.StatusRejected), string(models.StatusApplied), tenantID,
	).Scan(&applied, &rejected, &avgDelay)
	if err != nil {
		return models.HistoricalAggregates{}, errors.StorageError(errors.CodeQueryFailed, "historical aggregates", err)
	}

	var agg models.HistoricalAggregates
	if applied+rejected > 0 {
		agg.MatchRate = float64(applied) / float64(applied+rejected)
	}
	if avgDelay.Valid {
		agg.AverageDelayDays = avgDelay.Float64
	}
	return agg, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSuggestion(row rowScanner) (*models.MatchSuggestion, error) {
	var (
		sg                    models.MatchSuggestion
		movementIDs, entryIDs string
		level, kind, status   string
		amountDifference      string
		autoApprovable        int
		features              sql.NullString
		createdAt             string
		resolvedAt            sql.NullString
	)
	if err := row.Scan(&sg.ID, &sg.TenantID, &sg.RunID, &movementIDs, &entryIDs, &sg.ConfidenceScore,
		&level, &kind, &sg.Reason, &status, &amountDifference, &sg.DateGapDays,
		&autoApprovable, &sg.ModelVersion, &sg.PredictionLogID, &features, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(movementIDs), &sg.MovementIDs); err != nil {
		return nil, fmt.Errorf("suggestion %s movement ids: %w", sg.ID, err)
	}
	if err := json.Unmarshal([]byte(entryIDs), &sg.EntryIDs); err != nil {
		return nil, fmt.Errorf("suggestion %s entry ids: %w", sg.ID, err)
	}
	diff, err := decimal.NewFromString(amountDifference)
	if err != nil {
		return nil, fmt.Errorf("suggestion %s amount difference: %w", sg.ID, err)
	}
	sg.AmountDifference = diff
	if features.Valid {
		var fv models.FeatureVector
		if err := json.Unmarshal([]byte(features.String), &fv); err != nil {
			return nil, fmt.Errorf("suggestion %s features: %w", sg.ID, err)
		}
		sg.Features = &fv
	}
	if sg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sg.ResolvedAt, err = scanNullableTime(resolvedAt); err != nil {
		return nil, err
	}

	sg.ConfidenceLevel = models.ConfidenceLevel(level)
	sg.MatchKind = models.MatchKind(kind)
	sg.Status = models.SuggestionStatus(status)
	sg.AutoApprovable = autoApprovable != 0
	return &sg, nil
}
