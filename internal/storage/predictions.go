package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang-reconciliation-engine/internal/models"
	"golang-reconciliation-engine/pkg/errors"

	"github.com/google/uuid"
)

// AppendPredictionLog records one inference call
func (s *Store) AppendPredictionLog(ctx context.Context, log *models.PredictionLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	_, err := s.exec(ctx, s.db, `INSERT INTO prediction_logs
		(id, tenant_id, suggestion_id, movement_id, candidate_count, chosen_entry_id,
		 confidence, model_version, latency_ns, created_at, outcome)
		VALUES (`+placeholders(11)+`)`,
		log.ID, log.TenantID, log.SuggestionID, log.MovementID, log.CandidateCount, log.ChosenEntryID,
		log.Confidence, log.ModelVersion, log.Latency.Nanoseconds(), formatTime(log.CreatedAt), string(log.Outcome))
	if err != nil {
		return errors.StorageError(errors.CodeQueryFailed, "append prediction log", err)
	}
	return nil
}

// RecordPredictionOutcome stores the real-world verdict on a prediction.
func (s *Store) RecordPredictionOutcome(ctx context.Context, tenantID, logID string, outcome models.PredictionOutcome) error {
	result, err := s.exec(ctx, s.db, `UPDATE prediction_logs SET outcome = ? WHERE tenant_id = ? AND id = ?`,
		string(outcome), tenantID, logID)
	if err != nil {
		return errors.StorageError(errors.CodeQueryFailed, "record prediction outcome", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.StorageError(errors.CodeNotFound, "record prediction outcome", nil).
			WithContext("prediction_log_id", logID)
	}
	return nil
}

// ListPredictionLogs returns a tenant's logs, newest first
func (s *Store) ListPredictionLogs(ctx context.Context, tenantID string, limit int) ([]*models.PredictionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, tenant_id, suggestion_id, movement_id, candidate_count,
			chosen_entry_id, confidence, model_version, latency_ns, created_at, outcome
		FROM prediction_logs WHERE tenant_id = ?
		ORDER BY created_at DESC, id LIMIT ?`), tenantID, limit)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list prediction logs", err)
	}
	defer rows.Close()

	var out []*models.PredictionLog
	for rows.Next() {
		var (
			l         models.PredictionLog
			latency   int64
			createdAt string
			outcome   string
		)
		if err := rows.Scan(&l.ID, &l.TenantID, &l.SuggestionID, &l.MovementID, &l.CandidateCount,
			&l.ChosenEntryID, &l.Confidence, &l.ModelVersion, &latency, &createdAt, &outcome); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "list prediction logs", err)
		}
		l.Latency = time.Duration(latency)
		l.Outcome = models.PredictionOutcome(outcome)
		if l.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "list prediction logs", err)
		}
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list prediction logs", err)
	}
	return out, nil
}

// AccuracyWindow is the measured real-world accuracy of one model version
type AccuracyWindow struct {
	Resolved int
	Correct  int
}

// Accuracy returns Correct/Resolved, or 0 without resolved logs
func (w AccuracyWindow) Accuracy() float64 {
	if w.Resolved == 0 {
		return 0
	}
	return float64(w.Correct) / float64(w.Resolved)
}

// RecentAccuracy counts resolved predictions of a model version created at or
// after since.
func (s *Store) RecentAccuracy(ctx context.Context, tenantID, modelVersion string, since time.Time) (AccuracyWindow, error) {
	var (
		w       AccuracyWindow
		correct sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*),
			SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END)
		FROM prediction_logs
		WHERE tenant_id = ? AND model_version = ? AND created_at >= ? AND outcome <> ''`),
		string(models.PredictionCorrect), tenantID, modelVersion, formatTime(since),
	).Scan(&w.Resolved, &correct)
	if err != nil {
		return AccuracyWindow{}, errors.StorageError(errors.CodeQueryFailed, "recent accuracy",
			fmt.Errorf("tenant %s: %w", tenantID, err))
	}
	w.Correct = int(correct.Int64)
	return w, nil
}

// PurgePredictionLogs deletes logs created before cutoff
func (s *Store) PurgePredictionLogs(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	result, err := s.exec(ctx, s.db, `DELETE FROM prediction_logs WHERE tenant_id = ? AND created_at < ?`,
		tenantID, formatTime(cutoff))
	if err != nil {
		return 0, errors.StorageError(errors.CodeQueryFailed, "purge prediction logs", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
