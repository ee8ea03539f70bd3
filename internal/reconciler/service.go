// Package reconciler is the caller-facing suggestion API. It runs the heuristic
// generator and the learned inference path side by side, merges their output,
// persists the suggestions and turns operator feedback into training data.
package reconciler

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"golang-reconciliation-engine/internal/features"
	"golang-reconciliation-engine/internal/matcher"
	"golang-reconciliation-engine/internal/models"
	"golang-reconciliation-engine/pkg/errors"
	"golang-reconciliation-engine/pkg/logger"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Store is the persistence the service reads and writes
type Store interface {
	SaveSuggestions(ctx context.Context, suggestions []*models.MatchSuggestion) error
	GetSuggestion(ctx context.Context, tenantID, id string) (*models.MatchSuggestion, error)
	ResolveSuggestion(ctx context.Context, tenantID, id string, status models.SuggestionStatus, at time.Time, examples ...*models.TrainingExample) error
	ExpirePending(ctx context.Context, tenantID, runID string, at time.Time) (int64, error)
	HistoricalAggregates(ctx context.Context, tenantID string) (models.HistoricalAggregates, error)
	RecordPredictionOutcome(ctx context.Context, tenantID, logID string, outcome models.PredictionOutcome) error
}

// Predictor produces learned suggestions for a run
type Predictor interface {
	SuggestAll(ctx context.Context, tenantID string, movements []models.CandidateMovement, entries []models.CandidateEntry) ([]*models.MatchSuggestion, error)
}

// Progress describes how far a run has got
type Progress struct {
	TenantID string `json:"tenant_id"`
	RunID    string `json:"run_id"`
	Phase    string `json:"phase"`
	Done     int    `json:"done"`
	Total    int    `json:"total"`
}

// ProgressCallback is called to report run progress
type ProgressCallback func(Progress)

// RunRequest is one reconciliation run
type RunRequest struct {
	TenantID  string
	RunID     string
	Movements []models.CandidateMovement
	Entries   []models.CandidateEntry
	// From and To bound candidate dates; nil is open
	From *time.Time
	To   *time.Time
	// Matching overrides the service's matching configuration for this run
	Matching *matcher.MatchingConfig
}

// RunResult is what a run hands back to the caller
type RunResult struct {
	TenantID      string                    `json:"tenantId"`
	RunID         string                    `json:"runId"`
	Suggestions   []*models.MatchSuggestion `json:"suggestions"`
	Statistics    matcher.RunStatistics     `json:"statistics"`
	Preprocessing PreprocessingStats        `json:"preprocessing"`
	Warnings      []*errors.ReconcilerError `json:"warnings,omitempty"`
	LearnedCount  int                       `json:"learnedCount"`
	// Degraded is set when the inference path failed and only heuristic
	// suggestions were produced
	Degraded    bool      `json:"degraded"`
	ProcessedAt time.Time `json:"processedAt"`
}

// Correction is the pair an operator says should have been matched
type Correction struct {
	Movement models.CandidateMovement
	Entry    models.CandidateEntry
}

// Resolution is the outcome of recording operator feedback
type Resolution struct {
	Suggestion        *models.MatchSuggestion
	Examples          []*models.TrainingExample
	PredictionOutcome models.PredictionOutcome
}

// SuggestionService merges heuristic and learned suggestions and records
// operator feedback.
type SuggestionService struct {
	matching     *matcher.MatchingConfig
	store        Store
	predictor    Predictor
	preprocessor *DataPreprocessor
	logger       logger.Logger
	now          func() time.Time

	callbacksMu sync.RWMutex
	callbacks   []ProgressCallback
}

// NewSuggestionService wires the service. predictor may be nil, in which case
// only heuristic suggestions are produced.
func NewSuggestionService(matching *matcher.MatchingConfig, store Store, predictor Predictor, preprocessing *PreprocessingConfig, log logger.Logger) (*SuggestionService, error) {
	if store == nil {
		return nil, errors.ConfigurationError("store", nil, "a suggestion store is required")
	}
	if matching == nil {
		matching = matcher.DefaultMatchingConfig()
	}
	if err := matching.Validate(); err != nil {
		return nil, err
	}

	return &SuggestionService{
		matching:     matching,
		store:        store,
		predictor:    predictor,
		preprocessor: NewDataPreprocessor(preprocessing),
		logger:       logger.OrGlobal(log).WithComponent("suggestion-service"),
		now:          time.Now,
	}, nil
}

// AddProgressCallback adds a progress callback function
func (s *SuggestionService) AddProgressCallback(callback ProgressCallback) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.callbacks = append(s.callbacks, callback)
}

func (s *SuggestionService) notify(p Progress) {
	s.callbacksMu.RLock()
	defer s.callbacksMu.RUnlock()
	for _, cb := range s.callbacks {
		cb(p)
	}
}

// Suggest runs both matchers for one run, merges and stores the suggestions.
// Only storage failures are returned; a failing inference path degrades the
// run to heuristic-only output with a warning.
func (s *SuggestionService) Suggest(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.TenantID == "" {
		return nil, errors.ConfigurationError("tenantID", req.TenantID, "is required")
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	config := s.matching
	if req.Matching != nil {
		config = req.Matching
	}

	log := s.logger.WithFields(logger.Fields{"tenant_id": req.TenantID, "run_id": req.RunID})
	start := s.now()

	movements, entries, prep := s.preprocessor.Preprocess(req.Movements, req.Entries, req.From, req.To)
	log.WithFields(logger.Fields{
		"movements":    len(movements),
		"entries":      len(entries),
		"out_of_range": prep.OutOfRange,
	}).Info("Starting suggestion run")

	generator, err := matcher.NewGenerator(config, log)
	if err != nil {
		return nil, err
	}
	generator.Progress = func(phase string, done, total int) {
		s.notify(Progress{TenantID: req.TenantID, RunID: req.RunID, Phase: phase, Done: done, Total: total})
	}

	var (
		heuristic *matcher.RunResult
		learned   []*models.MatchSuggestion
		inferErr  error
	)
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		heuristic, err = generator.Generate(gctx, movements, entries)
		return err
	})
	if s.predictor != nil {
		group.Go(func() error {
			learned, inferErr = s.predictor.SuggestAll(gctx, req.TenantID, movements, entries)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	result := &RunResult{
		TenantID:      req.TenantID,
		RunID:         req.RunID,
		Preprocessing: prep,
		Warnings:      heuristic.Warnings,
		ProcessedAt:   start.UTC(),
	}

	if inferErr != nil {
		result.Degraded = true
		result.Warnings = append(result.Warnings, inferenceWarning(inferErr))
		log.WithError(inferErr).Warn("Inference failed, continuing with heuristic suggestions only")
	}
	heuristic.Merge(learned)

	history := s.history(ctx, req.TenantID)
	s.stamp(heuristic.Suggestions, req, config, history, movements, entries, start)

	if len(heuristic.Suggestions) > 0 {
		if err := s.store.SaveSuggestions(ctx, heuristic.Suggestions); err != nil {
			log.WithError(err).Error("Failed to store suggestions")
			return nil, err
		}
	}

	result.Suggestions = heuristic.Suggestions
	result.Statistics = heuristic.Statistics
	result.Statistics.Duration = s.now().Sub(start)
	for _, sg := range result.Suggestions {
		if sg.MatchKind == models.MatchKindLearned {
			result.LearnedCount++
		}
	}

	log.WithFields(logger.Fields{
		"suggestions": len(result.Suggestions),
		"learned":     result.LearnedCount,
		"truncated":   result.Statistics.Truncated,
		"duration":    result.Statistics.Duration,
	}).Info("Suggestion run completed")

	return result, nil
}

func inferenceWarning(err error) *errors.ReconcilerError {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, errors.CategoryMatching, errors.CodeTimeoutExceeded,
			"inference timed out, learned suggestions are partial or missing")
	}
	return errors.Wrap(err, errors.CategoryModel, errors.CodeModelLoadFailure,
		"inference unavailable, heuristic suggestions only")
}

// stamp fills the run-scoped fields and attaches a feature vector to every
// 1:1 suggestion so its resolution can become a training example.
func (s *SuggestionService) stamp(
	suggestions []*models.MatchSuggestion,
	req RunRequest,
	config *matcher.MatchingConfig,
	history models.HistoricalAggregates,
	movements []models.CandidateMovement,
	entries []models.CandidateEntry,
	at time.Time,
) {
	movementByID := make(map[string]*models.Candidate, len(movements))
	for i := range movements {
		movementByID[movements[i].ID] = &movements[i].Candidate
	}
	entryByID := make(map[string]*models.Candidate, len(entries))
	for i := range entries {
		entryByID[entries[i].ID] = &entries[i].Candidate
	}

	for _, sg := range suggestions {
		if sg.ID == "" {
			sg.ID = uuid.NewString()
		}
		if sg.CreatedAt.IsZero() {
			sg.CreatedAt = at.UTC()
		}
		sg.TenantID = req.TenantID
		sg.RunID = req.RunID
		sg.Status = models.StatusPending
		sg.AutoApprovable = sg.IsOneToOne() && sg.ConfidenceScore >= config.AutoApproveThreshold

		if sg.Features == nil && sg.IsOneToOne() {
			m, e := movementByID[sg.MovementIDs[0]], entryByID[sg.EntryIDs[0]]
			if m != nil && e != nil {
				fv := features.ExtractCandidates(m, e, history)
				sg.Features = &fv
			}
		}
	}
}

func (s *SuggestionService) history(ctx context.Context, tenantID string) models.HistoricalAggregates {
	agg, err := s.store.HistoricalAggregates(ctx, tenantID)
	if err != nil {
		s.logger.WithError(err).WithField("tenant_id", tenantID).Warn("Historical aggregates unavailable, using neutral values")
		return models.HistoricalAggregates{}
	}
	return agg
}

// RecordResolution applies an operator decision to a pending suggestion and
// feeds it back as training data. A correction adds the pair the operator
// matched instead as an accepted example.
func (s *SuggestionService) RecordResolution(ctx context.Context, tenantID, suggestionID string, outcome models.ResolutionOutcome, correction *Correction) (*Resolution, error) {
	if _, err := models.ParseResolutionOutcome(string(outcome)); err != nil {
		return nil, errors.Wrap(err, errors.CategoryStorage, errors.CodeInvalidState, "cannot resolve suggestion")
	}
	if correction != nil {
		if err := correction.Movement.Validate(); err != nil {
			return nil, errors.InvalidCandidate("movement", correction.Movement.ID, err)
		}
		if err := correction.Entry.Validate(); err != nil {
			return nil, errors.InvalidCandidate("entry", correction.Entry.ID, err)
		}
	}

	log := s.logger.WithFields(logger.Fields{"tenant_id": tenantID, "suggestion_id": suggestionID})

	suggestion, err := s.store.GetSuggestion(ctx, tenantID, suggestionID)
	if err != nil {
		return nil, err
	}
	at := s.now()
	resolution := &Resolution{Suggestion: suggestion}

	if suggestion.Features != nil && suggestion.IsOneToOne() {
		label := models.LabelRejected
		if outcome == models.OutcomeApplied {
			label = models.LabelAccepted
		}
		resolution.Examples = append(resolution.Examples, &models.TrainingExample{
			TenantID:     tenantID,
			SuggestionID: suggestion.ID,
			Features:     *suggestion.Features,
			Label:        label,
			CreatedAt:    at.UTC(),
		})
	}

	if correction != nil {
		history := s.history(ctx, tenantID)
		fv := features.Extract(correction.Movement, correction.Entry, history)
		resolution.Examples = append(resolution.Examples, &models.TrainingExample{
			TenantID:     tenantID,
			SuggestionID: suggestion.ID,
			Features:     fv,
			Label:        models.LabelAccepted,
			CreatedAt:    at.UTC(),
		})
	}

	// status and examples commit together; a failed insert leaves it pending
	if err := s.store.ResolveSuggestion(ctx, tenantID, suggestionID, outcome.Status(), at, resolution.Examples...); err != nil {
		log.WithError(err).Warn("Failed to record resolution")
		return nil, err
	}
	if err := suggestion.Resolve(outcome.Status(), at); err != nil {
		return nil, errors.Wrap(err, errors.CategoryStorage, errors.CodeInvalidState, "suggestion changed while resolving")
	}

	if suggestion.MatchKind == models.MatchKindLearned && suggestion.PredictionLogID != "" {
		resolution.PredictionOutcome = models.PredictionIncorrect
		if outcome == models.OutcomeApplied {
			resolution.PredictionOutcome = models.PredictionCorrect
		}
		if err := s.store.RecordPredictionOutcome(ctx, tenantID, suggestion.PredictionLogID, resolution.PredictionOutcome); err != nil {
			if !errors.HasCode(err, errors.CodeNotFound) {
				return nil, err
			}
			log.WithField("prediction_log_id", suggestion.PredictionLogID).Warn("Prediction log no longer exists, outcome not recorded")
			resolution.PredictionOutcome = models.PredictionUnresolved
		}
	}

	log.WithFields(logger.Fields{
		"outcome":  outcome,
		"examples": len(resolution.Examples),
	}).Info("Suggestion resolved")

	return resolution, nil
}

// CloseRun expires every suggestion of the run that is still pending
func (s *SuggestionService) CloseRun(ctx context.Context, tenantID, runID string) (int64, error) {
	expired, err := s.store.ExpirePending(ctx, tenantID, runID, s.now())
	if err != nil {
		return 0, err
	}
	s.logger.WithFields(logger.Fields{
		"tenant_id": tenantID,
		"run_id":    runID,
		"expired":   expired,
	}).Info("Run closed")
	return expired, nil
}
