package inference

import (
	"context"
	"fmt"
	"time"

	"golang-reconciliation-engine/internal/features"
	"golang-reconciliation-engine/internal/models"
	"golang-reconciliation-engine/internal/workers"
	"golang-reconciliation-engine/pkg/errors"
	"golang-reconciliation-engine/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Config bounds the candidate set offered to the model
type Config struct {
	MinAmountRatio      float64 `json:"minAmountRatio" yaml:"minAmountRatio" mapstructure:"minAmountRatio"`
	MaxAmountRatio      float64 `json:"maxAmountRatio" yaml:"maxAmountRatio" mapstructure:"maxAmountRatio"`
	MaxDateDistanceDays int     `json:"maxDateDistanceDays" yaml:"maxDateDistanceDays" mapstructure:"maxDateDistanceDays"`
	MinProbability      float64 `json:"minProbability" yaml:"minProbability" mapstructure:"minProbability"`
}

// DefaultConfig returns the inference defaults
func DefaultConfig() Config {
	return Config{
		MinAmountRatio:      0.5,
		MaxAmountRatio:      2.0,
		MaxDateDistanceDays: 30,
		MinProbability:      0.5,
	}
}

// Validate checks the inference settings
func (c Config) Validate() error {
	if c.MinAmountRatio <= 0 || c.MaxAmountRatio < c.MinAmountRatio {
		return errors.ConfigurationError("ml.inference.amountRatio",
			fmt.Sprintf("[%v, %v]", c.MinAmountRatio, c.MaxAmountRatio), "must be a positive, ordered range")
	}
	if c.MaxDateDistanceDays < 0 {
		return errors.ConfigurationError("ml.inference.maxDateDistanceDays", c.MaxDateDistanceDays, "must not be negative")
	}
	if c.MinProbability < 0 || c.MinProbability > 1 {
		return errors.ConfigurationError("ml.inference.minProbability", c.MinProbability, "must be between 0 and 1")
	}
	return nil
}

// PredictionLogger appends prediction logs
type PredictionLogger interface {
	AppendPredictionLog(ctx context.Context, log *models.PredictionLog) error
}

// HistorySource supplies per-tenant aggregates for feature extraction
type HistorySource interface {
	HistoricalAggregates(ctx context.Context, tenantID string) (models.HistoricalAggregates, error)
}

// Service answers best-match queries with the tenant's active model.
type Service struct {
	config  Config
	cache   *ActiveModelCache
	logs    PredictionLogger
	history HistorySource
	pool    *workers.Pool
	logger  logger.Logger
	now     func() time.Time
}

// NewService wires the inference service. history and pool may be nil.
func NewService(config Config, cache *ActiveModelCache, logs PredictionLogger, history HistorySource, pool *workers.Pool, log logger.Logger) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		config:  config,
		cache:   cache,
		logs:    logs,
		history: history,
		pool:    pool,
		logger:  logger.OrGlobal(log).WithComponent("inference"),
		now:     time.Now,
	}, nil
}

// Cache returns the active model cache
func (s *Service) Cache() *ActiveModelCache {
	return s.cache
}

// PredictBestMatch returns the learned suggestion for one movement, or nil when
// the tenant has no active model or no candidate clears the probability floor.
func (s *Service) PredictBestMatch(ctx context.Context, tenantID string, movement models.CandidateMovement, entries []models.CandidateEntry) (*models.MatchSuggestion, error) {
	loaded := s.cache.Get(ctx, tenantID)
	if loaded == nil {
		return nil, nil
	}
	history := s.aggregates(ctx, tenantID)
	return s.predict(ctx, tenantID, loaded, history, movement, entries), nil
}

// SuggestAll runs PredictBestMatch for every movement on the inference pool.
// Results keep movement order; movements without a prediction are omitted.
func (s *Service) SuggestAll(ctx context.Context, tenantID string, movements []models.CandidateMovement, entries []models.CandidateEntry) ([]*models.MatchSuggestion, error) {
	loaded := s.cache.Get(ctx, tenantID)
	if loaded == nil {
		return nil, nil
	}
	history := s.aggregates(ctx, tenantID)

	results := make([]*models.MatchSuggestion, len(movements))
	if s.pool == nil {
		for i, m := range movements {
			if err := ctx.Err(); err != nil {
				return compact(results), err
			}
			results[i] = s.predict(ctx, tenantID, loaded, history, m, entries)
		}
		return compact(results), nil
	}

	channels := make([]<-chan workers.Result, 0, len(movements))
	for _, m := range movements {
		ch, err := s.pool.Submit(ctx, func(ctx context.Context) (interface{}, error) {
			return s.predict(ctx, tenantID, loaded, history, m, entries), nil
		})
		if err != nil {
			return s.collect(ctx, channels, results), err
		}
		channels = append(channels, ch)
	}
	return s.collect(ctx, channels, results), ctx.Err()
}

func (s *Service) collect(ctx context.Context, channels []<-chan workers.Result, results []*models.MatchSuggestion) []*models.MatchSuggestion {
	for i, ch := range channels {
		select {
		case res := <-ch:
			if sg, ok := res.Value.(*models.MatchSuggestion); ok && res.Err == nil {
				results[i] = sg
			}
		case <-ctx.Done():
			return compact(results)
		}
	}
	return compact(results)
}

func compact(in []*models.MatchSuggestion) []*models.MatchSuggestion {
	var out []*models.MatchSuggestion
	for _, sg := range in {
		if sg != nil {
			out = append(out, sg)
		}
	}
	return out
}

func (s *Service) aggregates(ctx context.Context, tenantID string) models.HistoricalAggregates {
	if s.history == nil {
		return models.HistoricalAggregates{}
	}
	agg, err := s.history.HistoricalAggregates(ctx, tenantID)
	if err != nil {
		s.logger.WithError(err).WithField("tenant_id", tenantID).Warn("Historical aggregates unavailable, using neutral values")
		return models.HistoricalAggregates{}
	}
	return agg
}

type scored struct {
	entry       *models.Candidate
	probability float64
	features    models.FeatureVector
	dateGap     int
}

func (s *Service) predict(ctx context.Context, tenantID string, loaded *LoadedModel, history models.HistoricalAggregates, movement models.CandidateMovement, entries []models.CandidateEntry) *models.MatchSuggestion {
	start := s.now()
	m := &movement.Candidate
	if m.Validate() != nil {
		return nil
	}

	candidates := s.reasonable(m, entries)
	var best *scored
	for _, e := range candidates {
		fv := features.ExtractCandidates(m, e, history)
		p := loaded.Forest.PredictProba(fv[:])
		gap := models.DaysBetween(m.Date, e.Date)
		if best == nil || p > best.probability || (p == best.probability && gap < best.dateGap) {
			best = &scored{entry: e, probability: p, features: fv, dateGap: gap}
		}
	}

	entry := &models.PredictionLog{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		MovementID:     m.ID,
		CandidateCount: len(candidates),
		ModelVersion:   loaded.Model.Version,
		CreatedAt:      start.UTC(),
	}

	var suggestion *models.MatchSuggestion
	if best != nil && best.probability >= s.config.MinProbability {
		suggestion = s.newLearned(m, best, loaded.Model.Version, entry.ID)
		entry.SuggestionID = suggestion.ID
		entry.ChosenEntryID = best.entry.ID
		entry.Confidence = best.probability
	} else if best != nil {
		entry.Confidence = best.probability
	}
	entry.Latency = s.now().Sub(start)

	if s.logs != nil {
		if err := s.logs.AppendPredictionLog(ctx, entry); err != nil {
			s.logger.WithError(err).WithField("tenant_id", tenantID).Warn("Failed to append prediction log")
			if suggestion != nil {
				suggestion.PredictionLogID = ""
			}
		}
	}
	return suggestion
}

// reasonable pre-filters entries on amount ratio and date distance. Entries it
// drops stay available to the heuristic generator.
func (s *Service) reasonable(m *models.Candidate, entries []models.CandidateEntry) []*models.Candidate {
	movementAbs := m.AbsAmount()
	minRatio := decimal.NewFromFloat(s.config.MinAmountRatio)
	maxRatio := decimal.NewFromFloat(s.config.MaxAmountRatio)

	var out []*models.Candidate
	for i := range entries {
		e := &entries[i].Candidate
		if e.Validate() != nil {
			continue
		}
		ratio := e.AbsAmount().Div(movementAbs)
		if ratio.LessThan(minRatio) || ratio.GreaterThan(maxRatio) {
			continue
		}
		if models.DaysBetween(m.Date, e.Date) > s.config.MaxDateDistanceDays {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *Service) newLearned(m *models.Candidate, best *scored, version, logID string) *models.MatchSuggestion {
	fv := best.features
	sg := &models.MatchSuggestion{
		ID:               uuid.NewString(),
		MovementIDs:      []string{m.ID},
		EntryIDs:         []string{best.entry.ID},
		MatchKind:        models.MatchKindLearned,
		Reason:           fmt.Sprintf("model %s match probability %.2f", version, best.probability),
		Status:           models.StatusPending,
		AmountDifference: m.AbsAmount().Sub(best.entry.AbsAmount()).Abs(),
		DateGapDays:      best.dateGap,
		ModelVersion:     version,
		PredictionLogID:  logID,
		Features:         &fv,
		CreatedAt:        s.now().UTC(),
	}
	sg.SetScore(best.probability * 100)
	return sg
}
