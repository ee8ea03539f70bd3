// Package training turns labeled resolution feedback into tenant classifiers
// and promotes them when they beat the active model.
package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"golang-reconciliation-engine/internal/classifier"
	"golang-reconciliation-engine/internal/models"
	"golang-reconciliation-engine/internal/workers"
	"golang-reconciliation-engine/pkg/errors"
	"golang-reconciliation-engine/pkg/logger"
)

// Config controls when and how a tenant model is trained
type Config struct {
	MinTrainingData int     `json:"minTrainingData" yaml:"minTrainingData" mapstructure:"minTrainingData"`
	MinAccuracy     float64 `json:"minAccuracy" yaml:"minAccuracy" mapstructure:"minAccuracy"`
	NumTrees        int     `json:"numTrees" yaml:"numTrees" mapstructure:"numTrees"`
	MaxDepth        int     `json:"maxDepth" yaml:"maxDepth" mapstructure:"maxDepth"`
	MinSamplesSplit int     `json:"minSamplesSplit" yaml:"minSamplesSplit" mapstructure:"minSamplesSplit"`
	// ValidationSplit is the share of examples held out for evaluation
	ValidationSplit float64       `json:"validationSplit" yaml:"validationSplit" mapstructure:"validationSplit"`
	Seed            int64         `json:"seed" yaml:"seed" mapstructure:"seed"`
	Timeout         time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	BuildWorkers    int           `json:"buildWorkers" yaml:"buildWorkers" mapstructure:"buildWorkers"`
}

// DefaultConfig returns the training defaults
func DefaultConfig() Config {
	return Config{
		MinTrainingData: 50,
		MinAccuracy:     0.70,
		NumTrees:        100,
		MaxDepth:        10,
		MinSamplesSplit: 4,
		ValidationSplit: 0.2,
		Seed:            42,
		Timeout:         10 * time.Minute,
		BuildWorkers:    2,
	}
}

// Validate checks the training settings
func (c Config) Validate() error {
	if c.MinTrainingData < 1 {
		return errors.ConfigurationError("ml.minTrainingData", c.MinTrainingData, "must be positive")
	}
	if c.MinAccuracy < 0 || c.MinAccuracy > 1 {
		return errors.ConfigurationError("ml.minAccuracy", c.MinAccuracy, "must be between 0 and 1")
	}
	if c.NumTrees < 1 {
		return errors.ConfigurationError("ml.numTrees", c.NumTrees, "must be positive")
	}
	if c.MaxDepth < 1 {
		return errors.ConfigurationError("ml.maxDepth", c.MaxDepth, "must be positive")
	}
	if c.ValidationSplit < 0 || c.ValidationSplit >= 1 {
		return errors.ConfigurationError("ml.validationSplit", c.ValidationSplit, "must be in [0, 1)")
	}
	if c.Timeout <= 0 {
		return errors.ConfigurationError("ml.timeout", c.Timeout, "must be positive")
	}
	return nil
}

func (c Config) params() classifier.Params {
	p := classifier.DefaultParams()
	p.NumTrees = c.NumTrees
	p.MaxDepth = c.MaxDepth
	if c.MinSamplesSplit > 0 {
		p.MinSamplesSplit = c.MinSamplesSplit
	}
	p.Seed = c.Seed
	if c.BuildWorkers > 0 {
		p.Workers = c.BuildWorkers
	}
	return p
}

// ExampleSource provides labeled examples
type ExampleSource interface {
	UsableTrainingExamples(ctx context.Context, tenantID string) ([]*models.TrainingExample, error)
	MarkExamplesConsumed(ctx context.Context, tenantID string, ids []string, at time.Time) error
}

// Registry records trained models and which one is active
type Registry interface {
	SaveModel(ctx context.Context, m *models.TrainedModel) error
	ActiveModel(ctx context.Context, tenantID string) (*models.TrainedModel, error)
	PromoteModel(ctx context.Context, tenantID, version string) error
}

// ArtifactSaver persists classifiers
type ArtifactSaver interface {
	Save(ctx context.Context, forest *classifier.Forest, meta models.TrainedModel) (string, error)
	Delete(location string) error
}

// Activator swaps the in-memory active model after promotion
type Activator interface {
	Activate(tenantID string, model *models.TrainedModel, forest *classifier.Forest)
}

// Status is the outcome of one training attempt
type Status string

const (
	StatusSkipped   Status = "skipped"
	StatusDiscarded Status = "discarded"
	// StatusTrained means the model was stored but did not beat the active one
	StatusTrained  Status = "trained"
	StatusPromoted Status = "promoted"
)

// Result describes one training attempt
type Result struct {
	TenantID      string
	Status        Status
	Model         *models.TrainedModel
	Previous      *models.TrainedModel
	Metrics       classifier.Metrics
	ExampleCount  int
	TrainCount    int
	HoldoutCount  int
	SelfEvaluated bool
	// Reason explains skipped and discarded attempts
	Reason   *errors.ReconcilerError
	Duration time.Duration
}

// Pipeline trains tenant models
type Pipeline struct {
	config    Config
	examples  ExampleSource
	registry  Registry
	artifacts ArtifactSaver
	activator Activator
	pool      *workers.Pool
	logger    logger.Logger
	now       func() time.Time
}

// NewPipeline wires a training pipeline. pool and activator may be nil.
func NewPipeline(
	config Config,
	examples ExampleSource,
	registry Registry,
	artifacts ArtifactSaver,
	activator Activator,
	pool *workers.Pool,
	log logger.Logger,
) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Pipeline{
		config:    config,
		examples:  examples,
		registry:  registry,
		artifacts: artifacts,
		activator: activator,
		pool:      pool,
		logger:    logger.OrGlobal(log).WithComponent("training"),
		now:       time.Now,
	}, nil
}

// Train runs one training attempt for a tenant. Skipped and discarded attempts
// are reported in the Result; artifact and storage failures are returned.
func (p *Pipeline) Train(ctx context.Context, tenantID string) (*Result, error) {
	start := p.now()
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	log := p.logger.WithField("tenant_id", tenantID)
	result := &Result{TenantID: tenantID}

	examples, err := p.examples.UsableTrainingExamples(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	result.ExampleCount = len(examples)

	if len(examples) < p.config.MinTrainingData {
		result.Status = StatusSkipped
		result.Reason = errors.New(errors.CategoryTraining, errors.CodeInsufficientTrainingData,
			fmt.Sprintf("%d training examples available, %d required", len(examples), p.config.MinTrainingData)).
			WithContext("tenant_id", tenantID)
		result.Duration = p.now().Sub(start)
		log.WithFields(logger.Fields{
			"examples": len(examples),
			"required": p.config.MinTrainingData,
		}).Info("Skipping training: insufficient data")
		return result, nil
	}

	train, holdout, selfEvaluated := Split(examples, p.config.ValidationSplit, p.config.Seed)
	result.TrainCount = train.Len()
	result.HoldoutCount = holdout.Len()
	result.SelfEvaluated = selfEvaluated
	if selfEvaluated {
		log.Info("Holdout split would leave one side empty, evaluating on the training set")
	}

	forest, err := p.fit(ctx, train)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.CategoryTraining, errors.CodeTimeoutExceeded,
				fmt.Sprintf("training exceeded its %s timeout", p.config.Timeout)).
				WithContext("tenant_id", tenantID)
		}
		return nil, errors.InternalError(errors.CodeUnexpectedError, "model training", err).
			WithContext("tenant_id", tenantID)
	}

	result.Metrics = classifier.Evaluate(forest, holdout)
	log = log.WithFields(logger.Fields{
		"accuracy":  result.Metrics.Accuracy,
		"precision": result.Metrics.Precision,
		"recall":    result.Metrics.Recall,
		"f1":        result.Metrics.F1,
	})

	if result.Metrics.Accuracy < p.config.MinAccuracy {
		result.Status = StatusDiscarded
		result.Reason = errors.New(errors.CategoryTraining, errors.CodeAccuracyBelowThreshold,
			fmt.Sprintf("accuracy %.3f below minimum %.3f", result.Metrics.Accuracy, p.config.MinAccuracy)).
			WithContext("tenant_id", tenantID)
		result.Duration = p.now().Sub(start)
		log.Info("Discarding trained model: accuracy below threshold")
		return result, nil
	}

	created := p.now().UTC()
	model := &models.TrainedModel{
		Version:              models.NewModelVersion(created),
		TenantID:             tenantID,
		CreatedAt:            created,
		Accuracy:             result.Metrics.Accuracy,
		Precision:            result.Metrics.Precision,
		Recall:               result.Metrics.Recall,
		F1:                   result.Metrics.F1,
		TrainingExampleCount: train.Len(),
	}

	location, err := p.artifacts.Save(ctx, forest, *model)
	if err != nil {
		log.WithError(err).Error("Failed to persist trained model")
		return nil, err
	}
	model.ArtifactLocation = location

	if err := p.registry.SaveModel(ctx, model); err != nil {
		if delErr := p.artifacts.Delete(location); delErr != nil {
			log.WithError(delErr).Warn("Failed to remove unregistered artifact")
		}
		return nil, err
	}
	result.Model = model

	active, err := p.registry.ActiveModel(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	result.Previous = active

	if active != nil && model.Accuracy <= active.Accuracy {
		result.Status = StatusTrained
		result.Duration = p.now().Sub(start)
		log.WithFields(logger.Fields{
			"version":         model.Version,
			"active_version":  active.Version,
			"active_accuracy": active.Accuracy,
		}).Info("Trained model kept inactive: does not beat active model")
		return result, nil
	}

	if err := p.registry.PromoteModel(ctx, tenantID, model.Version); err != nil {
		return nil, err
	}
	model.IsActive = true
	model.Status = models.ModelStatusActive
	if p.activator != nil {
		p.activator.Activate(tenantID, model, forest)
	}

	ids := make([]string, 0, len(examples))
	for _, ex := range examples {
		if ex.ConsumedAt == nil {
			ids = append(ids, ex.ID)
		}
	}
	if err := p.examples.MarkExamplesConsumed(ctx, tenantID, ids, created); err != nil {
		log.WithError(err).Warn("Failed to mark training examples consumed")
	}

	result.Status = StatusPromoted
	result.Duration = p.now().Sub(start)
	log.WithFields(logger.Fields{
		"version":  model.Version,
		"examples": train.Len(),
		"duration": result.Duration,
	}).Info("Promoted new model")
	return result, nil
}

func (p *Pipeline) fit(ctx context.Context, ds classifier.Dataset) (*classifier.Forest, error) {
	train := func(ctx context.Context) (*classifier.Forest, error) {
		return classifier.Train(ctx, ds, p.config.params())
	}
	if p.pool == nil {
		return train(ctx)
	}
	return workers.Do(ctx, p.pool, train)
}

// Split shuffles examples with a seeded source and holds out a share for
// evaluation. When either side would be empty both datasets are the full set
// and selfEvaluated is true.
func Split(examples []*models.TrainingExample, validationSplit float64, seed int64) (train, holdout classifier.Dataset, selfEvaluated bool) {
	order := rand.New(rand.NewSource(seed)).Perm(len(examples))
	n := int(math.Round(float64(len(examples)) * validationSplit))

	if n == 0 || n >= len(examples) {
		all := toDataset(examples, order)
		return all, all, true
	}
	return toDataset(examples, order[n:]), toDataset(examples, order[:n]), false
}

func toDataset(examples []*models.TrainingExample, order []int) classifier.Dataset {
	ds := classifier.Dataset{
		X: make([][]float64, len(order)),
		Y: make([]bool, len(order)),
	}
	for i, idx := range order {
		ds.X[i] = examples[idx].Features.Slice()
		ds.Y[i] = examples[idx].Label.IsPositive()
	}
	return ds
}
