package training

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"golang-reconciliation-engine/internal/classifier"
	"golang-reconciliation-engine/internal/models"
	"golang-reconciliation-engine/internal/workers"
	"golang-reconciliation-engine/pkg/errors"
	"golang-reconciliation-engine/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memExamples struct {
	mu       sync.Mutex
	examples []*models.TrainingExample
	consumed []string
}

func (m *memExamples) UsableTrainingExamples(ctx context.Context, tenantID string) ([]*models.TrainingExample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TrainingExample
	for _, ex := range m.examples {
		if ex.TenantID == tenantID {
			out = append(out, ex)
		}
	}
	return out, nil
}

func (m *memExamples) MarkExamplesConsumed(ctx context.Context, tenantID string, ids []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumed = append(m.consumed, ids...)
	return nil
}

type memRegistry struct {
	models map[string]*models.TrainedModel
	active string
}

func newMemRegistry() *memRegistry {
	return &memRegistry{models: make(map[string]*models.TrainedModel)}
}

func (r *memRegistry) SaveModel(ctx context.Context, m *models.TrainedModel) error {
	copied := *m
	r.models[m.Version] = &copied
	return nil
}

func (r *memRegistry) ActiveModel(ctx context.Context, tenantID string) (*models.TrainedModel, error) {
	if r.active == "" {
		return nil, nil
	}
	copied := *r.models[r.active]
	return &copied, nil
}

func (r *memRegistry) PromoteModel(ctx context.Context, tenantID, version string) error {
	if _, ok := r.models[version]; !ok {
		return fmt.Errorf("unknown version %s", version)
	}
	r.active = version
	return nil
}

type memArtifacts struct {
	saved   map[string]*classifier.Forest
	deleted []string
	fail    error
}

func (a *memArtifacts) Save(ctx context.Context, forest *classifier.Forest, meta models.TrainedModel) (string, error) {
	if a.fail != nil {
		return "", a.fail
	}
	if a.saved == nil {
		a.saved = make(map[string]*classifier.Forest)
	}
	location := "/models/" + meta.TenantID + "/model_" + meta.Version + ".rcmf"
	a.saved[location] = forest
	return location, nil
}

func (a *memArtifacts) Delete(location string) error {
	a.deleted = append(a.deleted, location)
	return nil
}

type recordingActivator struct {
	tenant string
	model  *models.TrainedModel
	forest *classifier.Forest
}

func (r *recordingActivator) Activate(tenantID string, model *models.TrainedModel, forest *classifier.Forest) {
	r.tenant, r.model, r.forest = tenantID, model, forest
}

// labeledExamples draws informative features from a hidden class; noise is
// the share of labels replaced by a coin flip.
func labeledExamples(tenant string, n int, noise float64, seed int64) []*models.TrainingExample {
	rng := rand.New(rand.NewSource(seed))
	out := make([]*models.TrainingExample, n)
	for i := range out {
		match := rng.Intn(2) == 0

		var fv models.FeatureVector
		for d := range fv {
			fv[d] = rng.Float64()
		}
		if match {
			fv[models.FeatureTextSimilarity] = 0.6 + 0.4*rng.Float64()
			fv[models.FeatureAmountRatio] = 0.9 + 0.1*rng.Float64()
			fv[models.FeatureReferenceMatch] = 1
			fv[models.FeatureDateGapDays] = float64(rng.Intn(3))
		} else {
			fv[models.FeatureTextSimilarity] = 0.4 * rng.Float64()
			fv[models.FeatureAmountRatio] = 0.5 * rng.Float64()
			fv[models.FeatureReferenceMatch] = 0
			fv[models.FeatureDateGapDays] = float64(10 + rng.Intn(20))
		}

		if rng.Float64() < noise {
			match = rng.Intn(2) == 0
		}
		label := models.LabelRejected
		if match {
			label = models.LabelAccepted
		}
		out[i] = &models.TrainingExample{
			ID:       fmt.Sprintf("ex-%03d", i),
			TenantID: tenant,
			Features: fv,
			Label:    label,
		}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NumTrees = 15
	cfg.MaxDepth = 6
	cfg.Timeout = time.Minute
	return cfg
}

type fixture struct {
	examples  *memExamples
	registry  *memRegistry
	artifacts *memArtifacts
	activator *recordingActivator
	pipeline  *Pipeline
}

func newFixture(t *testing.T, cfg Config, examples []*models.TrainingExample) *fixture {
	t.Helper()
	f := &fixture{
		examples:  &memExamples{examples: examples},
		registry:  newMemRegistry(),
		artifacts: &memArtifacts{},
		activator: &recordingActivator{},
	}
	pool, err := workers.New("training", 2, 4, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	f.pipeline, err = NewPipeline(cfg, f.examples, f.registry, f.artifacts, f.activator, pool, logger.NewNop())
	require.NoError(t, err)
	return f
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MinAccuracy = 1.5
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.ValidationSplit = 1
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.NumTrees = 0
	assert.Error(t, bad.Validate())
}

func TestTrainSkipsWithInsufficientData(t *testing.T) {
	f := newFixture(t, testConfig(), labeledExamples("acme", 49, 0, 1))

	result, err := f.pipeline.Train(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, result.Status)
	assert.Equal(t, 49, result.ExampleCount)
	require.NotNil(t, result.Reason)
	assert.Equal(t, errors.CodeInsufficientTrainingData, result.Reason.Code)
	assert.Empty(t, f.artifacts.saved)
}

func TestTrainPromotesFirstModel(t *testing.T) {
	f := newFixture(t, testConfig(), labeledExamples("acme", 200, 0, 2))

	result, err := f.pipeline.Train(context.Background(), "acme")
	require.NoError(t, err)
	require.Equal(t, StatusPromoted, result.Status)
	assert.Equal(t, 160, result.TrainCount)
	assert.Equal(t, 40, result.HoldoutCount)
	assert.False(t, result.SelfEvaluated)
	assert.GreaterOrEqual(t, result.Metrics.Accuracy, 0.7)
	assert.Nil(t, result.Previous)

	require.NotNil(t, result.Model)
	assert.True(t, result.Model.IsActive)
	assert.Equal(t, 160, result.Model.TrainingExampleCount)
	assert.Contains(t, f.artifacts.saved, result.Model.ArtifactLocation)
	assert.Equal(t, result.Model.Version, f.registry.active)

	assert.Equal(t, "acme", f.activator.tenant)
	assert.Same(t, f.artifacts.saved[result.Model.ArtifactLocation], f.activator.forest)
	assert.Len(t, f.examples.consumed, 200)
}

func TestTrainKeepsBetterActiveModel(t *testing.T) {
	f := newFixture(t, testConfig(), labeledExamples("acme", 200, 0, 3))
	f.registry.models["incumbent"] = &models.TrainedModel{Version: "incumbent", TenantID: "acme", Accuracy: 1.0}
	f.registry.active = "incumbent"

	result, err := f.pipeline.Train(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, StatusTrained, result.Status)
	require.NotNil(t, result.Previous)
	assert.Equal(t, "incumbent", result.Previous.Version)
	assert.Equal(t, "incumbent", f.registry.active)
	assert.Nil(t, f.activator.model)
	assert.Empty(t, f.examples.consumed)
	// The new model is still registered for later inspection.
	assert.Len(t, f.registry.models, 2)
}

func TestTrainDiscardsInaccurateModel(t *testing.T) {
	cfg := testConfig()
	cfg.MinAccuracy = 0.99
	// Every label is a coin flip, so no model can reach 99%.
	f := newFixture(t, cfg, labeledExamples("acme", 200, 1, 4))

	result, err := f.pipeline.Train(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, StatusDiscarded, result.Status)
	require.NotNil(t, result.Reason)
	assert.Equal(t, errors.CodeAccuracyBelowThreshold, result.Reason.Code)
	assert.Empty(t, f.artifacts.saved)
	assert.Empty(t, f.registry.active)
}

func TestTrainPropagatesSaveFailure(t *testing.T) {
	f := newFixture(t, testConfig(), labeledExamples("acme", 120, 0, 5))
	f.artifacts.fail = errors.ArtifactError(errors.CodeArtifactIO, "/models/acme", stderrors.New("disk full"))

	result, err := f.pipeline.Train(context.Background(), "acme")
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.HasCode(err, errors.CodeArtifactIO))
	assert.Empty(t, f.registry.active)
}

func TestTrainFallsBackToSelfEvaluation(t *testing.T) {
	cfg := testConfig()
	cfg.MinTrainingData = 2
	cfg.ValidationSplit = 0.1
	f := newFixture(t, cfg, labeledExamples("acme", 4, 0, 6))

	result, err := f.pipeline.Train(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, result.SelfEvaluated)
	assert.Equal(t, 4, result.TrainCount)
	assert.Equal(t, 4, result.HoldoutCount)
}

func TestSplitIsDeterministic(t *testing.T) {
	examples := labeledExamples("acme", 50, 0, 7)

	trainA, holdA, selfA := Split(examples, 0.2, 9)
	trainB, holdB, selfB := Split(examples, 0.2, 9)
	assert.False(t, selfA)
	assert.Equal(t, selfA, selfB)
	assert.Equal(t, trainA, trainB)
	assert.Equal(t, holdA, holdB)
	assert.Equal(t, 40, trainA.Len())
	assert.Equal(t, 10, holdA.Len())

	_, _, self := Split(examples, 0, 9)
	assert.True(t, self)
}
