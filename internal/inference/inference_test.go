package inference

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang-reconciliation-engine/internal/classifier"
	"golang-reconciliation-engine/internal/models"
	"golang-reconciliation-engine/internal/workers"
	"golang-reconciliation-engine/pkg/logger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseDate = time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)

type fakeRegistry struct {
	mu     sync.Mutex
	active *models.TrainedModel
	calls  int
}

func (r *fakeRegistry) ActiveModel(ctx context.Context, tenantID string) (*models.TrainedModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.active, nil
}

type fakeLoader struct {
	forest *classifier.Forest
	err    error
}

func (l *fakeLoader) Load(location string) (*classifier.Forest, error) {
	return l.forest, l.err
}

type memLogs struct {
	mu   sync.Mutex
	logs []*models.PredictionLog
}

func (m *memLogs) AppendPredictionLog(ctx context.Context, log *models.PredictionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}

// referenceStump predicts 0.9 when references match and 0.1 otherwise
func referenceStump() *classifier.Forest {
	return &classifier.Forest{
		NumFeatures: models.FeatureCount,
		Trees: []classifier.Tree{{Nodes: []classifier.Node{
			{Feature: models.FeatureReferenceMatch, Threshold: 0.5, Left: 1, Right: 2},
			{Feature: -1, Value: 0.1},
			{Feature: -1, Value: 0.9},
		}}},
	}
}

func activeRecord(version string) *models.TrainedModel {
	return &models.TrainedModel{
		TenantID:         "acme",
		Version:          version,
		Accuracy:         0.9,
		ArtifactLocation: "/models/acme/model_" + version + ".rcmf",
		IsActive:         true,
	}
}

func movement(id, amount string, days int, ref string) models.CandidateMovement {
	return models.NewMovement(id, decimal.RequireFromString(amount), baseDate.AddDate(0, 0, days), "payment "+id, ref)
}

func entry(id, amount string, days int, ref string) models.CandidateEntry {
	return models.NewEntry(id, decimal.RequireFromString(amount), baseDate.AddDate(0, 0, days), "invoice "+id, ref)
}

type fixture struct {
	registry *fakeRegistry
	loader   *fakeLoader
	logs     *memLogs
	service  *Service
}

func newFixture(t *testing.T, active *models.TrainedModel, pool *workers.Pool) *fixture {
	t.Helper()
	f := &fixture{
		registry: &fakeRegistry{active: active},
		loader:   &fakeLoader{forest: referenceStump()},
		logs:     &memLogs{},
	}
	cache := NewActiveModelCache(f.registry, f.loader, logger.NewNop())
	var err error
	f.service, err = NewService(DefaultConfig(), cache, f.logs, nil, pool, logger.NewNop())
	require.NoError(t, err)
	return f
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MaxAmountRatio = 0.1
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MinProbability = 2
	assert.Error(t, bad.Validate())
}

func TestPredictWithoutModelReturnsNil(t *testing.T) {
	f := newFixture(t, nil, nil)

	got, err := f.service.PredictBestMatch(context.Background(), "acme",
		movement("m1", "100.00", 0, "INV-1"), []models.CandidateEntry{entry("e1", "100.00", 0, "INV-1")})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, f.logs.logs)
}

func TestPredictPicksHighestProbability(t *testing.T) {
	f := newFixture(t, activeRecord("v1"), nil)

	got, err := f.service.PredictBestMatch(context.Background(), "acme",
		movement("m1", "-250.00", 0, "INV-77"),
		[]models.CandidateEntry{
			entry("e1", "250.00", 0, ""),
			entry("e2", "245.00", 2, "inv-77"),
		})
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, []string{"m1"}, got.MovementIDs)
	assert.Equal(t, []string{"e2"}, got.EntryIDs)
	assert.Equal(t, models.MatchKindLearned, got.MatchKind)
	assert.InDelta(t, 90, got.ConfidenceScore, 1e-9)
	assert.Equal(t, models.ConfidenceExcellent, got.ConfidenceLevel)
	assert.Equal(t, "v1", got.ModelVersion)
	assert.Equal(t, 2, got.DateGapDays)
	assert.True(t, got.AmountDifference.Equal(decimal.RequireFromString("5")))
	require.NotNil(t, got.Features)
	assert.Equal(t, 1.0, got.Features[models.FeatureReferenceMatch])

	require.Len(t, f.logs.logs, 1)
	log := f.logs.logs[0]
	assert.Equal(t, got.PredictionLogID, log.ID)
	assert.Equal(t, got.ID, log.SuggestionID)
	assert.Equal(t, "e2", log.ChosenEntryID)
	assert.Equal(t, 2, log.CandidateCount)
	assert.InDelta(t, 0.9, log.Confidence, 1e-9)
	assert.Equal(t, "v1", log.ModelVersion)
}

func TestPredictPrefiltersCandidates(t *testing.T) {
	f := newFixture(t, activeRecord("v1"), nil)

	got, err := f.service.PredictBestMatch(context.Background(), "acme",
		movement("m1", "100.00", 0, "INV-1"),
		[]models.CandidateEntry{
			entry("too-large", "300.00", 0, "INV-1"),
			entry("too-small", "40.00", 0, "INV-1"),
			entry("too-late", "100.00", 31, "INV-1"),
			entry("invalid", "0", 0, "INV-1"),
			entry("ok", "100.00", 30, ""),
		})
	require.NoError(t, err)
	// Only "ok" survives and it scores below the floor.
	assert.Nil(t, got)

	require.Len(t, f.logs.logs, 1)
	assert.Equal(t, 1, f.logs.logs[0].CandidateCount)
	assert.Empty(t, f.logs.logs[0].ChosenEntryID)
	assert.InDelta(t, 0.1, f.logs.logs[0].Confidence, 1e-9)
}

func TestPredictBreaksTiesByDateGap(t *testing.T) {
	f := newFixture(t, activeRecord("v1"), nil)

	got, err := f.service.PredictBestMatch(context.Background(), "acme",
		movement("m1", "100.00", 0, "INV-1"),
		[]models.CandidateEntry{
			entry("far", "100.00", 5, "INV-1"),
			entry("near", "100.00", 1, "INV-1"),
		})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"near"}, got.EntryIDs)
}

func TestLoadFailureFallsBack(t *testing.T) {
	f := newFixture(t, activeRecord("v1"), nil)
	f.loader.err = stderrors.New("artifact corrupt")

	got, err := f.service.PredictBestMatch(context.Background(), "acme",
		movement("m1", "100.00", 0, "INV-1"), []models.CandidateEntry{entry("e1", "100.00", 0, "INV-1")})
	require.NoError(t, err)
	assert.Nil(t, got)

	// The failure is remembered until the next activation.
	f.service.Cache().Get(context.Background(), "acme")
	assert.Equal(t, 1, f.registry.calls)

	f.service.Cache().Activate("acme", activeRecord("v2"), referenceStump())
	loaded := f.service.Cache().Get(context.Background(), "acme")
	require.NotNil(t, loaded)
	assert.Equal(t, "v2", loaded.Model.Version)
}

func TestInvalidateReloads(t *testing.T) {
	f := newFixture(t, activeRecord("v1"), nil)
	cache := f.service.Cache()

	first := cache.Get(context.Background(), "acme")
	require.NotNil(t, first)
	cache.Get(context.Background(), "acme")
	assert.Equal(t, 1, f.registry.calls)

	f.registry.active = activeRecord("v2")
	cache.Invalidate("acme")
	second := cache.Get(context.Background(), "acme")
	require.NotNil(t, second)
	assert.Equal(t, "v2", second.Model.Version)
	assert.Equal(t, 2, f.registry.calls)

	assert.Nil(t, cache.Get(context.Background(), "other-tenant-without-model"))
}

func TestActivationIsAtomicForReaders(t *testing.T) {
	f := newFixture(t, activeRecord("v0"), nil)
	cache := f.service.Cache()

	forests := map[string]*classifier.Forest{}
	for _, v := range []string{"v0", "v1", "v2", "v3"} {
		forests[v] = referenceStump()
	}
	f.loader.forest = forests["v0"]

	var stop atomic.Bool
	var mismatches atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				loaded := cache.Get(context.Background(), "acme")
				if loaded == nil || loaded.Forest != forests[loaded.Model.Version] {
					mismatches.Add(1)
				}
			}
		}()
	}

	for _, v := range []string{"v1", "v2", "v3"} {
		cache.Activate("acme", activeRecord(v), forests[v])
		time.Sleep(time.Millisecond)
	}
	stop.Store(true)
	wg.Wait()

	assert.Equal(t, int32(0), mismatches.Load())
	assert.Equal(t, "v3", cache.Get(context.Background(), "acme").Model.Version)
}

func TestSuggestAllOnPoolKeepsOrder(t *testing.T) {
	pool, err := workers.New("inference", 4, 8, logger.NewNop())
	require.NoError(t, err)
	defer pool.Close()
	f := newFixture(t, activeRecord("v1"), pool)

	movements := []models.CandidateMovement{
		movement("m1", "100.00", 0, "A-1"),
		movement("m2", "200.00", 0, "NOPE"),
		movement("m3", "300.00", 0, "A-3"),
	}
	entries := []models.CandidateEntry{
		entry("e1", "100.00", 0, "A-1"),
		entry("e2", "200.00", 0, "OTHER"),
		entry("e3", "300.00", 0, "A-3"),
	}

	got, err := f.service.SuggestAll(context.Background(), "acme", movements, entries)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"m1"}, got[0].MovementIDs)
	assert.Equal(t, []string{"e1"}, got[0].EntryIDs)
	assert.Equal(t, []string{"m3"}, got[1].MovementIDs)
	assert.Len(t, f.logs.logs, 3)
}
