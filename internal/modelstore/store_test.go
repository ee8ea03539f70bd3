package modelstore

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang-reconciliation-engine/internal/classifier"
	"golang-reconciliation-engine/internal/models"
	"golang-reconciliation-engine/pkg/errors"
	"golang-reconciliation-engine/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), logger.NewNop())
	require.NoError(t, err)
	store.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return store
}

// stumpForest splits on text similarity at 0.5
func stumpForest() *classifier.Forest {
	return &classifier.Forest{
		NumFeatures: models.FeatureCount,
		Trees: []classifier.Tree{{Nodes: []classifier.Node{
			{Feature: models.FeatureTextSimilarity, Threshold: 0.5, Left: 1, Right: 2},
			{Feature: -1, Value: 0.2},
			{Feature: -1, Value: 0.8},
		}}},
	}
}

func meta(tenant string, created time.Time) models.TrainedModel {
	return models.TrainedModel{
		Version:              models.NewModelVersion(created),
		TenantID:             tenant,
		CreatedAt:            created.UTC(),
		Accuracy:             0.91,
		Precision:            0.88,
		Recall:               0.93,
		F1:                   0.904,
		TrainingExampleCount: 120,
	}
}

func TestSaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	created := time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC)

	location, err := store.Save(context.Background(), stumpForest(), meta("acme", created))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.BaseDir(), "acme", "model_20240601T103000.000Z.rcmf"), location)

	forest, err := store.Load(location)
	require.NoError(t, err)
	assert.Equal(t, stumpForest(), forest)

	loaded, err := store.LoadMetadata(location)
	require.NoError(t, err)
	assert.Equal(t, "acme", loaded.TenantID)
	assert.Equal(t, 0.91, loaded.Accuracy)
	assert.Equal(t, 120, loaded.TrainingExampleCount)
	assert.True(t, created.Equal(loaded.CreatedAt))
	assert.Equal(t, location, loaded.ArtifactLocation)
}

func TestSaveRequiresVersionAndTenant(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Save(context.Background(), stumpForest(), models.TrainedModel{TenantID: "acme"})
	assert.Error(t, err)

	_, err = store.Save(context.Background(), stumpForest(), meta("", time.Now()))
	assert.Error(t, err)
}

func TestSavePropagatesIOFailure(t *testing.T) {
	store := newTestStore(t)
	// A regular file where the tenant directory should be.
	require.NoError(t, os.WriteFile(filepath.Join(store.BaseDir(), "acme"), []byte("x"), 0644))

	_, err := store.Save(context.Background(), stumpForest(), meta("acme", time.Now()))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeArtifactIO))
}

func TestLoadMissingArtifact(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load(filepath.Join(store.BaseDir(), "acme", "model_missing.rcmf"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeArtifactNotFound))
}

func TestLoadCorruptArtifact(t *testing.T) {
	store := newTestStore(t)
	location, err := store.Save(context.Background(), stumpForest(), meta("acme", time.Now()))
	require.NoError(t, err)

	data, err := os.ReadFile(location)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(location, data, 0644))

	_, err = store.Load(location)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeArtifactCorrupt))
	assert.True(t, stderrors.Is(err, classifier.ErrCorruptArtifact))
}

func TestLoadRejectsWrongFeatureCount(t *testing.T) {
	store := newTestStore(t)
	forest := stumpForest()
	forest.NumFeatures = 3
	forest.Trees[0].Nodes[0].Feature = 2

	location, err := store.Save(context.Background(), forest, meta("acme", time.Now()))
	require.NoError(t, err)

	_, err = store.Load(location)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeArtifactCorrupt))
}

func TestListArtifactsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := store.Save(context.Background(), stumpForest(), meta("acme", base.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}
	_, err := store.Save(context.Background(), stumpForest(), meta("other", base))
	require.NoError(t, err)

	artifacts, err := store.ListArtifacts("acme")
	require.NoError(t, err)
	require.Len(t, artifacts, 3)
	assert.Equal(t, models.NewModelVersion(base.Add(2*time.Hour)), artifacts[0].Version)
	assert.Equal(t, models.NewModelVersion(base), artifacts[2].Version)
	require.NotNil(t, artifacts[0].Metadata)
	assert.Equal(t, "acme", artifacts[0].Metadata.TenantID)

	none, err := store.ListArtifacts("nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRetainKeepsNewestAndProtected(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var locations []string
	for i := 0; i < 5; i++ {
		location, err := store.Save(context.Background(), stumpForest(), meta("acme", base.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
		locations = append(locations, location)
	}

	// The oldest artifact is the active one.
	deleted, err := store.Retain("acme", 2, locations[0])
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{locations[1], locations[2]}, deleted)

	remaining, err := store.ListArtifacts("acme")
	require.NoError(t, err)
	require.Len(t, remaining, 3)
	assert.Equal(t, locations[4], remaining[0].Location)
	assert.Equal(t, locations[3], remaining[1].Location)
	assert.Equal(t, locations[0], remaining[2].Location)

	_, err = os.Stat(sidecarPath(locations[1]))
	assert.True(t, os.IsNotExist(err))
}

func TestRetainWithNothingToDelete(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Save(context.Background(), stumpForest(), meta("acme", time.Now()))
	require.NoError(t, err)

	deleted, err := store.Retain("acme", 3)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	location, err := store.Save(context.Background(), stumpForest(), meta("acme", time.Now()))
	require.NoError(t, err)

	require.NoError(t, store.Delete(location))
	require.NoError(t, store.Delete(location))

	_, err = store.Load(location)
	assert.True(t, errors.HasCode(err, errors.CodeArtifactNotFound))
}

func TestSanitizeTenantID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"acme", "acme", false},
		{"acme-corp_2", "acme-corp_2", false},
		{"../etc", "%2E.%2Fetc", false},
		{"a/b c", "a%2Fb%20c", false},
		{"50%", "50%25", false},
		{".hidden", "%2Ehidden", false},
		{"", "", true},
		{"  ", "", true},
		{"..", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := SanitizeTenantID(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSanitizeTenantIDIsInjective(t *testing.T) {
	ids := []string{"a/b", "a_b", "a b", "a%2Fb", "a\\b", ".ab", "%2Eab", "A_B"}
	seen := make(map[string]string, len(ids))
	for _, id := range ids {
		name, err := SanitizeTenantID(id)
		require.NoError(t, err)
		assert.NotContains(t, name, "/")
		if other, ok := seen[name]; ok {
			t.Fatalf("tenants %q and %q share directory %q", other, id, name)
		}
		seen[name] = id
	}
}

func TestRetainDoesNotTouchSimilarTenant(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	other, err := store.Save(context.Background(), stumpForest(), meta("a_b", base))
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := store.Save(context.Background(), stumpForest(), meta("a/b", base.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}

	deleted, err := store.Retain("a/b", 1)
	require.NoError(t, err)
	assert.Len(t, deleted, 2)
	assert.NotContains(t, deleted, other)

	remaining, err := store.ListArtifacts("a_b")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, other, remaining[0].Location)
}
