package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang-reconciliation-engine/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50, cfg.ML.MinTrainingData)
	assert.Equal(t, 100, cfg.ML.NumTrees)
	assert.Equal(t, 30, cfg.ML.Inference.MaxDateDistanceDays)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Matching, cfg.Matching)
	assert.Equal(t, Default().Workers, cfg.Workers)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "reconciler.yaml", `
matching:
  autoApproveThreshold: 97
  amountTolerance:
    maximumAbsolute: 250
ml:
  numTrees: 40
  timeout: 90s
  retraining:
    keepArtifacts: 3
  schedules:
    training: "30 1 * * *"
workers:
  inferencePoolSize: 6
storage:
  dsn: /tmp/engine.db
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 97.0, cfg.Matching.AutoApproveThreshold)
	assert.Equal(t, 250.0, cfg.Matching.AmountTolerance.MaximumAbsolute)
	assert.Equal(t, 1.0, cfg.Matching.AmountTolerance.MinimumAbsolute, "untouched keys keep their defaults")
	assert.Equal(t, 40, cfg.ML.NumTrees)
	assert.Equal(t, 90*time.Second, cfg.ML.Timeout)
	assert.Equal(t, 3, cfg.ML.Retraining.KeepArtifacts)
	assert.Equal(t, "30 1 * * *", cfg.ML.Schedules.Training)
	assert.Equal(t, "0 3 * * 0", cfg.ML.Schedules.Cleanup)
	assert.Equal(t, 6, cfg.Workers.InferencePoolSize)
	assert.Equal(t, "/tmp/engine.db", cfg.Storage.DSN)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("RECONCILER_ML_NUMTREES", "25")
	t.Setenv("RECONCILER_ML_ENABLED", "false")
	t.Setenv("RECONCILER_WORKERS_TRAININGPOOLSIZE", "3")
	t.Setenv("RECONCILER_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.ML.NumTrees)
	assert.False(t, cfg.ML.Enabled)
	assert.Equal(t, 3, cfg.Workers.TrainingPoolSize)
	assert.Equal(t, "debug", string(cfg.Logging.Level))
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"training pool too large", "workers:\n  trainingPoolSize: 8\n"},
		{"inference pool too small", "workers:\n  inferencePoolSize: 2\n"},
		{"bad schedule", "ml:\n  schedules:\n    cleanup: \"every sunday\"\n"},
		{"tolerance floor above ceiling", "matching:\n  amountTolerance:\n    minimumAbsolute: 500\n    maximumAbsolute: 10\n"},
		{"combination score reaches exact", "matching:\n  multipleMatching:\n    confidenceScore: 100\n"},
		{"unknown driver", "storage:\n  driver: oracle\n"},
		{"bad log level", "logging:\n  level: loud\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "bad.yaml", tt.content))
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.CodeInvalidConfig), "got %v", err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidConfig))
}

func TestForTenant(t *testing.T) {
	path := writeFile(t, "tenants.yaml", `
ml:
  minTrainingData: 80
tenants:
  ACME:
    matching:
      minimumScore: 65
      dateThresholds:
        lowMatchDays: 45
    ml:
      minAccuracy: 0.8
      inference:
        minProbability: 0.6
  broken:
    ml:
      minAccuracy: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	acme, err := cfg.ForTenant("ACME")
	require.NoError(t, err)
	assert.Equal(t, 65.0, acme.Matching.MinimumScore)
	assert.Equal(t, 45, acme.Matching.DateThresholds.LowMatchDays)
	assert.Equal(t, 7, acme.Matching.DateThresholds.FairMatchDays)
	assert.Equal(t, 0.8, acme.ML.MinAccuracy)
	assert.Equal(t, 80, acme.ML.MinTrainingData, "global value survives the override")
	assert.Equal(t, 0.6, acme.ML.Inference.MinProbability)
	assert.Nil(t, acme.Tenants)

	// The base configuration is not modified by the merge.
	assert.Equal(t, 50.0, cfg.Matching.MinimumScore)
	assert.Equal(t, 0.70, cfg.ML.MinAccuracy)

	other, err := cfg.ForTenant("other")
	require.NoError(t, err)
	assert.Equal(t, cfg.Matching, other.Matching)

	_, err = cfg.ForTenant("broken")
	require.Error(t, err)
	re, ok := errors.AsReconcilerError(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeInvalidConfig, re.Code)
	assert.Equal(t, "broken", re.Context["tenant_id"])
}

func TestLoadEnvFiles(t *testing.T) {
	path := writeFile(t, ".env", "RECONCILER_ML_MAXDEPTH=7\n")
	t.Setenv("RECONCILER_ML_MAXDEPTH", "")
	os.Unsetenv("RECONCILER_ML_MAXDEPTH")

	require.NoError(t, LoadEnvFiles(filepath.Join(t.TempDir(), "missing.env"), path))
	assert.Equal(t, "7", os.Getenv("RECONCILER_ML_MAXDEPTH"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.ML.MaxDepth)
}
