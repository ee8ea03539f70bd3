package cmd

import (
	"context"

	"golang-reconciliation-engine/internal/config"
	"golang-reconciliation-engine/internal/inference"
	"golang-reconciliation-engine/internal/modelstore"
	"golang-reconciliation-engine/internal/reconciler"
	"golang-reconciliation-engine/internal/retraining"
	"golang-reconciliation-engine/internal/storage"
	"golang-reconciliation-engine/internal/training"
	"golang-reconciliation-engine/internal/workers"
	"golang-reconciliation-engine/pkg/logger"
)

// app holds the engine components built from one configuration
type app struct {
	cfg    *config.Config
	logger logger.Logger

	store         *storage.Store
	artifacts     *modelstore.FileStore
	cache         *inference.ActiveModelCache
	trainingPool  *workers.Pool
	inferencePool *workers.Pool

	inference    *inference.Service
	pipeline     *training.Pipeline
	orchestrator *retraining.Orchestrator
	suggestions  *reconciler.SuggestionService
}

// newApp opens storage and wires every component. Close releases them.
func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	log = logger.OrGlobal(log)
	a := &app{cfg: cfg, logger: log}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	var err error
	if a.store, err = storage.Open(ctx, cfg.Storage, log); err != nil {
		return nil, err
	}
	if a.artifacts, err = modelstore.NewFileStore(cfg.ML.ModelsBaseDir, log); err != nil {
		return nil, err
	}
	a.cache = inference.NewActiveModelCache(a.store, a.artifacts, log)

	if a.trainingPool, err = workers.New("training", cfg.Workers.TrainingPoolSize, cfg.Workers.TrainingQueueSize, log); err != nil {
		return nil, err
	}
	if a.inferencePool, err = workers.New("inference", cfg.Workers.InferencePoolSize, cfg.Workers.InferenceQueueSize, log); err != nil {
		return nil, err
	}

	if a.inference, err = inference.NewService(cfg.ML.Inference, a.cache, a.store, a.store, a.inferencePool, log); err != nil {
		return nil, err
	}
	if a.pipeline, err = training.NewPipeline(cfg.ML.Config, a.store, a.store, a.artifacts, a.cache, a.trainingPool, log); err != nil {
		return nil, err
	}
	if a.orchestrator, err = retraining.NewOrchestrator(cfg.ML.Retraining, a.store, a.pipeline, a.artifacts, a.cache, log); err != nil {
		return nil, err
	}
	a.orchestrator.UseTenantResolver(a.tenantSettings)

	var predictor reconciler.Predictor
	if cfg.ML.Enabled {
		predictor = a.inference
	}
	matching := cfg.Matching
	if a.suggestions, err = reconciler.NewSuggestionService(&matching, a.store, predictor, nil, log); err != nil {
		return nil, err
	}

	log.WithFields(logger.Fields{
		"storage_driver": cfg.Storage.Driver,
		"models_dir":     cfg.ML.ModelsBaseDir,
		"ml_enabled":     cfg.ML.Enabled,
	}).Debug("Engine components ready")
	ready = true
	return a, nil
}

// tenantSettings resolves the tenant's ml overrides into the retraining
// thresholds and a pipeline trained with the tenant's own settings.
func (a *app) tenantSettings(tenantID string) (retraining.Tenant, error) {
	cfg, err := a.cfg.ForTenant(tenantID)
	if err != nil {
		return retraining.Tenant{}, err
	}
	pipeline, err := training.NewPipeline(cfg.ML.Config, a.store, a.store, a.artifacts, a.cache, a.trainingPool, a.logger)
	if err != nil {
		return retraining.Tenant{}, err
	}
	return retraining.Tenant{
		Config:       cfg.ML.Retraining,
		Trainer:      pipeline,
		Enabled:      cfg.ML.Enabled,
		AutoTraining: cfg.ML.AutoTrainingEnabled,
	}, nil
}

// autoTrainingConfigured reports whether any tenant, or the global default,
// has automatic training on.
func (a *app) autoTrainingConfigured() bool {
	if a.cfg.ML.AutoTrainingEnabled {
		return true
	}
	for tenantID := range a.cfg.Tenants {
		cfg, err := a.cfg.ForTenant(tenantID)
		if err == nil && cfg.ML.AutoTrainingEnabled {
			return true
		}
	}
	return false
}

// Close stops the worker pools and closes storage
func (a *app) Close() {
	if a.trainingPool != nil {
		a.trainingPool.Close()
	}
	if a.inferencePool != nil {
		a.inferencePool.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close storage")
		}
	}
}

// openApp builds the app for a tenant, applying its configuration overrides.
// An empty tenant uses the global configuration.
func openApp(ctx context.Context, tenantID string) (*app, error) {
	cfg := appConfig
	if tenantID != "" {
		tenantCfg, err := appConfig.ForTenant(tenantID)
		if err != nil {
			return nil, err
		}
		cfg = tenantCfg
	}
	return newApp(ctx, cfg, logger.GetGlobalLogger())
}
