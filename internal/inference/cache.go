// Package inference scores candidate pairs with the tenant's active model.
package inference

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang-reconciliation-engine/internal/classifier"
	"golang-reconciliation-engine/internal/models"
	"golang-reconciliation-engine/pkg/errors"
	"golang-reconciliation-engine/pkg/logger"
)

// LoadedModel is an immutable, ready-to-use active model
type LoadedModel struct {
	Model    *models.TrainedModel
	Forest   *classifier.Forest
	LoadedAt time.Time
}

// ModelRegistry looks up the active model record of a tenant
type ModelRegistry interface {
	ActiveModel(ctx context.Context, tenantID string) (*models.TrainedModel, error)
}

// ArtifactLoader reads classifier artifacts
type ArtifactLoader interface {
	Load(location string) (*classifier.Forest, error)
}

type slot struct {
	// mu serializes writers; readers only touch current
	mu      sync.Mutex
	current atomic.Pointer[LoadedModel]
	// absent remembers a failed or empty lookup until the next activation
	absent atomic.Bool
}

// ActiveModelCache holds one active model per tenant. Activation replaces the
// pointer in a single store, so readers see either the old or the new model.
type ActiveModelCache struct {
	registry ModelRegistry
	loader   ArtifactLoader
	logger   logger.Logger
	now      func() time.Time

	mu    sync.Mutex
	slots map[string]*slot
}

// NewActiveModelCache creates an empty cache
func NewActiveModelCache(registry ModelRegistry, loader ArtifactLoader, log logger.Logger) *ActiveModelCache {
	return &ActiveModelCache{
		registry: registry,
		loader:   loader,
		logger:   logger.OrGlobal(log).WithComponent("model-cache"),
		now:      time.Now,
		slots:    make(map[string]*slot),
	}
}

func (c *ActiveModelCache) slot(tenantID string) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[tenantID]
	if !ok {
		s = &slot{}
		c.slots[tenantID] = s
	}
	return s
}

// Get returns the tenant's active model, loading it on first use. It returns
// nil when the tenant has no usable model; load failures are logged, not
// returned.
func (c *ActiveModelCache) Get(ctx context.Context, tenantID string) *LoadedModel {
	s := c.slot(tenantID)
	if loaded := s.current.Load(); loaded != nil {
		return loaded
	}
	if s.absent.Load() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if loaded := s.current.Load(); loaded != nil {
		return loaded
	}
	if s.absent.Load() {
		return nil
	}

	log := c.logger.WithField("tenant_id", tenantID)
	record, err := c.registry.ActiveModel(ctx, tenantID)
	if err != nil {
		log.WithError(err).Warn("Failed to look up active model")
		return nil
	}
	if record == nil {
		s.absent.Store(true)
		return nil
	}

	forest, err := c.loader.Load(record.ArtifactLocation)
	if err != nil {
		log.WithError(errors.ModelLoadError(tenantID, record.ArtifactLocation, err)).
			WithField("version", record.Version).
			Warn("Active model could not be loaded, falling back to heuristics")
		s.absent.Store(true)
		return nil
	}

	loaded := &LoadedModel{Model: record, Forest: forest, LoadedAt: c.now()}
	s.current.Store(loaded)
	log.WithField("version", record.Version).Debug("Loaded active model")
	return loaded
}

// Activate installs a freshly promoted model without reloading it.
func (c *ActiveModelCache) Activate(tenantID string, model *models.TrainedModel, forest *classifier.Forest) {
	s := c.slot(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current.Store(&LoadedModel{Model: model, Forest: forest, LoadedAt: c.now()})
	s.absent.Store(false)
	c.logger.WithFields(logger.Fields{
		"tenant_id": tenantID,
		"version":   model.Version,
	}).Info("Activated model")
}

// Invalidate drops the cached model so the next Get reloads from the registry.
func (c *ActiveModelCache) Invalidate(tenantID string) {
	s := c.slot(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current.Store(nil)
	s.absent.Store(false)
}
