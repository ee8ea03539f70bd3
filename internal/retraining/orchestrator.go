// Package retraining decides when tenant models need retraining and drives
// the train, deploy and cleanup cycle. It exposes plain entry points; the
// periodic schedule lives outside this package.
package retraining

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang-reconciliation-engine/internal/models"
	"golang-reconciliation-engine/internal/storage"
	"golang-reconciliation-engine/internal/training"
	"golang-reconciliation-engine/pkg/errors"
	"golang-reconciliation-engine/pkg/logger"

	"golang.org/x/time/rate"
)

// State is the per-tenant lifecycle position
type State string

const (
	StateIdle       State = "idle"
	StateEvaluating State = "evaluating"
	StateTraining   State = "training"
	StateDeploying  State = "deploying"
)

// ErrCycleInProgress is returned when a tenant is already mid-cycle
var ErrCycleInProgress = stderrors.New("retraining cycle already in progress")

// Config controls retraining triggers and retention
type Config struct {
	MaxModelAge            time.Duration `json:"maxModelAge" yaml:"maxModelAge" mapstructure:"maxModelAge"`
	MinAccuracy            float64       `json:"minAccuracy" yaml:"minAccuracy" mapstructure:"minAccuracy"`
	DriftThreshold         float64       `json:"driftThreshold" yaml:"driftThreshold" mapstructure:"driftThreshold"`
	MinResolvedPredictions int           `json:"minResolvedPredictions" yaml:"minResolvedPredictions" mapstructure:"minResolvedPredictions"`
	AccuracyWindow         time.Duration `json:"accuracyWindow" yaml:"accuracyWindow" mapstructure:"accuracyWindow"`
	KeepArtifacts          int           `json:"keepArtifacts" yaml:"keepArtifacts" mapstructure:"keepArtifacts"`
	MinRetrainInterval     time.Duration `json:"minRetrainInterval" yaml:"minRetrainInterval" mapstructure:"minRetrainInterval"`
	ExampleRetention       time.Duration `json:"trainingExampleRetention" yaml:"trainingExampleRetention" mapstructure:"trainingExampleRetention"`
	PredictionLogRetention time.Duration `json:"predictionLogRetention" yaml:"predictionLogRetention" mapstructure:"predictionLogRetention"`
}

// DefaultConfig returns the retraining defaults
func DefaultConfig() Config {
	return Config{
		MaxModelAge:            30 * 24 * time.Hour,
		MinAccuracy:            0.70,
		DriftThreshold:         0.10,
		MinResolvedPredictions: 20,
		AccuracyWindow:         30 * 24 * time.Hour,
		KeepArtifacts:          5,
		MinRetrainInterval:     time.Hour,
		ExampleRetention:       180 * 24 * time.Hour,
		PredictionLogRetention: 90 * 24 * time.Hour,
	}
}

// Validate checks the retraining settings
func (c Config) Validate() error {
	if c.MaxModelAge <= 0 {
		return errors.ConfigurationError("ml.retraining.maxModelAge", c.MaxModelAge, "must be positive")
	}
	if c.MinAccuracy < 0 || c.MinAccuracy > 1 {
		return errors.ConfigurationError("ml.retraining.minAccuracy", c.MinAccuracy, "must be between 0 and 1")
	}
	if c.DriftThreshold <= 0 || c.DriftThreshold > 1 {
		return errors.ConfigurationError("ml.retraining.driftThreshold", c.DriftThreshold, "must be in (0, 1]")
	}
	if c.KeepArtifacts < 1 {
		return errors.ConfigurationError("ml.retraining.keepArtifacts", c.KeepArtifacts, "must keep at least one artifact")
	}
	if c.MinRetrainInterval < 0 {
		return errors.ConfigurationError("ml.retraining.minRetrainInterval", c.MinRetrainInterval, "must not be negative")
	}
	if c.AccuracyWindow <= 0 || c.ExampleRetention <= 0 || c.PredictionLogRetention <= 0 {
		return errors.ConfigurationError("ml.retraining.retention",
			fmt.Sprintf("%s/%s/%s", c.AccuracyWindow, c.ExampleRetention, c.PredictionLogRetention), "windows must be positive")
	}
	return nil
}

// Store is the persistence the orchestrator reads and prunes
type Store interface {
	ActiveModel(ctx context.Context, tenantID string) (*models.TrainedModel, error)
	RecentAccuracy(ctx context.Context, tenantID, modelVersion string, since time.Time) (storage.AccuracyWindow, error)
	PurgeTrainingExamples(ctx context.Context, tenantID string, cutoff time.Time) (int64, error)
	PurgePredictionLogs(ctx context.Context, tenantID string, cutoff time.Time) (int64, error)
	ListTenants(ctx context.Context) ([]string, error)
}

// Trainer runs one training attempt
type Trainer interface {
	Train(ctx context.Context, tenantID string) (*training.Result, error)
}

// ArtifactRetainer prunes old artifacts
type ArtifactRetainer interface {
	Retain(tenantID string, keepLast int, protected ...string) ([]string, error)
}

// CacheInvalidator drops a tenant's cached active model
type CacheInvalidator interface {
	Invalidate(tenantID string)
}

// Reason names why a model needs retraining
type Reason string

const (
	ReasonNoModel     Reason = "no_active_model"
	ReasonStale       Reason = "model_stale"
	ReasonLowAccuracy Reason = "accuracy_below_threshold"
	ReasonDrift       Reason = "accuracy_drift"
)

// Evaluation is the outcome of checking a tenant's active model
type Evaluation struct {
	TenantID          string
	Model             *models.TrainedModel
	Reasons           []Reason
	RealWorldAccuracy float64
	ResolvedCount     int
	Drift             float64
}

// NeedsRetraining reports whether any trigger fired
func (e *Evaluation) NeedsRetraining() bool {
	return len(e.Reasons) > 0
}

// CycleResult summarizes one monitor or train cycle
type CycleResult struct {
	TenantID   string
	Evaluation *Evaluation
	Training   *training.Result
	Throttled  bool
	Retained   []string
	Duration   time.Duration
}

// CleanupResult summarizes one cleanup pass
type CleanupResult struct {
	TenantID             string
	DeletedArtifacts     []string
	PurgedExamples       int64
	PurgedPredictionLogs int64
}

// Tenant is the configuration one tenant's cycles run with
type Tenant struct {
	Config  Config
	Trainer Trainer
	// Enabled false keeps the tenant out of MonitorAll and TrainAll
	Enabled bool
	// AutoTraining false keeps the tenant out of AutoTrainAll
	AutoTraining bool
}

// TenantResolver builds a tenant's settings from its configuration overrides
type TenantResolver func(tenantID string) (Tenant, error)

// Orchestrator runs the per-tenant retraining state machine
type Orchestrator struct {
	config    Config
	store     Store
	trainer   Trainer
	artifacts ArtifactRetainer
	cache     CacheInvalidator
	logger    logger.Logger
	now       func() time.Time
	resolve   TenantResolver

	mu       sync.Mutex
	states   map[string]State
	limiters map[string]*rate.Limiter
}

// NewOrchestrator wires the orchestrator. cache may be nil.
func NewOrchestrator(config Config, store Store, trainer Trainer, artifacts ArtifactRetainer, cache CacheInvalidator, log logger.Logger) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		config:    config,
		store:     store,
		trainer:   trainer,
		artifacts: artifacts,
		cache:     cache,
		logger:    logger.OrGlobal(log).WithComponent("retraining"),
		now:       time.Now,
		states:    make(map[string]State),
		limiters:  make(map[string]*rate.Limiter),
	}, nil
}

// UseTenantResolver makes every cycle run with the settings r returns for the
// tenant. Without a resolver all tenants share the orchestrator's config and trainer.
func (o *Orchestrator) UseTenantResolver(r TenantResolver) {
	o.resolve = r
}

func (o *Orchestrator) tenant(tenantID string) (Tenant, error) {
	if o.resolve == nil {
		return Tenant{Config: o.config, Trainer: o.trainer, Enabled: true, AutoTraining: true}, nil
	}
	t, err := o.resolve(tenantID)
	if err != nil {
		return Tenant{}, err
	}
	if err := t.Config.Validate(); err != nil {
		return Tenant{}, err
	}
	if t.Trainer == nil {
		t.Trainer = o.trainer
	}
	return t, nil
}

// State returns the tenant's current state
func (o *Orchestrator) State(tenantID string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.states[tenantID]; ok {
		return s
	}
	return StateIdle
}

// begin moves an idle tenant to Evaluating; it fails if a cycle is running.
func (o *Orchestrator) begin(tenantID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.states[tenantID]; ok && s != StateIdle {
		return ErrCycleInProgress
	}
	o.states[tenantID] = StateEvaluating
	return nil
}

func (o *Orchestrator) transition(tenantID string, to State) {
	o.mu.Lock()
	from := o.states[tenantID]
	o.states[tenantID] = to
	o.mu.Unlock()

	o.logger.WithFields(logger.Fields{
		"tenant_id": tenantID,
		"from":      from,
		"to":        to,
	}).Debug("Retraining state changed")
}

// allow consumes the tenant's retrain token
func (o *Orchestrator) allow(tenantID string, interval time.Duration) bool {
	if interval == 0 {
		return true
	}
	o.mu.Lock()
	limiter, ok := o.limiters[tenantID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
		o.limiters[tenantID] = limiter
	} else if limiter.Limit() != rate.Every(interval) {
		limiter.SetLimitAt(o.now(), rate.Every(interval))
	}
	o.mu.Unlock()
	return limiter.AllowN(o.now(), 1)
}

// Drift is the absolute gap between recorded and real-world accuracy
func Drift(recorded, realWorld float64) float64 {
	return math.Abs(recorded - realWorld)
}

// Evaluate checks the tenant's active model against every retraining trigger.
func (o *Orchestrator) Evaluate(ctx context.Context, tenantID string) (*Evaluation, error) {
	t, err := o.tenant(tenantID)
	if err != nil {
		return nil, err
	}
	return o.evaluate(ctx, tenantID, t.Config)
}

func (o *Orchestrator) evaluate(ctx context.Context, tenantID string, config Config) (*Evaluation, error) {
	eval := &Evaluation{TenantID: tenantID}

	active, err := o.store.ActiveModel(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if active == nil {
		eval.Reasons = append(eval.Reasons, ReasonNoModel)
		return eval, nil
	}
	eval.Model = active

	now := o.now()
	if active.Age(now) > config.MaxModelAge {
		eval.Reasons = append(eval.Reasons, ReasonStale)
	}
	if active.Accuracy < config.MinAccuracy {
		eval.Reasons = append(eval.Reasons, ReasonLowAccuracy)
	}

	window, err := o.store.RecentAccuracy(ctx, tenantID, active.Version, now.Add(-config.AccuracyWindow))
	if err != nil {
		return nil, err
	}
	eval.ResolvedCount = window.Resolved
	if window.Resolved >= config.MinResolvedPredictions && window.Resolved > 0 {
		eval.RealWorldAccuracy = window.Accuracy()
		eval.Drift = Drift(active.Accuracy, eval.RealWorldAccuracy)
		if eval.Drift > config.DriftThreshold {
			eval.Reasons = append(eval.Reasons, ReasonDrift)
		}
	}
	return eval, nil
}

// NeedsRetraining reports whether the tenant's model should be retrained.
func (o *Orchestrator) NeedsRetraining(ctx context.Context, tenantID string) (bool, error) {
	eval, err := o.Evaluate(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return eval.NeedsRetraining(), nil
}

// Monitor evaluates the tenant and retrains when a trigger fires. Attempts are
// throttled to one per MinRetrainInterval.
func (o *Orchestrator) Monitor(ctx context.Context, tenantID string) (*CycleResult, error) {
	return o.cycle(ctx, tenantID, false)
}

// Train retrains the tenant regardless of triggers, still honoring the
// throttle and the state machine.
func (o *Orchestrator) Train(ctx context.Context, tenantID string) (*CycleResult, error) {
	return o.cycle(ctx, tenantID, true)
}

func (o *Orchestrator) cycle(ctx context.Context, tenantID string, force bool) (*CycleResult, error) {
	if err := o.begin(tenantID); err != nil {
		return nil, err
	}
	defer o.transition(tenantID, StateIdle)

	t, err := o.tenant(tenantID)
	if err != nil {
		return nil, err
	}

	start := o.now()
	result := &CycleResult{TenantID: tenantID}
	log := o.logger.WithField("tenant_id", tenantID)

	eval, err := o.evaluate(ctx, tenantID, t.Config)
	if err != nil {
		return nil, err
	}
	result.Evaluation = eval

	if !force && !eval.NeedsRetraining() {
		result.Duration = o.now().Sub(start)
		log.Debug("Active model is healthy")
		return result, nil
	}
	if !o.allow(tenantID, t.Config.MinRetrainInterval) {
		result.Throttled = true
		result.Duration = o.now().Sub(start)
		log.WithField("reasons", eval.Reasons).Info("Retraining throttled")
		return result, nil
	}

	log.WithFields(logger.Fields{
		"reasons": eval.Reasons,
		"forced":  force,
		"drift":   eval.Drift,
	}).Info("Retraining tenant model")

	o.transition(tenantID, StateTraining)
	trained, err := t.Trainer.Train(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	result.Training = trained

	if trained.Status == training.StatusPromoted {
		o.transition(tenantID, StateDeploying)
		deleted, err := o.artifacts.Retain(tenantID, t.Config.KeepArtifacts, trained.Model.ArtifactLocation)
		if err != nil {
			log.WithError(err).Warn("Artifact retention failed")
		}
		result.Retained = deleted
		if o.cache != nil {
			o.cache.Invalidate(tenantID)
		}
	}

	result.Duration = o.now().Sub(start)
	return result, nil
}

// Cleanup prunes artifacts beyond the retention count and purges aged
// training examples and prediction logs.
func (o *Orchestrator) Cleanup(ctx context.Context, tenantID string) (*CleanupResult, error) {
	t, err := o.tenant(tenantID)
	if err != nil {
		return nil, err
	}
	now := o.now()
	result := &CleanupResult{TenantID: tenantID}

	active, err := o.store.ActiveModel(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var protected []string
	if active != nil {
		protected = append(protected, active.ArtifactLocation)
	}
	if result.DeletedArtifacts, err = o.artifacts.Retain(tenantID, t.Config.KeepArtifacts, protected...); err != nil {
		return nil, err
	}
	if result.PurgedExamples, err = o.store.PurgeTrainingExamples(ctx, tenantID, now.Add(-t.Config.ExampleRetention)); err != nil {
		return nil, err
	}
	if result.PurgedPredictionLogs, err = o.store.PurgePredictionLogs(ctx, tenantID, now.Add(-t.Config.PredictionLogRetention)); err != nil {
		return nil, err
	}

	o.logger.WithFields(logger.Fields{
		"tenant_id":         tenantID,
		"artifacts_deleted": len(result.DeletedArtifacts),
		"examples_purged":   result.PurgedExamples,
		"logs_purged":       result.PurgedPredictionLogs,
	}).Info("Cleanup completed")
	return result, nil
}

// TenantError pairs a tenant with the failure of its cycle
type TenantError struct {
	TenantID string
	Err      error
}

func (e TenantError) Error() string {
	return fmt.Sprintf("tenant %s: %v", e.TenantID, e.Err)
}

func (e TenantError) Unwrap() error {
	return e.Err
}

// MonitorAll runs Monitor for every enabled tenant, continuing past failures.
func (o *Orchestrator) MonitorAll(ctx context.Context) ([]*CycleResult, []TenantError) {
	return forEachTenant(ctx, o, enabledTenants, o.Monitor)
}

// TrainAll runs Train for every enabled tenant, continuing past failures.
func (o *Orchestrator) TrainAll(ctx context.Context) ([]*CycleResult, []TenantError) {
	return forEachTenant(ctx, o, enabledTenants, o.Train)
}

// AutoTrainAll runs Train for every enabled tenant with automatic training on.
func (o *Orchestrator) AutoTrainAll(ctx context.Context) ([]*CycleResult, []TenantError) {
	return forEachTenant(ctx, o, func(t Tenant) bool { return t.Enabled && t.AutoTraining }, o.Train)
}

// CleanupAll runs Cleanup for every known tenant, continuing past failures.
func (o *Orchestrator) CleanupAll(ctx context.Context) ([]*CleanupResult, []TenantError) {
	return forEachTenant(ctx, o, func(Tenant) bool { return true }, o.Cleanup)
}

func enabledTenants(t Tenant) bool {
	return t.Enabled
}

func forEachTenant[T any](ctx context.Context, o *Orchestrator, include func(Tenant) bool, fn func(context.Context, string) (T, error)) ([]T, []TenantError) {
	tenants, err := o.store.ListTenants(ctx)
	if err != nil {
		return nil, []TenantError{{TenantID: "*", Err: err}}
	}

	var (
		results []T
		failed  []TenantError
	)
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			failed = append(failed, TenantError{TenantID: tenantID, Err: ctx.Err()})
			continue
		}
		t, err := o.tenant(tenantID)
		if err != nil {
			o.logger.WithError(err).WithField("tenant_id", tenantID).Error("Tenant configuration invalid")
			failed = append(failed, TenantError{TenantID: tenantID, Err: err})
			continue
		}
		if !include(t) {
			o.logger.WithField("tenant_id", tenantID).Debug("Tenant skipped by configuration")
			continue
		}
		res, err := fn(ctx, tenantID)
		if err != nil {
			o.logger.WithError(err).WithField("tenant_id", tenantID).Error("Tenant cycle failed")
			failed = append(failed, TenantError{TenantID: tenantID, Err: err})
			continue
		}
		results = append(results, res)
	}
	return results, failed
}
