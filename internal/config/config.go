// Package config assembles the engine configuration from YAML files, .env files
// and RECONCILER_* environment variables, with per-tenant overrides.
package config

import (
	stderrors "errors"
	"io/fs"
	"os"
	"reflect"
	"strings"

	"golang-reconciliation-engine/internal/inference"
	"golang-reconciliation-engine/internal/matcher"
	"golang-reconciliation-engine/internal/retraining"
	"golang-reconciliation-engine/internal/storage"
	"golang-reconciliation-engine/internal/training"
	"golang-reconciliation-engine/pkg/errors"
	"golang-reconciliation-engine/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "RECONCILER"

// Config is the full engine configuration
type Config struct {
	Matching matcher.MatchingConfig `json:"matching" yaml:"matching" mapstructure:"matching"`
	ML       MLConfig               `json:"ml" yaml:"ml" mapstructure:"ml"`
	Workers  WorkersConfig          `json:"workers" yaml:"workers" mapstructure:"workers"`
	Storage  storage.Config         `json:"storage" yaml:"storage" mapstructure:"storage"`
	Logging  logger.Config          `json:"logging" yaml:"logging" mapstructure:"logging"`

	// Tenants holds raw per-tenant overrides of the matching and ml sections,
	// keyed by lower-cased tenant id.
	Tenants map[string]map[string]interface{} `json:"tenants,omitempty" yaml:"tenants,omitempty" mapstructure:"tenants"`
}

// MLConfig groups the learned-matching settings
type MLConfig struct {
	Enabled             bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	AutoTrainingEnabled bool   `json:"autoTrainingEnabled" yaml:"autoTrainingEnabled" mapstructure:"autoTrainingEnabled"`
	ModelsBaseDir       string `json:"modelsBaseDir" yaml:"modelsBaseDir" mapstructure:"modelsBaseDir"`

	training.Config `yaml:",inline" mapstructure:",squash"`

	Inference  inference.Config  `json:"inference" yaml:"inference" mapstructure:"inference"`
	Retraining retraining.Config `json:"retraining" yaml:"retraining" mapstructure:"retraining"`
	Schedules  SchedulesConfig   `json:"schedules" yaml:"schedules" mapstructure:"schedules"`
}

// SchedulesConfig holds the cron expressions for the periodic entry points
type SchedulesConfig struct {
	Training   string `json:"training" yaml:"training" mapstructure:"training"`
	Cleanup    string `json:"cleanup" yaml:"cleanup" mapstructure:"cleanup"`
	Monitoring string `json:"monitoring" yaml:"monitoring" mapstructure:"monitoring"`
}

// WorkersConfig sizes the training and inference pools
type WorkersConfig struct {
	TrainingPoolSize   int `json:"trainingPoolSize" yaml:"trainingPoolSize" mapstructure:"trainingPoolSize"`
	TrainingQueueSize  int `json:"trainingQueueSize" yaml:"trainingQueueSize" mapstructure:"trainingQueueSize"`
	InferencePoolSize  int `json:"inferencePoolSize" yaml:"inferencePoolSize" mapstructure:"inferencePoolSize"`
	InferenceQueueSize int `json:"inferenceQueueSize" yaml:"inferenceQueueSize" mapstructure:"inferenceQueueSize"`
}

// Pool size bounds
const (
	MinTrainingPool  = 2
	MaxTrainingPool  = 4
	MinInferencePool = 4
	MaxInferencePool = 8
)

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Matching: *matcher.DefaultMatchingConfig(),
		ML: MLConfig{
			Enabled:             true,
			AutoTrainingEnabled: true,
			ModelsBaseDir:       "data/models",
			Config:              training.DefaultConfig(),
			Inference:           inference.DefaultConfig(),
			Retraining:          retraining.DefaultConfig(),
			Schedules: SchedulesConfig{
				Training:   "0 2 * * *",
				Cleanup:    "0 3 * * 0",
				Monitoring: "0 */6 * * *",
			},
		},
		Workers: WorkersConfig{
			TrainingPoolSize:   MinTrainingPool,
			TrainingQueueSize:  16,
			InferencePoolSize:  MinInferencePool,
			InferenceQueueSize: 256,
		},
		Storage: storage.DefaultConfig(),
		Logging: *logger.DefaultConfig(),
	}
}

// LoadEnvFiles loads .env style files into the process environment.
// Missing files are skipped; variables already set are not overwritten.
func LoadEnvFiles(files ...string) error {
	for _, file := range files {
		if _, err := os.Stat(file); stderrors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return errors.ConfigurationError("envFile", file, err.Error())
		}
	}
	return nil
}

// Load reads the optional YAML file at path, applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, "", reflect.TypeOf(Config{}))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.ConfigurationError("config", path, err.Error())
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.ConfigurationError("config", path, err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnvs registers every leaf key so AutomaticEnv also covers keys that
// appear neither in the file nor in defaults.
func bindEnvs(v *viper.Viper, prefix string, t reflect.Type) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		name, opts, _ := strings.Cut(tag, ",")

		if opts == "squash" {
			bindEnvs(v, prefix, field.Type)
			continue
		}
		if name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		switch field.Type.Kind() {
		case reflect.Struct:
			bindEnvs(v, key, field.Type)
		case reflect.Map:
		default:
			_ = v.BindEnv(key)
		}
	}
}

// ForTenant returns a copy of the configuration with the tenant's matching
// and ml overrides merged over the defaults.
func (c *Config) ForTenant(tenantID string) (*Config, error) {
	merged := *c
	merged.Tenants = nil

	override, ok := c.Tenants[strings.ToLower(tenantID)]
	if !ok || len(override) == 0 {
		return &merged, nil
	}

	v := viper.New()
	if err := v.MergeConfigMap(override); err != nil {
		return nil, errors.ConfigurationError("tenants."+tenantID, tenantID, err.Error())
	}
	var scoped struct {
		Matching *matcher.MatchingConfig `mapstructure:"matching"`
		ML       *MLConfig               `mapstructure:"ml"`
	}
	scoped.Matching = &merged.Matching
	scoped.ML = &merged.ML
	if err := v.Unmarshal(&scoped); err != nil {
		return nil, errors.ConfigurationError("tenants."+tenantID, tenantID, err.Error())
	}
	if err := merged.Validate(); err != nil {
		if re, ok := errors.AsReconcilerError(err); ok {
			return nil, re.WithContext("tenant_id", tenantID)
		}
		return nil, err
	}
	return &merged, nil
}

// Validate checks every section
func (c *Config) Validate() error {
	if err := c.Matching.Validate(); err != nil {
		return err
	}
	if err := c.ML.Validate(); err != nil {
		return err
	}
	if err := c.Workers.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return errors.ConfigurationError("logging", c.Logging.Level, err.Error())
	}
	return nil
}

// Validate checks the ml section, including that schedules parse
func (m *MLConfig) Validate() error {
	if err := m.Config.Validate(); err != nil {
		return err
	}
	if err := m.Inference.Validate(); err != nil {
		return err
	}
	if err := m.Retraining.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(m.ModelsBaseDir) == "" {
		return errors.ConfigurationError("ml.modelsBaseDir", m.ModelsBaseDir, "must not be empty")
	}
	for name, expr := range map[string]string{
		"ml.schedules.training":   m.Schedules.Training,
		"ml.schedules.cleanup":    m.Schedules.Cleanup,
		"ml.schedules.monitoring": m.Schedules.Monitoring,
	} {
		if _, err := cron.ParseStandard(expr); err != nil {
			return errors.ConfigurationError(name, expr, err.Error())
		}
	}
	return nil
}

// Validate checks pool sizes against their allowed ranges
func (w *WorkersConfig) Validate() error {
	if w.TrainingPoolSize < MinTrainingPool || w.TrainingPoolSize > MaxTrainingPool {
		return errors.ConfigurationError("workers.trainingPoolSize", w.TrainingPoolSize, "must be between 2 and 4")
	}
	if w.InferencePoolSize < MinInferencePool || w.InferencePoolSize > MaxInferencePool {
		return errors.ConfigurationError("workers.inferencePoolSize", w.InferencePoolSize, "must be between 4 and 8")
	}
	if w.TrainingQueueSize < 0 || w.InferenceQueueSize < 0 {
		return errors.ConfigurationError("workers.queueSize",
			[]int{w.TrainingQueueSize, w.InferenceQueueSize}, "must not be negative")
	}
	return nil
}
