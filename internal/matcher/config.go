// Package matcher implements the heuristic side of the suggestion engine.
//
// A run proceeds in two phases:
//  1. Candidate selection through a sorted amount index, then tiered 1:1 scoring
//     on amount, date gap and description similarity
//  2. For movements left without a qualifying 1:1 candidate, a bounded search for
//     1:N and N:1 combinations whose summed amount explains the target
//
// Suggestions from both phases are deduplicated so that no movement or entry is
// claimed twice, and every run reports statistics plus a truncation flag when a
// time or size budget cut it short.
//
// Example usage:
//
//	config := matcher.DefaultMatchingConfig()
//	config.DateThresholds.FairMatchDays = 10
//
//	generator, err := matcher.NewGenerator(config, log)
//	result, err := generator.Generate(ctx, movements, entries)
package matcher

import (
	"fmt"
	"time"

	"golang-reconciliation-engine/internal/similarity"
	"golang-reconciliation-engine/pkg/errors"

	"github.com/shopspring/decimal"
)

// MatchingConfig holds every knob of the heuristic generator. It is tenant-scoped:
// callers resolve tenant overrides before handing it in.
type MatchingConfig struct {
	Scores               ScoreConfig            `json:"scores" yaml:"scores" mapstructure:"scores"`
	DateThresholds       DateThresholds         `json:"dateThresholds" yaml:"dateThresholds" mapstructure:"dateThresholds"`
	AmountTolerance      AmountToleranceConfig  `json:"amountTolerance" yaml:"amountTolerance" mapstructure:"amountTolerance"`
	AutoApproveThreshold float64                `json:"autoApproveThreshold" yaml:"autoApproveThreshold" mapstructure:"autoApproveThreshold"`
	MinimumScore         float64                `json:"minimumScore" yaml:"minimumScore" mapstructure:"minimumScore"`
	MultipleMatching     MultipleMatchingConfig `json:"multipleMatching" yaml:"multipleMatching" mapstructure:"multipleMatching"`
	Performance          PerformanceConfig      `json:"performance" yaml:"performance" mapstructure:"performance"`
	TextSimilarity       TextSimilarityConfig   `json:"textSimilarity" yaml:"textSimilarity" mapstructure:"textSimilarity"`
}

// ScoreConfig holds the points assigned per 1:1 tier
type ScoreConfig struct {
	ExactMatch float64 `json:"exactMatch" yaml:"exactMatch" mapstructure:"exactMatch"`
	GoodMatch  float64 `json:"goodMatch" yaml:"goodMatch" mapstructure:"goodMatch"`
	FairMatch  float64 `json:"fairMatch" yaml:"fairMatch" mapstructure:"fairMatch"`
	LowMatch   float64 `json:"lowMatch" yaml:"lowMatch" mapstructure:"lowMatch"`
}

// DateThresholds holds the day-gap boundary of each tier
type DateThresholds struct {
	ExactMatchDays int `json:"exactMatchDays" yaml:"exactMatchDays" mapstructure:"exactMatchDays"`
	GoodMatchDays  int `json:"goodMatchDays" yaml:"goodMatchDays" mapstructure:"goodMatchDays"`
	FairMatchDays  int `json:"fairMatchDays" yaml:"fairMatchDays" mapstructure:"fairMatchDays"`
	LowMatchDays   int `json:"lowMatchDays" yaml:"lowMatchDays" mapstructure:"lowMatchDays"`
}

// AmountToleranceConfig is the contextual tolerance policy. Amounts below
// LargeAmountThreshold use SmallAmountPercent, the rest LargeAmountPercent; the
// result is always clamped to [MinimumAbsolute, MaximumAbsolute].
type AmountToleranceConfig struct {
	SmallAmountPercent   float64 `json:"smallAmountPercent" yaml:"smallAmountPercent" mapstructure:"smallAmountPercent"`
	LargeAmountPercent   float64 `json:"largeAmountPercent" yaml:"largeAmountPercent" mapstructure:"largeAmountPercent"`
	MinimumAbsolute      float64 `json:"minimumAbsolute" yaml:"minimumAbsolute" mapstructure:"minimumAbsolute"`
	MaximumAbsolute      float64 `json:"maximumAbsolute" yaml:"maximumAbsolute" mapstructure:"maximumAbsolute"`
	LargeAmountThreshold float64 `json:"largeAmountThreshold" yaml:"largeAmountThreshold" mapstructure:"largeAmountThreshold"`
}

// MultipleMatchingConfig governs the combination phase
type MultipleMatchingConfig struct {
	Enabled          bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	MinTransactions  int     `json:"minTransactions" yaml:"minTransactions" mapstructure:"minTransactions"`
	MaxTransactions  int     `json:"maxTransactions" yaml:"maxTransactions" mapstructure:"maxTransactions"`
	MaxDateRangeDays int     `json:"maxDateRangeDays" yaml:"maxDateRangeDays" mapstructure:"maxDateRangeDays"`
	ConfidenceScore  float64 `json:"confidenceScore" yaml:"confidenceScore" mapstructure:"confidenceScore"`
}

// PerformanceConfig holds the run-level budgets
type PerformanceConfig struct {
	TimeoutSeconds                   int  `json:"timeoutSeconds" yaml:"timeoutSeconds" mapstructure:"timeoutSeconds"`
	MaxCandidatesForMultipleMatching int  `json:"maxCandidatesForMultipleMatching" yaml:"maxCandidatesForMultipleMatching" mapstructure:"maxCandidatesForMultipleMatching"`
	MaxItemsPerPhase                 int  `json:"maxItemsPerPhase" yaml:"maxItemsPerPhase" mapstructure:"maxItemsPerPhase"`
	HighPerformanceMode              bool `json:"highPerformanceMode" yaml:"highPerformanceMode" mapstructure:"highPerformanceMode"`
	MaxSubsetSumStates               int  `json:"maxSubsetSumStates" yaml:"maxSubsetSumStates" mapstructure:"maxSubsetSumStates"`
}

// TextSimilarityConfig selects and weights the description bonus
type TextSimilarityConfig struct {
	Algorithm string  `json:"algorithm" yaml:"algorithm" mapstructure:"algorithm"`
	Threshold float64 `json:"threshold" yaml:"threshold" mapstructure:"threshold"`
	// Weight is the maximum number of bonus points, scaled by the similarity
	Weight    float64 `json:"weight" yaml:"weight" mapstructure:"weight"`
	Normalize bool    `json:"normalize" yaml:"normalize" mapstructure:"normalize"`
}

// DefaultMatchingConfig returns a configuration with sensible defaults
func DefaultMatchingConfig() *MatchingConfig {
	return &MatchingConfig{
		Scores: ScoreConfig{
			ExactMatch: 100,
			GoodMatch:  85,
			FairMatch:  70,
			LowMatch:   50,
		},
		DateThresholds: DateThresholds{
			ExactMatchDays: 0,
			GoodMatchDays:  3,
			FairMatchDays:  7,
			LowMatchDays:   30,
		},
		AmountTolerance: AmountToleranceConfig{
			SmallAmountPercent:   5,
			LargeAmountPercent:   1,
			MinimumAbsolute:      1,
			MaximumAbsolute:      100,
			LargeAmountThreshold: 10000,
		},
		AutoApproveThreshold: 95,
		MinimumScore:         50,
		MultipleMatching: MultipleMatchingConfig{
			Enabled:          true,
			MinTransactions:  2,
			MaxTransactions:  5,
			MaxDateRangeDays: 30,
			ConfidenceScore:  75,
		},
		Performance: PerformanceConfig{
			TimeoutSeconds:                   30,
			MaxCandidatesForMultipleMatching: 50,
			MaxItemsPerPhase:                 1000,
			HighPerformanceMode:              false,
			MaxSubsetSumStates:               10000,
		},
		TextSimilarity: TextSimilarityConfig{
			Algorithm: string(similarity.AlgorithmCombined),
			Threshold: 0.7,
			Weight:    10,
			Normalize: true,
		},
	}
}

// StrictMatchingConfig returns a configuration for tight tolerances and short windows
func StrictMatchingConfig() *MatchingConfig {
	config := DefaultMatchingConfig()
	config.DateThresholds = DateThresholds{ExactMatchDays: 0, GoodMatchDays: 1, FairMatchDays: 3, LowMatchDays: 7}
	config.AmountTolerance.SmallAmountPercent = 1
	config.AmountTolerance.MaximumAbsolute = 10
	config.MinimumScore = 70
	config.MultipleMatching.Enabled = false
	return config
}

// Validate checks if the matching configuration is valid
func (mc *MatchingConfig) Validate() error {
	s := mc.Scores
	for name, v := range map[string]float64{
		"scores.exactMatch": s.ExactMatch, "scores.goodMatch": s.GoodMatch,
		"scores.fairMatch": s.FairMatch, "scores.lowMatch": s.LowMatch,
		"autoApproveThreshold": mc.AutoApproveThreshold, "minimumScore": mc.MinimumScore,
		"multipleMatching.confidenceScore": mc.MultipleMatching.ConfidenceScore,
	} {
		if v < 0 || v > 100 {
			return errors.ConfigurationError(name, v, "must be between 0 and 100")
		}
	}
	if !(s.ExactMatch >= s.GoodMatch && s.GoodMatch >= s.FairMatch && s.FairMatch >= s.LowMatch) {
		return errors.ConfigurationError("scores", s, "tiers must be non-increasing from exactMatch to lowMatch")
	}

	d := mc.DateThresholds
	if d.ExactMatchDays < 0 {
		return errors.ConfigurationError("dateThresholds.exactMatchDays", d.ExactMatchDays, "cannot be negative")
	}
	if !(d.ExactMatchDays <= d.GoodMatchDays && d.GoodMatchDays <= d.FairMatchDays && d.FairMatchDays <= d.LowMatchDays) {
		return errors.ConfigurationError("dateThresholds", d, "windows must be non-decreasing from exactMatchDays to lowMatchDays")
	}

	if err := mc.AmountTolerance.Validate(); err != nil {
		return err
	}

	m := mc.MultipleMatching
	if m.Enabled {
		if m.MinTransactions < 2 {
			return errors.ConfigurationError("multipleMatching.minTransactions", m.MinTransactions, "must be at least 2")
		}
		if m.MaxTransactions < m.MinTransactions {
			return errors.ConfigurationError("multipleMatching.maxTransactions", m.MaxTransactions, "must not be below minTransactions")
		}
		if m.MaxDateRangeDays < 0 {
			return errors.ConfigurationError("multipleMatching.maxDateRangeDays", m.MaxDateRangeDays, "cannot be negative")
		}
	}
	if m.ConfidenceScore >= s.ExactMatch {
		return errors.ConfigurationError("multipleMatching.confidenceScore", m.ConfidenceScore, "must stay below scores.exactMatch")
	}

	p := mc.Performance
	if p.TimeoutSeconds <= 0 {
		return errors.ConfigurationError("performance.timeoutSeconds", p.TimeoutSeconds, "must be positive")
	}
	if p.MaxCandidatesForMultipleMatching <= 0 || p.MaxCandidatesForMultipleMatching > MaxSubsetSumPool {
		return errors.ConfigurationError("performance.maxCandidatesForMultipleMatching", p.MaxCandidatesForMultipleMatching,
			fmt.Sprintf("must be between 1 and %d", MaxSubsetSumPool))
	}
	if p.MaxItemsPerPhase <= 0 {
		return errors.ConfigurationError("performance.maxItemsPerPhase", p.MaxItemsPerPhase, "must be positive")
	}
	if p.MaxSubsetSumStates <= 0 {
		return errors.ConfigurationError("performance.maxSubsetSumStates", p.MaxSubsetSumStates, "must be positive")
	}

	t := mc.TextSimilarity
	if _, err := similarity.ParseAlgorithm(t.Algorithm); err != nil {
		return errors.ConfigurationError("textSimilarity.algorithm", t.Algorithm, err.Error())
	}
	if t.Threshold < 0 || t.Threshold > 1 {
		return errors.ConfigurationError("textSimilarity.threshold", t.Threshold, "must be between 0 and 1")
	}
	if t.Weight < 0 {
		return errors.ConfigurationError("textSimilarity.weight", t.Weight, "cannot be negative")
	}

	return nil
}

// Validate checks the tolerance policy
func (at *AmountToleranceConfig) Validate() error {
	if at.SmallAmountPercent < 0 || at.SmallAmountPercent > 100 {
		return errors.ConfigurationError("amountTolerance.smallAmountPercent", at.SmallAmountPercent, "must be between 0 and 100")
	}
	if at.LargeAmountPercent < 0 || at.LargeAmountPercent > 100 {
		return errors.ConfigurationError("amountTolerance.largeAmountPercent", at.LargeAmountPercent, "must be between 0 and 100")
	}
	if at.MinimumAbsolute < 0 {
		return errors.ConfigurationError("amountTolerance.minimumAbsolute", at.MinimumAbsolute, "cannot be negative")
	}
	if at.MinimumAbsolute > at.MaximumAbsolute {
		return errors.ConfigurationError("amountTolerance.minimumAbsolute", at.MinimumAbsolute, "must not exceed maximumAbsolute")
	}
	if at.LargeAmountThreshold <= 0 {
		return errors.ConfigurationError("amountTolerance.largeAmountThreshold", at.LargeAmountThreshold, "must be positive")
	}
	return nil
}

// ToleranceFor returns the absolute tolerance that applies to amount.
func (at *AmountToleranceConfig) ToleranceFor(amount decimal.Decimal) decimal.Decimal {
	abs := amount.Abs()

	percent := at.SmallAmountPercent
	if abs.GreaterThanOrEqual(decimal.NewFromFloat(at.LargeAmountThreshold)) {
		percent = at.LargeAmountPercent
	}

	tolerance := abs.Mul(decimal.NewFromFloat(percent)).Div(decimal.NewFromInt(100))

	floor := decimal.NewFromFloat(at.MinimumAbsolute)
	ceiling := decimal.NewFromFloat(at.MaximumAbsolute)
	if tolerance.LessThan(floor) {
		tolerance = floor
	}
	if tolerance.GreaterThan(ceiling) {
		tolerance = ceiling
	}

	return tolerance.Round(2)
}

// Timeout returns the run-level wall-clock budget
func (mc *MatchingConfig) Timeout() time.Duration {
	return time.Duration(mc.Performance.TimeoutSeconds) * time.Second
}

// Clone creates a deep copy of the matching configuration
func (mc *MatchingConfig) Clone() *MatchingConfig {
	if mc == nil {
		return nil
	}
	clone := *mc
	return &clone
}

// String returns a human-readable description of the configuration
func (mc *MatchingConfig) String() string {
	return fmt.Sprintf("MatchingConfig{Dates: %d/%d/%d/%d days, Tolerance: %.2f%%/%.2f%% [%.2f, %.2f], MinScore: %.0f, Multi: %t(%d-%d)}",
		mc.DateThresholds.ExactMatchDays, mc.DateThresholds.GoodMatchDays, mc.DateThresholds.FairMatchDays, mc.DateThresholds.LowMatchDays,
		mc.AmountTolerance.SmallAmountPercent, mc.AmountTolerance.LargeAmountPercent,
		mc.AmountTolerance.MinimumAbsolute, mc.AmountTolerance.MaximumAbsolute,
		mc.MinimumScore, mc.MultipleMatching.Enabled, mc.MultipleMatching.MinTransactions, mc.MultipleMatching.MaxTransactions)
}
