package models

import (
	"fmt"
	"time"
)

// Feature indices of a FeatureVector
const (
	FeatureAmountDifference = iota
	FeatureDateGapDays
	FeatureTextSimilarity
	FeatureAmountRatio
	FeatureSameSign
	FeatureReferenceMatch
	FeatureRoundAmount
	FeatureMonthEnd
	FeatureMovementWeekday
	FeatureEntryWeekday
	FeatureHistoricalMatchRate
	FeatureHistoricalAverageDelay

	// FeatureCount is the fixed arity of a FeatureVector
	FeatureCount
)

// FeatureNames names each dimension, indexed by the Feature constants.
var FeatureNames = [FeatureCount]string{
	"amount_difference",
	"date_gap_days",
	"text_similarity",
	"amount_ratio",
	"same_sign",
	"reference_match",
	"round_amount",
	"month_end",
	"movement_weekday",
	"entry_weekday",
	"historical_match_rate",
	"historical_average_delay",
}

// FeatureVector is the numeric description of one (movement, entry) pair.
type FeatureVector [FeatureCount]float64

// Slice returns a copy of the vector as a slice
func (f FeatureVector) Slice() []float64 {
	out := make([]float64, FeatureCount)
	copy(out, f[:])
	return out
}

// FeatureVectorFromSlice builds a vector from exactly FeatureCount values
func FeatureVectorFromSlice(values []float64) (FeatureVector, error) {
	var f FeatureVector
	if len(values) != FeatureCount {
		return f, fmt.Errorf("feature vector needs %d values, got %d", FeatureCount, len(values))
	}
	copy(f[:], values)
	return f, nil
}

// HistoricalAggregates carries per-tenant history fed into feature extraction.
type HistoricalAggregates struct {
	MatchRate        float64 `json:"matchRate"`
	AverageDelayDays float64 `json:"averageDelayDays"`
}

// ExampleLabel is the training label of a TrainingExample
type ExampleLabel string

const (
	LabelAccepted ExampleLabel = "accepted"
	LabelRejected ExampleLabel = "rejected"
)

// IsPositive reports whether the label is the match class
func (l ExampleLabel) IsPositive() bool {
	return l == LabelAccepted
}

// TrainingExample is a labeled feature vector derived from a resolved suggestion.
type TrainingExample struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenantId"`
	SuggestionID string        `json:"suggestionId,omitempty"`
	Features     FeatureVector `json:"features"`
	Label        ExampleLabel  `json:"label"`
	CreatedAt    time.Time     `json:"createdAt"`
	ConsumedAt   *time.Time    `json:"consumedAt,omitempty"`
}

// ModelStatus is the registry state of a trained model
type ModelStatus string

const (
	// ModelStatusInactive is a persisted model that was never promoted
	ModelStatusInactive   ModelStatus = "inactive"
	ModelStatusActive     ModelStatus = "active"
	ModelStatusDeprecated ModelStatus = "deprecated"
)

// TrainedModel is the registry record of one persisted classifier
type TrainedModel struct {
	Version              string      `json:"version" yaml:"version"`
	TenantID             string      `json:"tenantId" yaml:"tenantId"`
	CreatedAt            time.Time   `json:"createdAt" yaml:"createdAt"`
	Accuracy             float64     `json:"accuracy" yaml:"accuracy"`
	Precision            float64     `json:"precision" yaml:"precision"`
	Recall               float64     `json:"recall" yaml:"recall"`
	F1                   float64     `json:"f1" yaml:"f1"`
	TrainingExampleCount int         `json:"trainingExampleCount" yaml:"trainingExampleCount"`
	ArtifactLocation     string      `json:"artifactLocation" yaml:"-"`
	IsActive             bool        `json:"isActive" yaml:"-"`
	Status               ModelStatus `json:"status" yaml:"-"`
}

// Age returns how long ago the model was created
func (m *TrainedModel) Age(now time.Time) time.Duration {
	return now.Sub(m.CreatedAt)
}

// NewModelVersion derives a sortable version string from a creation time.
func NewModelVersion(t time.Time) string {
	return t.UTC().Format("20060102T150405.000Z")
}

// PredictionOutcome is the real-world verdict on a prediction
type PredictionOutcome string

const (
	PredictionUnresolved PredictionOutcome = ""
	PredictionCorrect    PredictionOutcome = "correct"
	PredictionIncorrect  PredictionOutcome = "incorrect"
)

// PredictionLog is the append-only record of one inference call
type PredictionLog struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenantId"`
	SuggestionID   string            `json:"suggestionId,omitempty"`
	MovementID     string            `json:"movementId"`
	CandidateCount int               `json:"candidateCount"`
	ChosenEntryID  string            `json:"chosenEntryId,omitempty"`
	Confidence     float64           `json:"confidence"`
	ModelVersion   string            `json:"modelVersion"`
	Latency        time.Duration     `json:"latency"`
	CreatedAt      time.Time         `json:"createdAt"`
	Outcome        PredictionOutcome `json:"outcome,omitempty"`
}
