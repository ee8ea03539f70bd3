package features

import (
	"testing"
	"time"

	"golang-reconciliation-engine/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestExtract_AllDimensions(t *testing.T) {
	// Friday 2024-05-31 vs Monday 2024-06-03
	m := models.NewMovement("M1", decimal.RequireFromString("-120.00"),
		time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC), "Virement SARL ABC", "INV-42")
	e := models.NewEntry("E1", decimal.RequireFromString("100.00"),
		time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC), "SARL ABC", "inv-42")
	history := models.HistoricalAggregates{MatchRate: 0.8, AverageDelayDays: 2.5}

	f := Extract(m, e, history)

	assert.Equal(t, 20.0, f[models.FeatureAmountDifference])
	assert.Equal(t, 3.0, f[models.FeatureDateGapDays])
	assert.Equal(t, 0.9, f[models.FeatureTextSimilarity])
	assert.InDelta(t, 100.0/120.0, f[models.FeatureAmountRatio], 1e-9)
	assert.Equal(t, 0.0, f[models.FeatureSameSign])
	assert.Equal(t, 1.0, f[models.FeatureReferenceMatch])
	assert.Equal(t, 1.0, f[models.FeatureRoundAmount])
	assert.Equal(t, 1.0, f[models.FeatureMonthEnd])
	assert.Equal(t, float64(time.Friday), f[models.FeatureMovementWeekday])
	assert.Equal(t, float64(time.Monday), f[models.FeatureEntryWeekday])
	assert.Equal(t, 0.8, f[models.FeatureHistoricalMatchRate])
	assert.Equal(t, 2.5, f[models.FeatureHistoricalAverageDelay])
}

func TestExtract_Deterministic(t *testing.T) {
	m := models.NewMovement("M1", decimal.NewFromInt(55), time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), "abc", "")
	e := models.NewEntry("E1", decimal.NewFromInt(50), time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC), "abd", "")

	assert.Equal(t, Extract(m, e, models.HistoricalAggregates{}), Extract(m, e, models.HistoricalAggregates{}))
}

func TestExtract_MissingOptionalFields(t *testing.T) {
	m := models.CandidateMovement{Candidate: models.Candidate{ID: "M1", Amount: decimal.NewFromInt(10)}}
	e := models.CandidateEntry{Candidate: models.Candidate{ID: "E1"}}

	var f models.FeatureVector
	assert.NotPanics(t, func() { f = Extract(m, e, models.HistoricalAggregates{}) })

	assert.Equal(t, 0.0, f[models.FeatureReferenceMatch])
	assert.Equal(t, 0.0, f[models.FeatureTextSimilarity])
	assert.Equal(t, 0.0, f[models.FeatureDateGapDays])
	assert.Equal(t, 0.0, f[models.FeatureAmountRatio])
	assert.Equal(t, 0.0, f[models.FeatureMonthEnd])
	assert.Equal(t, models.FeatureVector{}, ExtractCandidates(nil, &e.Candidate, models.HistoricalAggregates{}))
}

func TestTokenSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"", "", 0},
		{"abc", "", 0},
		{"sarl abc", "SARL-ABC", 1},
		{"paiement sarl abc", "sarl abc", 0.9},
		{"facture edf mars", "facture edf avril", 0.5},
		{"alpha", "beta", 0},
	}

	for _, tt := range tests {
		assert.InDelta(t, tt.want, TokenSimilarity(tt.a, tt.b), 1e-9, "%q vs %q", tt.a, tt.b)
	}
}

func TestIsRound(t *testing.T) {
	assert.True(t, isRound(decimal.RequireFromString("120.00")))
	assert.True(t, isRound(decimal.NewFromInt(1000)))
	assert.False(t, isRound(decimal.RequireFromString("125")))
	assert.False(t, isRound(decimal.RequireFromString("120.50")))
	assert.False(t, isRound(decimal.Zero))
}

func TestIsMonthEnd(t *testing.T) {
	assert.True(t, isMonthEnd(time.Date(2024, 2, 27, 0, 0, 0, 0, time.UTC)))
	assert.False(t, isMonthEnd(time.Date(2024, 2, 26, 0, 0, 0, 0, time.UTC)))
	assert.True(t, isMonthEnd(time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)))
	assert.False(t, isMonthEnd(time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)))
}
