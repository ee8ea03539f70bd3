// Package features turns a (movement, entry) pair into the fixed-length vector the
// classifier consumes.
package features

import (
	"strings"
	"time"
	"unicode"

	"golang-reconciliation-engine/internal/models"

	"github.com/shopspring/decimal"
)

// containmentSimilarity is the token score given when one description contains the other
const containmentSimilarity = 0.9

var ten = decimal.NewFromInt(10)

// Extract computes the feature vector of a pair. Missing optional fields degrade
// to neutral values; it never panics.
func Extract(movement models.CandidateMovement, entry models.CandidateEntry, history models.HistoricalAggregates) models.FeatureVector {
	return ExtractCandidates(&movement.Candidate, &entry.Candidate, history)
}

// ExtractCandidates is Extract over bare candidates.
func ExtractCandidates(m, e *models.Candidate, history models.HistoricalAggregates) models.FeatureVector {
	var f models.FeatureVector
	if m == nil || e == nil {
		return f
	}

	absM, absE := m.Amount.Abs(), e.Amount.Abs()

	f[models.FeatureAmountDifference] = absM.Sub(absE).Abs().InexactFloat64()
	f[models.FeatureDateGapDays] = dateGap(m.Date, e.Date)
	f[models.FeatureTextSimilarity] = TokenSimilarity(m.Description, e.Description)
	f[models.FeatureAmountRatio] = amountRatio(absM, absE)
	f[models.FeatureSameSign] = flag(m.Amount.Sign() == e.Amount.Sign())
	f[models.FeatureReferenceMatch] = referenceMatch(m.Reference, e.Reference)
	f[models.FeatureRoundAmount] = flag(isRound(absM))
	f[models.FeatureMonthEnd] = flag(isMonthEnd(m.Date))
	f[models.FeatureMovementWeekday] = weekday(m.Date)
	f[models.FeatureEntryWeekday] = weekday(e.Date)
	f[models.FeatureHistoricalMatchRate] = history.MatchRate
	f[models.FeatureHistoricalAverageDelay] = history.AverageDelayDays

	return f
}

// TokenSimilarity is the Jaccard index of the two descriptions' word sets, raised
// to 0.9 when one normalized description contains the other.
func TokenSimilarity(a, b string) float64 {
	ta, tb := tokenize(a), tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	setA := make(map[string]struct{}, len(ta))
	for _, t := range ta {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(tb))
	for _, t := range tb {
		setB[t] = struct{}{}
	}

	intersection := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	jaccard := float64(intersection) / float64(union)

	na, nb := strings.Join(ta, " "), strings.Join(tb, " ")
	if (strings.Contains(na, nb) || strings.Contains(nb, na)) && jaccard < containmentSimilarity {
		return containmentSimilarity
	}
	return jaccard
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func dateGap(a, b time.Time) float64 {
	if a.IsZero() || b.IsZero() {
		return 0
	}
	return float64(models.DaysBetween(a, b))
}

func amountRatio(a, b decimal.Decimal) float64 {
	lo, hi := a, b
	if lo.GreaterThan(hi) {
		lo, hi = hi, lo
	}
	if hi.IsZero() {
		return 0
	}
	return lo.Div(hi).InexactFloat64()
}

func referenceMatch(a, b string) float64 {
	na, nb := models.NormalizeIdentifier(a), models.NormalizeIdentifier(b)
	if na == "" || nb == "" {
		return 0
	}
	return flag(na == nb)
}

// isRound reports a whole amount whose integer part is a multiple of ten
func isRound(abs decimal.Decimal) bool {
	if abs.IsZero() || !abs.Equal(abs.Truncate(0)) {
		return false
	}
	return abs.Mod(ten).IsZero()
}

// isMonthEnd reports a date within the last three days of its month
func isMonthEnd(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	daysInMonth := time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
	return t.Day() >= daysInMonth-2
}

func weekday(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.Weekday())
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
