package matcher

import (
	"sort"
	"time"

	"golang-reconciliation-engine/internal/models"

	"github.com/shopspring/decimal"
)

// CandidateIndex provides efficient amount and date lookups over one side of a run.
// Amounts are indexed by absolute value.
type CandidateIndex struct {
	// ExactAmountIndex maps absolute amounts to candidates
	ExactAmountIndex map[string][]*models.Candidate

	// DateIndex maps date strings (YYYY-MM-DD) to candidates
	DateIndex map[string][]*models.Candidate

	// AmountRangeIndex provides sorted absolute amounts for range-based lookups
	AmountRangeIndex []*AmountIndexEntry

	// All holds every indexed candidate in input order
	All []*models.Candidate

	position map[*models.Candidate]int
}

// AmountIndexEntry represents an entry in the sorted amount index
type AmountIndexEntry struct {
	Amount     decimal.Decimal
	Candidates []*models.Candidate
}

// IndexStats describes the shape of an index
type IndexStats struct {
	TotalCandidates int `json:"total_candidates"`
	UniqueAmounts   int `json:"unique_amounts"`
	UniqueDates     int `json:"unique_dates"`
}

// NewCandidateIndex creates a new index from a slice of candidates
func NewCandidateIndex(candidates []*models.Candidate) *CandidateIndex {
	index := &CandidateIndex{
		ExactAmountIndex: make(map[string][]*models.Candidate),
		DateIndex:        make(map[string][]*models.Candidate),
		All:              candidates,
		position:         make(map[*models.Candidate]int, len(candidates)),
	}

	index.buildIndexes()
	return index
}

// buildIndexes constructs all internal indexes
func (ci *CandidateIndex) buildIndexes() {
	amountMap := make(map[string]*AmountIndexEntry)

	for i, c := range ci.All {
		ci.position[c] = i
		abs := c.Amount.Abs()
		amountKey := abs.String()
		dateKey := c.Date.Format("2006-01-02")

		ci.ExactAmountIndex[amountKey] = append(ci.ExactAmountIndex[amountKey], c)
		ci.DateIndex[dateKey] = append(ci.DateIndex[dateKey], c)

		if entry, exists := amountMap[amountKey]; exists {
			entry.Candidates = append(entry.Candidates, c)
		} else {
			amountMap[amountKey] = &AmountIndexEntry{
				Amount:     abs,
				Candidates: []*models.Candidate{c},
			}
		}
	}

	ci.AmountRangeIndex = make([]*AmountIndexEntry, 0, len(amountMap))
	for _, entry := range amountMap {
		ci.AmountRangeIndex = append(ci.AmountRangeIndex, entry)
	}

	// Sort by amount for efficient range queries
	sort.Slice(ci.AmountRangeIndex, func(i, j int) bool {
		return ci.AmountRangeIndex[i].Amount.LessThan(ci.AmountRangeIndex[j].Amount)
	})
}

// GetByExactAmount returns candidates whose absolute amount equals amount
func (ci *CandidateIndex) GetByExactAmount(amount decimal.Decimal) []*models.Candidate {
	return ci.ExactAmountIndex[amount.Abs().String()]
}

// GetByAmountRange returns candidates whose absolute amount lies within [minAmount, maxAmount]
func (ci *CandidateIndex) GetByAmountRange(minAmount, maxAmount decimal.Decimal) []*models.Candidate {
	var result []*models.Candidate

	startIdx := sort.Search(len(ci.AmountRangeIndex), func(i int) bool {
		return ci.AmountRangeIndex[i].Amount.GreaterThanOrEqual(minAmount)
	})

	for i := startIdx; i < len(ci.AmountRangeIndex); i++ {
		entry := ci.AmountRangeIndex[i]
		if entry.Amount.GreaterThan(maxAmount) {
			break
		}
		result = append(result, entry.Candidates...)
	}

	return result
}

// GetByDate returns candidates dated on the given day
func (ci *CandidateIndex) GetByDate(date time.Time) []*models.Candidate {
	return ci.DateIndex[date.Format("2006-01-02")]
}

// GetByDateRange returns candidates dated within maxDays calendar days of date, in input order
func (ci *CandidateIndex) GetByDateRange(date time.Time, maxDays int) []*models.Candidate {
	var result []*models.Candidate
	for _, c := range ci.All {
		if models.DaysBetween(c.Date, date) <= maxDays {
			result = append(result, c)
		}
	}
	return result
}

// GetCandidates returns the pre-screened candidates for target: absolute amount
// within the contextual tolerance and date gap within the low-match window.
// Results keep input order so scoring stays deterministic.
func (ci *CandidateIndex) GetCandidates(target *models.Candidate, config *MatchingConfig) []*models.Candidate {
	amount := target.Amount.Abs()
	tolerance := config.AmountTolerance.ToleranceFor(amount)

	inRange := ci.GetByAmountRange(amount.Sub(tolerance), amount.Add(tolerance))

	var candidates []*models.Candidate
	for _, c := range inRange {
		if models.DaysBetween(c.Date, target.Date) <= config.DateThresholds.LowMatchDays {
			candidates = append(candidates, c)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return ci.position[candidates[i]] < ci.position[candidates[j]]
	})

	return candidates
}

// Position returns the input-order position of c, or -1 when it is not indexed
func (ci *CandidateIndex) Position(c *models.Candidate) int {
	if pos, ok := ci.position[c]; ok {
		return pos
	}
	return -1
}

// GetIndexStats returns statistics about the index
func (ci *CandidateIndex) GetIndexStats() IndexStats {
	return IndexStats{
		TotalCandidates: len(ci.All),
		UniqueAmounts:   len(ci.AmountRangeIndex),
		UniqueDates:     len(ci.DateIndex),
	}
}
