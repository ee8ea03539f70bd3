package matcher

import (
	"fmt"
	"sort"
	"strings"

	"golang-reconciliation-engine/internal/models"

	"github.com/shopspring/decimal"
)

// pairScore is the outcome of scoring one (movement, entry) pair
type pairScore struct {
	Score            float64
	Kind             models.MatchKind
	AmountDifference decimal.Decimal
	DateGapDays      int
	Similarity       float64
	Reasons          []string
}

// scorePair applies the 1:1 tiers. ok is false when the pair is rejected.
func (g *Generator) scorePair(m, e *models.Candidate) (pairScore, bool) {
	cfg := g.Config
	absM, absE := m.Amount.Abs(), e.Amount.Abs()

	result := pairScore{
		AmountDifference: absM.Sub(absE).Abs(),
		DateGapDays:      models.DaysBetween(m.Date, e.Date),
		Kind:             models.MatchKindHeuristic,
	}

	amountExact := absM.Equal(absE)
	tolerance := cfg.AmountTolerance.ToleranceFor(absM)
	withinTolerance := amountExact || result.AmountDifference.LessThanOrEqual(tolerance)
	gap := result.DateGapDays
	d := cfg.DateThresholds

	switch {
	case amountExact && gap <= d.ExactMatchDays:
		result.Score = cfg.Scores.ExactMatch
		result.Kind = models.MatchKindExact
		result.Reasons = append(result.Reasons, fmt.Sprintf("exact amount, date gap %dd", gap))
	case amountExact && gap <= d.GoodMatchDays:
		result.Score = cfg.Scores.GoodMatch
		result.Reasons = append(result.Reasons, fmt.Sprintf("exact amount, date gap %dd within good window", gap))
	case withinTolerance && gap <= d.FairMatchDays:
		result.Score = cfg.Scores.FairMatch
		result.Reasons = append(result.Reasons, fmt.Sprintf("amount off by %s (tolerance %s), date gap %dd within fair window",
			result.AmountDifference.String(), tolerance.String(), gap))
	case withinTolerance && gap <= d.LowMatchDays:
		result.Score = cfg.Scores.LowMatch
		result.Reasons = append(result.Reasons, fmt.Sprintf("amount off by %s (tolerance %s), date gap %dd within low window",
			result.AmountDifference.String(), tolerance.String(), gap))
	default:
		return result, false
	}

	result.Similarity = g.textSimilarity(m, e)
	if result.Similarity >= cfg.TextSimilarity.Threshold && cfg.TextSimilarity.Weight > 0 {
		bonus := cfg.TextSimilarity.Weight * result.Similarity
		result.Score += bonus
		result.Reasons = append(result.Reasons, fmt.Sprintf("description similarity %.2f (+%.1f)", result.Similarity, bonus))
	}
	if result.Score > 100 {
		result.Score = 100
	}

	return result, true
}

// textSimilarity scores descriptions; equal non-empty references count as identical.
func (g *Generator) textSimilarity(m, e *models.Candidate) float64 {
	if ref := models.NormalizeIdentifier(m.Reference); ref != "" && ref == models.NormalizeIdentifier(e.Reference) {
		return 1
	}
	if strings.TrimSpace(m.Description) == "" || strings.TrimSpace(e.Description) == "" {
		return 0
	}
	return g.scorer.Score(m.Description, e.Description)
}

// combinationScore caps multi-item matches below an exact 1:1 match and takes
// off up to maxDeviationPenalty points as the deviation approaches the tolerance.
func (g *Generator) combinationScore(res CombinationResult, tolerance decimal.Decimal) float64 {
	const maxDeviationPenalty = 10

	score := g.Config.MultipleMatching.ConfidenceScore
	if tolerance.IsPositive() && res.Deviation.IsPositive() {
		ratio := res.Deviation.Div(tolerance).InexactFloat64()
		if ratio > 1 {
			ratio = 1
		}
		score -= maxDeviationPenalty * ratio
	}
	if ceiling := g.Config.Scores.ExactMatch - 1; score > ceiling {
		score = ceiling
	}
	if score < 0 {
		score = 0
	}
	return score
}

func kindPriority(kind models.MatchKind) int {
	switch kind {
	case models.MatchKindExact:
		return 0
	case models.MatchKindHeuristic:
		return 1
	case models.MatchKindLearned:
		return 2
	default:
		return 3
	}
}

// Deduplicate keeps the highest-scoring suggestion for every movement and entry.
// Ties are broken by match kind, then smaller size, then ids, so the outcome does
// not depend on input order. The input slice is not modified.
func Deduplicate(suggestions []*models.MatchSuggestion) []*models.MatchSuggestion {
	ordered := make([]*models.MatchSuggestion, len(suggestions))
	copy(ordered, suggestions)

	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.ConfidenceScore != b.ConfidenceScore {
			return a.ConfidenceScore > b.ConfidenceScore
		}
		if pa, pb := kindPriority(a.MatchKind), kindPriority(b.MatchKind); pa != pb {
			return pa < pb
		}
		if a.Size() != b.Size() {
			return a.Size() < b.Size()
		}
		if ka, kb := strings.Join(a.MovementIDs, ","), strings.Join(b.MovementIDs, ","); ka != kb {
			return ka < kb
		}
		return strings.Join(a.EntryIDs, ",") < strings.Join(b.EntryIDs, ",")
	})

	claimedMovements := make(map[string]bool)
	claimedEntries := make(map[string]bool)
	kept := make([]*models.MatchSuggestion, 0, len(ordered))

	for _, s := range ordered {
		if anyClaimed(s.MovementIDs, claimedMovements) || anyClaimed(s.EntryIDs, claimedEntries) {
			continue
		}
		for _, id := range s.MovementIDs {
			claimedMovements[id] = true
		}
		for _, id := range s.EntryIDs {
			claimedEntries[id] = true
		}
		kept = append(kept, s)
	}

	return kept
}

func anyClaimed(ids []string, claimed map[string]bool) bool {
	for _, id := range ids {
		if claimed[id] {
			return true
		}
	}
	return false
}
