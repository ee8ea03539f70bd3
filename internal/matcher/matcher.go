package matcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang-reconciliation-engine/internal/models"
	"golang-reconciliation-engine/internal/similarity"
	"golang-reconciliation-engine/pkg/errors"
	"golang-reconciliation-engine/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Phase names reported to progress callbacks and truncation reasons
const (
	PhaseOneToOne     = "one-to-one"
	PhaseCombinations = "combinations"
)

// ProgressFunc is called after each item of a phase is processed
type ProgressFunc func(phase string, done, total int)

// Generator produces deduplicated heuristic suggestions for one run.
type Generator struct {
	Config   *MatchingConfig
	Progress ProgressFunc

	scorer *similarity.Scorer
	logger logger.Logger
	now    func() time.Time
}

// RunResult is the output of one heuristic run
type RunResult struct {
	Suggestions []*models.MatchSuggestion
	Statistics  RunStatistics
	Warnings    []*errors.ReconcilerError

	movements []*models.Candidate
	entries   []*models.Candidate
}

// Merge folds suggestions from another source into the result with the same
// highest-score-wins deduplication and refreshes the statistics.
func (r *RunResult) Merge(extra []*models.MatchSuggestion) {
	if len(extra) == 0 {
		return
	}
	r.Suggestions = Deduplicate(append(r.Suggestions, extra...))
	r.Statistics.recount(r.Suggestions, r.movements, r.entries)
}

// RunStatistics provides aggregate statistics about a run
type RunStatistics struct {
	TotalMovements          int                      `json:"totalMovements"`
	TotalEntries            int                      `json:"totalEntries"`
	InvalidMovements        int                      `json:"invalidMovements"`
	InvalidEntries          int                      `json:"invalidEntries"`
	SuggestionCount         int                      `json:"suggestionCount"`
	ByConfidence            models.BucketCounts      `json:"byConfidence"`
	ByKind                  map[models.MatchKind]int `json:"byKind"`
	MatchedMovements        int                      `json:"matchedMovements"`
	MatchedEntries          int                      `json:"matchedEntries"`
	UnmatchedMovements      int                      `json:"unmatchedMovements"`
	UnmatchedEntries        int                      `json:"unmatchedEntries"`
	UnmatchedMovementAmount decimal.Decimal          `json:"unmatchedMovementAmount"`
	UnmatchedEntryAmount    decimal.Decimal          `json:"unmatchedEntryAmount"`
	// ResidualImbalance is the signed unmatched movement total minus the signed unmatched entry total
	ResidualImbalance   decimal.Decimal `json:"residualImbalance"`
	CombinationSearches int             `json:"combinationSearches"`
	Truncated           bool            `json:"truncated"`
	TruncationReasons   []string        `json:"truncationReasons,omitempty"`
	Duration            time.Duration   `json:"duration"`
}

// NewGenerator creates a generator for the given configuration
func NewGenerator(config *MatchingConfig, log logger.Logger) (*Generator, error) {
	if config == nil {
		config = DefaultMatchingConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	algorithm, _ := similarity.ParseAlgorithm(config.TextSimilarity.Algorithm)

	return &Generator{
		Config: config,
		scorer: similarity.NewScorer(algorithm, config.TextSimilarity.Normalize),
		logger: logger.OrGlobal(log).WithComponent("heuristic-generator"),
		now:    time.Now,
	}, nil
}

// run carries the working state of one Generate call
type run struct {
	ctx       context.Context
	movements []*models.Candidate
	entries   []*models.Candidate
	entryIdx  *CandidateIndex
	moveIdx   *CandidateIndex
	result    *RunResult
}

func (r *run) truncate(reason string) {
	r.result.Statistics.Truncated = true
	for _, existing := range r.result.Statistics.TruncationReasons {
		if existing == reason {
			return
		}
	}
	r.result.Statistics.TruncationReasons = append(r.result.Statistics.TruncationReasons, reason)
}

// Generate scores movements against entries and returns deduplicated suggestions.
// It never fails on bad records or exhausted budgets: those surface as warnings
// and a truncation flag on the result, with every suggestion computed so far kept.
func (g *Generator) Generate(ctx context.Context, movements []models.CandidateMovement, entries []models.CandidateEntry) (*RunResult, error) {
	start := g.now()

	ctx, cancel := context.WithTimeout(ctx, g.Config.Timeout())
	defer cancel()

	result := &RunResult{
		Statistics: RunStatistics{
			TotalMovements: len(movements),
			TotalEntries:   len(entries),
			ByKind:         make(map[models.MatchKind]int),
		},
	}

	r := &run{ctx: ctx, result: result}
	r.movements = g.validCandidates("movement", movementViews(movements), result)
	r.entries = g.validCandidates("entry", entryViews(entries), result)
	result.Statistics.InvalidMovements = len(movements) - len(r.movements)
	result.Statistics.InvalidEntries = len(entries) - len(r.entries)
	r.entryIdx = NewCandidateIndex(r.entries)
	r.moveIdx = NewCandidateIndex(r.movements)

	g.logger.WithFields(logger.Fields{
		"movements": len(r.movements),
		"entries":   len(r.entries),
	}).Debug("starting heuristic run")

	oneToOne := Deduplicate(g.oneToOnePhase(r))

	var combos []*models.MatchSuggestion
	if g.Config.MultipleMatching.Enabled {
		combos = g.combinationPhase(r, oneToOne)
	}

	result.Suggestions = Deduplicate(append(oneToOne, combos...))
	result.movements = r.movements
	result.entries = r.entries
	result.Statistics.recount(result.Suggestions, r.movements, r.entries)
	result.Statistics.Duration = g.now().Sub(start)

	if result.Statistics.Truncated {
		g.logger.WithField("reasons", strings.Join(result.Statistics.TruncationReasons, "; ")).
			Warn("heuristic run truncated, returning partial suggestions")
	}

	return result, nil
}

func movementViews(in []models.CandidateMovement) []models.Candidate {
	out := make([]models.Candidate, len(in))
	for i := range in {
		out[i] = in[i].Candidate
	}
	return out
}

func entryViews(in []models.CandidateEntry) []models.Candidate {
	out := make([]models.Candidate, len(in))
	for i := range in {
		out[i] = in[i].Candidate
	}
	return out
}

// validCandidates skips malformed or duplicate records with a warning.
func (g *Generator) validCandidates(side string, in []models.Candidate, result *RunResult) []*models.Candidate {
	seen := make(map[string]bool, len(in))
	valid := make([]*models.Candidate, 0, len(in))

	for i := range in {
		c := &in[i]
		err := c.Validate()
		if err == nil && seen[c.ID] {
			err = fmt.Errorf("duplicate %s id", side)
		}
		if err != nil {
			warning := errors.InvalidCandidate(side, c.ID, err)
			result.Warnings = append(result.Warnings, warning)
			g.logger.WithError(err).WithField("id", c.ID).Warnf("skipping invalid %s", side)
			continue
		}
		seen[c.ID] = true
		valid = append(valid, c)
	}

	return valid
}

func (g *Generator) oneToOnePhase(r *run) []*models.MatchSuggestion {
	var suggestions []*models.MatchSuggestion
	limit := g.Config.Performance.MaxItemsPerPhase
	total := min(len(r.movements), limit)

	for i, m := range r.movements {
		if i >= limit {
			r.truncate(fmt.Sprintf("%s phase stopped at maxItemsPerPhase=%d", PhaseOneToOne, limit))
			break
		}
		if r.ctx.Err() != nil {
			r.truncate(g.timeoutReason(r, PhaseOneToOne))
			break
		}

		for _, e := range r.entryIdx.GetCandidates(m, g.Config) {
			score, ok := g.scorePair(m, e)
			if !ok || score.Score < g.Config.MinimumScore {
				continue
			}
			suggestions = append(suggestions, g.newOneToOne(m, e, score))
		}

		g.report(PhaseOneToOne, i+1, total)
	}

	return suggestions
}

func (g *Generator) newOneToOne(m, e *models.Candidate, score pairScore) *models.MatchSuggestion {
	s := &models.MatchSuggestion{
		ID:               uuid.NewString(),
		MovementIDs:      []string{m.ID},
		EntryIDs:         []string{e.ID},
		MatchKind:        score.Kind,
		Reason:           strings.Join(score.Reasons, "; "),
		Status:           models.StatusPending,
		AmountDifference: score.AmountDifference,
		DateGapDays:      score.DateGapDays,
		CreatedAt:        g.now().UTC(),
	}
	s.SetScore(score.Score)
	s.AutoApprovable = s.ConfidenceScore >= g.Config.AutoApproveThreshold
	return s
}

func (g *Generator) combinationPhase(r *run, oneToOne []*models.MatchSuggestion) []*models.MatchSuggestion {
	claimedMovements := make(map[string]bool)
	claimedEntries := make(map[string]bool)
	for _, s := range oneToOne {
		for _, id := range s.MovementIDs {
			claimedMovements[id] = true
		}
		for _, id := range s.EntryIDs {
			claimedEntries[id] = true
		}
	}

	freeMovements := unclaimed(r.movements, claimedMovements)
	freeEntries := unclaimed(r.entries, claimedEntries)

	var suggestions []*models.MatchSuggestion
	limit := g.Config.Performance.MaxItemsPerPhase
	total := min(len(freeMovements)+len(freeEntries), limit)
	processed := 0

	search := func(target *models.Candidate, pool []*models.Candidate, index *CandidateIndex, oneToMany bool) bool {
		if processed >= limit {
			r.truncate(fmt.Sprintf("%s phase stopped at maxItemsPerPhase=%d", PhaseCombinations, limit))
			return false
		}
		if r.ctx.Err() != nil {
			r.truncate(g.timeoutReason(r, PhaseCombinations))
			return false
		}
		if s := g.searchCombination(r, target, pool, index, oneToMany); s != nil {
			suggestions = append(suggestions, s)
		}
		processed++
		g.report(PhaseCombinations, processed, total)
		return true
	}

	for _, m := range freeMovements {
		if !search(m, freeEntries, r.entryIdx, true) {
			return suggestions
		}
	}
	for _, e := range freeEntries {
		if !search(e, freeMovements, r.moveIdx, false) {
			return suggestions
		}
	}

	return suggestions
}

func unclaimed(candidates []*models.Candidate, claimed map[string]bool) []*models.Candidate {
	var out []*models.Candidate
	for _, c := range candidates {
		if !claimed[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

// searchCombination looks for a same-sign group of pool items explaining target.
func (g *Generator) searchCombination(r *run, target *models.Candidate, pool []*models.Candidate, index *CandidateIndex, oneToMany bool) *models.MatchSuggestion {
	mm := g.Config.MultipleMatching
	perf := g.Config.Performance

	var positive, negative []*models.Candidate
	for _, c := range pool {
		if models.DaysBetween(c.Date, target.Date) > mm.MaxDateRangeDays {
			continue
		}
		if c.Amount.IsNegative() {
			negative = append(negative, c)
		} else {
			positive = append(positive, c)
		}
	}

	absTarget := target.Amount.Abs()
	tolerance := g.Config.AmountTolerance.ToleranceFor(absTarget)
	tolerancePercent := tolerance.Div(absTarget).Mul(decimal.NewFromInt(100)).InexactFloat64()

	var best CombinationResult
	var bestPool []*models.Candidate
	for _, side := range [][]*models.Candidate{positive, negative} {
		if len(side) < mm.MinTransactions {
			continue
		}
		side = closestByDate(side, target, index, perf.MaxCandidatesForMultipleMatching)

		items := make([]Item, len(side))
		for i, c := range side {
			items[i] = Item{ID: c.ID, Amount: c.Amount}
		}

		r.result.Statistics.CombinationSearches++
		res := FindCombination(r.ctx, CombinationRequest{
			Target:           absTarget,
			Pool:             items,
			TolerancePercent: tolerancePercent,
			MinSize:          mm.MinTransactions,
			MaxSize:          mm.MaxTransactions,
			MaxStates:        perf.MaxSubsetSumStates,
			GreedyOnly:       perf.HighPerformanceMode,
		})

		if res.Truncated {
			reason := "combinatorial budget exceeded"
			if r.ctx.Err() != nil {
				reason = g.timeoutReason(r, PhaseCombinations)
			} else {
				r.result.Warnings = append(r.result.Warnings,
					errors.MatchingError(errors.CodeCombinatorialBudgetExceeded, PhaseCombinations).
						WithContext("target_id", target.ID))
			}
			r.truncate(reason)
		}

		if res.Found() && betterThan(res, best) {
			best = res
			bestPool = side
		}
	}

	if !best.Found() {
		return nil
	}

	byID := make(map[string]*models.Candidate, len(bestPool))
	for _, c := range bestPool {
		byID[c.ID] = c
	}
	gap := 0
	for _, item := range best.Items {
		if d := models.DaysBetween(byID[item.ID].Date, target.Date); d > gap {
			gap = d
		}
	}

	score := g.combinationScore(best, tolerance)
	if score < g.Config.MinimumScore {
		return nil
	}

	s := &models.MatchSuggestion{
		ID:               uuid.NewString(),
		MatchKind:        models.MatchKindCombination,
		Status:           models.StatusPending,
		AmountDifference: best.Deviation,
		DateGapDays:      gap,
		CreatedAt:        g.now().UTC(),
	}
	ids := best.IDs()
	if oneToMany {
		s.MovementIDs = []string{target.ID}
		s.EntryIDs = ids
	} else {
		s.MovementIDs = ids
		s.EntryIDs = []string{target.ID}
	}
	s.SetScore(score)
	s.Reason = fmt.Sprintf("%d items sum to %s against %s (deviation %s, %s pass); manual review required",
		len(ids), best.Sum.String(), absTarget.String(), best.Deviation.String(), best.Strategy)

	return s
}

// closestByDate keeps at most limit candidates, nearest in date first, ties by input order.
func closestByDate(pool []*models.Candidate, target *models.Candidate, index *CandidateIndex, limit int) []*models.Candidate {
	if len(pool) <= limit {
		return pool
	}
	sorted := make([]*models.Candidate, len(pool))
	copy(sorted, pool)
	sort.SliceStable(sorted, func(i, j int) bool {
		di, dj := models.DaysBetween(sorted[i].Date, target.Date), models.DaysBetween(sorted[j].Date, target.Date)
		if di != dj {
			return di < dj
		}
		return index.Position(sorted[i]) < index.Position(sorted[j])
	})
	return sorted[:limit]
}

func (g *Generator) timeoutReason(r *run, phase string) string {
	if r.ctx.Err() == context.DeadlineExceeded {
		warning := errors.MatchingError(errors.CodeTimeoutExceeded, phase)
		if !hasWarning(r.result.Warnings, errors.CodeTimeoutExceeded) {
			r.result.Warnings = append(r.result.Warnings, warning)
		}
		return fmt.Sprintf("timeout exceeded during %s phase", phase)
	}
	return fmt.Sprintf("run cancelled during %s phase", phase)
}

func hasWarning(warnings []*errors.ReconcilerError, code errors.ErrorCode) bool {
	for _, w := range warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

func (g *Generator) report(phase string, done, total int) {
	if g.Progress != nil {
		g.Progress(phase, done, total)
	}
}

func (stats *RunStatistics) recount(suggestions []*models.MatchSuggestion, movements, entries []*models.Candidate) {
	stats.SuggestionCount = len(suggestions)
	stats.ByConfidence = models.CountByBucket(suggestions)
	stats.ByKind = make(map[models.MatchKind]int)
	stats.MatchedMovements, stats.UnmatchedMovements = 0, 0
	stats.MatchedEntries, stats.UnmatchedEntries = 0, 0

	matchedMovements := make(map[string]bool)
	matchedEntries := make(map[string]bool)
	for _, s := range suggestions {
		stats.ByKind[s.MatchKind]++
		for _, id := range s.MovementIDs {
			matchedMovements[id] = true
		}
		for _, id := range s.EntryIDs {
			matchedEntries[id] = true
		}
	}

	stats.UnmatchedMovementAmount = decimal.Zero
	stats.UnmatchedEntryAmount = decimal.Zero
	for _, m := range movements {
		if matchedMovements[m.ID] {
			stats.MatchedMovements++
			continue
		}
		stats.UnmatchedMovements++
		stats.UnmatchedMovementAmount = stats.UnmatchedMovementAmount.Add(m.Amount)
	}
	for _, e := range entries {
		if matchedEntries[e.ID] {
			stats.MatchedEntries++
			continue
		}
		stats.UnmatchedEntries++
		stats.UnmatchedEntryAmount = stats.UnmatchedEntryAmount.Add(e.Amount)
	}
	stats.ResidualImbalance = stats.UnmatchedMovementAmount.Sub(stats.UnmatchedEntryAmount)
}
