package matcher

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

const (
	// MaxSubsetSumPool is the largest pool the subset-sum pass accepts
	MaxSubsetSumPool = 50

	// DefaultMaxSubsetSumStates bounds the reachable-sum table
	DefaultMaxSubsetSumStates = 10000

	// exploredStatesFactor times the table ceiling is the total exploration budget
	exploredStatesFactor = 25

	maxMinorUnitScale = 8
	ctxCheckInterval  = 1024
)

// Strategy names the pass that produced a combination
type Strategy string

const (
	StrategyNone      Strategy = ""
	StrategyGreedy    Strategy = "greedy"
	StrategySubsetSum Strategy = "subset-sum"
)

// Item is one pool member of a combination search. Amount is taken as absolute.
type Item struct {
	ID     string
	Amount decimal.Decimal
}

// CombinationRequest describes one search for a subset of Pool explaining Target.
type CombinationRequest struct {
	Target decimal.Decimal
	Pool   []Item
	// TolerancePercent is the symmetric band around Target, in percent
	TolerancePercent float64
	MinSize          int
	MaxSize          int
	// MaxStates bounds the reachable-sum table; zero uses DefaultMaxSubsetSumStates
	MaxStates int
	// GreedyOnly disables the subset-sum pass
	GreedyOnly bool
}

// CombinationResult is the outcome of a search. An empty Items means no subset qualified.
type CombinationResult struct {
	Items     []Item
	Sum       decimal.Decimal
	Deviation decimal.Decimal
	Strategy  Strategy
	// Truncated is set when a budget stopped the search before the pool was exhausted
	Truncated bool
	// Pruned is set when the reachable-sum table had to be cut back
	Pruned   bool
	Explored int
}

// Found reports whether a qualifying subset was returned
func (r *CombinationResult) Found() bool {
	return len(r.Items) > 0
}

// IDs returns the ids of the selected items in selection order
func (r *CombinationResult) IDs() []string {
	ids := make([]string, len(r.Items))
	for i, item := range r.Items {
		ids[i] = item.ID
	}
	return ids
}

type band struct {
	target, lower, upper decimal.Decimal
}

func newBand(target decimal.Decimal, tolerancePercent float64) band {
	target = target.Abs()
	delta := target.Mul(decimal.NewFromFloat(tolerancePercent)).Div(decimal.NewFromInt(100))
	return band{target: target, lower: target.Sub(delta), upper: target.Add(delta)}
}

func (b band) contains(sum decimal.Decimal) bool {
	return sum.GreaterThanOrEqual(b.lower) && sum.LessThanOrEqual(b.upper)
}

// FindCombination returns the smallest subset of the pool whose summed absolute
// amount falls inside the tolerance band, minimizing deviation from the target.
//
// A greedy pass runs first; the bounded subset-sum pass runs only when greedy
// fails or leaves a nonzero deviation, and replaces the greedy answer only when
// strictly better. The request is never mutated and identical requests always
// produce identical results.
func FindCombination(ctx context.Context, req CombinationRequest) CombinationResult {
	result := CombinationResult{Sum: decimal.Zero, Deviation: decimal.Zero}
	if req.Target.IsZero() || len(req.Pool) == 0 {
		return result
	}

	minSize, maxSize := req.MinSize, req.MaxSize
	if minSize <= 0 {
		minSize = 1
	}
	if maxSize <= 0 || maxSize > len(req.Pool) {
		maxSize = len(req.Pool)
	}
	if minSize > maxSize {
		return result
	}

	b := newBand(req.Target, req.TolerancePercent)
	pool := sortedPool(req.Pool)

	greedy := greedyPass(pool, b, minSize, maxSize)
	if greedy.Found() && greedy.Deviation.IsZero() {
		return greedy
	}
	if req.GreedyOnly {
		return greedy
	}
	if err := ctx.Err(); err != nil {
		greedy.Truncated = true
		return greedy
	}

	subset := subsetSumPass(ctx, pool, b, minSize, maxSize, req.MaxStates)
	best := greedy
	if subset.Found() && betterThan(subset, greedy) {
		best = subset
	}
	best.Truncated = subset.Truncated
	best.Pruned = subset.Pruned
	best.Explored = subset.Explored
	return best
}

func betterThan(a, b CombinationResult) bool {
	if !b.Found() {
		return true
	}
	switch a.Deviation.Cmp(b.Deviation) {
	case -1:
		return true
	case 1:
		return false
	}
	return len(a.Items) < len(b.Items)
}

// sortedPool copies the pool with absolute amounts, ordered by amount descending then id.
func sortedPool(in []Item) []Item {
	pool := make([]Item, 0, len(in))
	for _, item := range in {
		if item.Amount.IsZero() {
			continue
		}
		pool = append(pool, Item{ID: item.ID, Amount: item.Amount.Abs()})
	}
	sort.SliceStable(pool, func(i, j int) bool {
		if c := pool[i].Amount.Cmp(pool[j].Amount); c != 0 {
			return c > 0
		}
		return pool[i].ID < pool[j].ID
	})
	return pool
}

func newResult(items []Item, b band, strategy Strategy) CombinationResult {
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(item.Amount)
	}
	return CombinationResult{
		Items:     items,
		Sum:       sum,
		Deviation: sum.Sub(b.target).Abs(),
		Strategy:  strategy,
	}
}

func greedyPass(pool []Item, b band, minSize, maxSize int) CombinationResult {
	var best CombinationResult

	// a single item inside the band beats any accumulation with equal deviation
	if minSize <= 1 {
		for _, item := range pool {
			if !b.contains(item.Amount) {
				continue
			}
			candidate := newResult([]Item{item}, b, StrategyGreedy)
			if !best.Found() || candidate.Deviation.LessThan(best.Deviation) {
				best = candidate
			}
		}
	}

	var picked []Item
	sum := decimal.Zero
	for _, item := range pool {
		if len(picked) == maxSize {
			break
		}
		next := sum.Add(item.Amount)
		if next.GreaterThan(b.upper) {
			continue
		}
		picked = append(picked, item)
		sum = next
		if len(picked) >= minSize && b.contains(sum) {
			break
		}
	}

	if len(picked) >= minSize && b.contains(sum) {
		candidate := newResult(picked, b, StrategyGreedy)
		if betterThan(candidate, best) {
			best = candidate
		}
	}

	return best
}

type subsetState struct {
	sum     int64
	indices []int
}

func lessIndices(a, b []int) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func minorUnitScale(pool []Item, b band) int32 {
	scale := int32(2)
	consider := func(d decimal.Decimal) {
		if exp := -d.Exponent(); exp > scale {
			scale = exp
		}
	}
	for _, item := range pool {
		consider(item.Amount)
	}
	consider(b.target)
	if scale > maxMinorUnitScale {
		scale = maxMinorUnitScale
	}
	return scale
}

func subsetSumPass(ctx context.Context, pool []Item, b band, minSize, maxSize, maxStates int) CombinationResult {
	var result CombinationResult
	if maxStates <= 0 {
		maxStates = DefaultMaxSubsetSumStates
	}

	scale := minorUnitScale(pool, b)
	toUnits := func(d decimal.Decimal) int64 { return d.Shift(scale).Round(0).IntPart() }
	target := toUnits(b.target)
	lower := b.lower.Shift(scale).Ceil().IntPart()
	upper := b.upper.Shift(scale).Floor().IntPart()

	var items []Item
	var units []int64
	for _, item := range pool {
		u := toUnits(item.Amount)
		if u <= 0 || u > upper {
			continue
		}
		items = append(items, item)
		units = append(units, u)
	}
	if len(items) == 0 {
		return result
	}
	if len(items) > MaxSubsetSumPool {
		result.Truncated = true
		return result
	}

	table := map[int64][]int{0: nil}
	var best *subsetState
	explored := 0
	exploreBudget := maxStates * exploredStatesFactor

	consider := func(sum int64, indices []int) {
		if sum < lower || sum > upper || len(indices) < minSize {
			return
		}
		if best == nil {
			best = &subsetState{sum: sum, indices: indices}
			return
		}
		dev, bestDev := abs64(sum-target), abs64(best.sum-target)
		if dev < bestDev || (dev == bestDev && lessIndices(indices, best.indices)) {
			best = &subsetState{sum: sum, indices: indices}
		}
	}

search:
	for i, u := range units {
		if ctx.Err() != nil {
			result.Truncated = true
			break
		}

		// extend a snapshot so item i is never added to a path that already holds it
		states := make([]subsetState, 0, len(table))
		for s, indices := range table {
			states = append(states, subsetState{sum: s, indices: indices})
		}
		sort.Slice(states, func(x, y int) bool { return states[x].sum < states[y].sum })

		for _, state := range states {
			from := state.indices
			if len(from) >= maxSize {
				continue
			}
			next := state.sum + u
			if next > upper {
				continue
			}

			explored++
			if explored%ctxCheckInterval == 0 && ctx.Err() != nil {
				result.Truncated = true
				break search
			}
			if explored > exploreBudget {
				result.Truncated = true
				break search
			}

			indices := make([]int, len(from)+1)
			copy(indices, from)
			indices[len(from)] = i

			consider(next, indices)

			existing, ok := table[next]
			if !ok || lessIndices(indices, existing) {
				table[next] = indices
			}
		}

		if len(table) > maxStates {
			pruneStates(table, target, maxStates/2)
			result.Pruned = true
		}
	}

	result.Explored = explored
	if best == nil {
		return result
	}

	selected := make([]Item, len(best.indices))
	for k, idx := range best.indices {
		selected[k] = items[idx]
	}
	found := newResult(selected, b, StrategySubsetSum)
	if !b.contains(found.Sum) {
		return result
	}
	found.Truncated = result.Truncated
	found.Pruned = result.Pruned
	found.Explored = explored
	return found
}

// pruneStates keeps the keep sums closest to target. The empty sum always survives.
func pruneStates(table map[int64][]int, target int64, keep int) {
	if keep < 1 {
		keep = 1
	}
	sums := make([]int64, 0, len(table))
	for s := range table {
		if s != 0 {
			sums = append(sums, s)
		}
	}
	sort.Slice(sums, func(x, y int) bool {
		dx, dy := abs64(sums[x]-target), abs64(sums[y]-target)
		if dx != dy {
			return dx < dy
		}
		return sums[x] < sums[y]
	})
	for _, s := range sums[min(keep, len(sums)):] {
		delete(table, s)
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
