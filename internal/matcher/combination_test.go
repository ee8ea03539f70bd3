package matcher

import (
	"context"
	"math/rand"
	"reflect"
	"testing"

	"github.com/shopspring/decimal"
)

func items(amounts ...string) []Item {
	out := make([]Item, len(amounts))
	for i, a := range amounts {
		out[i] = Item{ID: string(rune('a' + i)), Amount: decimal.RequireFromString(a)}
	}
	return out
}

func ids(res CombinationResult) []string {
	return res.IDs()
}

func TestFindCombination(t *testing.T) {
	tests := []struct {
		name         string
		req          CombinationRequest
		wantIDs      []string
		wantStrategy Strategy
		wantSum      string
	}{
		{
			name: "exact single item preferred over combinations",
			req: CombinationRequest{
				Target:           decimal.RequireFromString("119250"),
				Pool:             items("119250", "59625", "59625", "120000"),
				TolerancePercent: 1,
				MaxSize:          3,
			},
			wantIDs:      []string{"a"},
			wantStrategy: StrategyGreedy,
			wantSum:      "119250",
		},
		{
			name: "greedy accumulates all three",
			req: CombinationRequest{
				Target:           decimal.RequireFromString("100000"),
				Pool:             items("30000", "40000", "35000"),
				TolerancePercent: 5,
				MaxSize:          3,
			},
			wantIDs:      []string{"b", "c", "a"},
			wantStrategy: StrategyGreedy,
			wantSum:      "105000",
		},
		{
			name: "subset-sum improves imprecise greedy answer",
			req: CombinationRequest{
				Target:           decimal.RequireFromString("100"),
				Pool:             items("80", "50", "22", "20"),
				TolerancePercent: 5,
				MaxSize:          3,
			},
			wantIDs:      []string{"a", "d"},
			wantStrategy: StrategySubsetSum,
			wantSum:      "100",
		},
		{
			name: "greedy only keeps imprecise answer",
			req: CombinationRequest{
				Target:           decimal.RequireFromString("100"),
				Pool:             items("80", "50", "22", "20"),
				TolerancePercent: 5,
				MaxSize:          3,
				GreedyOnly:       true,
			},
			wantIDs:      []string{"a", "c"},
			wantStrategy: StrategyGreedy,
			wantSum:      "102",
		},
		{
			name: "minimum size skips single item",
			req: CombinationRequest{
				Target:           decimal.RequireFromString("100"),
				Pool:             items("100", "60", "40"),
				TolerancePercent: 0,
				MinSize:          2,
				MaxSize:          3,
			},
			wantIDs:      []string{"b", "c"},
			wantStrategy: StrategySubsetSum,
			wantSum:      "100",
		},
		{
			name: "negative amounts are taken as absolute",
			req: CombinationRequest{
				Target:           decimal.RequireFromString("-75.50"),
				Pool:             items("-50.25", "-25.25", "-10"),
				TolerancePercent: 0,
				MaxSize:          2,
			},
			wantIDs:      []string{"a", "b"},
			wantStrategy: StrategyGreedy,
			wantSum:      "75.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := FindCombination(context.Background(), tt.req)
			if !res.Found() {
				t.Fatalf("expected a combination, got none")
			}
			if !reflect.DeepEqual(ids(res), tt.wantIDs) {
				t.Errorf("ids = %v, want %v", ids(res), tt.wantIDs)
			}
			if res.Strategy != tt.wantStrategy {
				t.Errorf("strategy = %s, want %s", res.Strategy, tt.wantStrategy)
			}
			if !res.Sum.Equal(decimal.RequireFromString(tt.wantSum)) {
				t.Errorf("sum = %s, want %s", res.Sum, tt.wantSum)
			}
		})
	}
}

func TestFindCombination_NoQualifyingSubset(t *testing.T) {
	tests := []struct {
		name string
		req  CombinationRequest
	}{
		{"pool too small", CombinationRequest{Target: decimal.NewFromInt(100), Pool: items("10", "20"), TolerancePercent: 1, MaxSize: 5}},
		{"max size too small", CombinationRequest{Target: decimal.NewFromInt(100), Pool: items("50", "30", "20"), TolerancePercent: 0, MaxSize: 2}},
		{"zero target", CombinationRequest{Target: decimal.Zero, Pool: items("10"), TolerancePercent: 1}},
		{"empty pool", CombinationRequest{Target: decimal.NewFromInt(10), TolerancePercent: 1}},
		{"min above max", CombinationRequest{Target: decimal.NewFromInt(10), Pool: items("10"), MinSize: 3, MaxSize: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := FindCombination(context.Background(), tt.req)
			if res.Found() {
				t.Errorf("expected no combination, got %v", ids(res))
			}
		})
	}
}

func TestFindCombination_DoesNotMutateInput(t *testing.T) {
	pool := items("20", "80", "22", "50")
	original := make([]Item, len(pool))
	copy(original, pool)

	req := CombinationRequest{Target: decimal.NewFromInt(100), Pool: pool, TolerancePercent: 5, MaxSize: 3}
	first := FindCombination(context.Background(), req)
	second := FindCombination(context.Background(), req)

	if !reflect.DeepEqual(pool, original) {
		t.Errorf("pool was mutated: %v", pool)
	}
	if !reflect.DeepEqual(ids(first), ids(second)) {
		t.Errorf("results differ between identical runs: %v vs %v", ids(first), ids(second))
	}
}

func TestFindCombination_BoundsProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 200; run++ {
		n := 1 + rng.Intn(15)
		pool := make([]Item, n)
		for i := range pool {
			pool[i] = Item{ID: string(rune('a' + i)), Amount: decimal.New(int64(1+rng.Intn(50000)), -2)}
		}
		target := decimal.New(int64(1+rng.Intn(150000)), -2)
		tol := float64(rng.Intn(6))
		maxSize := 1 + rng.Intn(5)

		res := FindCombination(context.Background(), CombinationRequest{
			Target: target, Pool: pool, TolerancePercent: tol, MaxSize: maxSize, MaxStates: 500,
		})
		if !res.Found() {
			continue
		}

		if len(res.Items) > maxSize {
			t.Fatalf("run %d: %d items exceeds max size %d", run, len(res.Items), maxSize)
		}
		b := newBand(target, tol)
		if !b.contains(res.Sum) {
			t.Fatalf("run %d: sum %s outside [%s, %s]", run, res.Sum, b.lower, b.upper)
		}

		seen := make(map[string]bool, len(res.Items))
		for _, id := range res.IDs() {
			if seen[id] {
				t.Fatalf("run %d: item %s selected twice in %v", run, id, res.IDs())
			}
			seen[id] = true
		}

		if res.Pruned || res.Truncated {
			continue
		}
		bestDev, ok := bruteForceDeviation(pool, b, maxSize)
		if !ok {
			t.Fatalf("run %d: returned %v but no subset fits the band", run, res.IDs())
		}
		if !res.Deviation.Equal(bestDev) {
			t.Fatalf("run %d: deviation %s, exhaustive search finds %s", run, res.Deviation, bestDev)
		}
	}
}

// bruteForceDeviation enumerates every subset of at most maxSize items.
func bruteForceDeviation(pool []Item, b band, maxSize int) (decimal.Decimal, bool) {
	var best decimal.Decimal
	found := false
	for mask := 1; mask < 1<<len(pool); mask++ {
		size := 0
		sum := decimal.Zero
		for i, item := range pool {
			if mask&(1<<i) != 0 {
				size++
				sum = sum.Add(item.Amount.Abs())
			}
		}
		if size > maxSize || !b.contains(sum) {
			continue
		}
		dev := sum.Sub(b.target).Abs()
		if !found || dev.LessThan(best) {
			best, found = dev, true
		}
	}
	return best, found
}

func TestFindCombination_NeverReusesAnItem(t *testing.T) {
	res := FindCombination(context.Background(), CombinationRequest{
		Target:           decimal.NewFromInt(100),
		Pool:             items("60", "50", "30", "20"),
		TolerancePercent: 1,
		MaxSize:          4,
	})

	if !res.Found() {
		t.Fatal("expected a combination")
	}
	if want := []string{"b", "c", "d"}; !reflect.DeepEqual(ids(res), want) {
		t.Errorf("got %v, want %v", ids(res), want)
	}
	if !res.Sum.Equal(decimal.NewFromInt(100)) {
		t.Errorf("sum = %s, want 100", res.Sum)
	}
	if res.Strategy != StrategySubsetSum {
		t.Errorf("strategy = %s, want %s", res.Strategy, StrategySubsetSum)
	}
}

func TestFindCombination_PrunesStateTable(t *testing.T) {
	var amounts []string
	for i := 0; i < 20; i++ {
		amounts = append(amounts, decimal.NewFromInt(int64(i*3+1)).String())
	}

	res := FindCombination(context.Background(), CombinationRequest{
		Target:    decimal.NewFromInt(101),
		Pool:      items(amounts...),
		MinSize:   3,
		MaxSize:   3,
		MaxStates: 4,
	})

	if !res.Pruned {
		t.Error("expected the reachable-sum table to be pruned")
	}
	if res.Found() {
		if len(res.Items) != 3 || !res.Sum.Equal(decimal.NewFromInt(101)) {
			t.Errorf("unexpected combination %v summing %s", ids(res), res.Sum)
		}
	}
}

func TestFindCombination_CancelledContextReturnsGreedy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := FindCombination(ctx, CombinationRequest{
		Target:           decimal.NewFromInt(100),
		Pool:             items("80", "50", "22", "20"),
		TolerancePercent: 5,
		MaxSize:          3,
	})

	if !res.Truncated {
		t.Error("expected truncated result")
	}
	if res.Strategy != StrategyGreedy || !reflect.DeepEqual(ids(res), []string{"a", "c"}) {
		t.Errorf("expected greedy best-so-far, got %s %v", res.Strategy, ids(res))
	}
}
