package matcher

import (
	"testing"
	"time"

	"golang-reconciliation-engine/internal/models"

	"github.com/shopspring/decimal"
)

var baseDate = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

func candidate(id, amount string, dayOffset int) *models.Candidate {
	return &models.Candidate{
		ID:     id,
		Amount: decimal.RequireFromString(amount),
		Date:   baseDate.AddDate(0, 0, dayOffset),
	}
}

func candidateIDs(cs []*models.Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func TestCandidateIndex_AmountLookups(t *testing.T) {
	index := NewCandidateIndex([]*models.Candidate{
		candidate("E1", "100.00", 0),
		candidate("E2", "-100.00", 1),
		candidate("E3", "250.00", 0),
		candidate("E4", "99.50", 2),
	})

	if got := index.GetByExactAmount(decimal.RequireFromString("-100")); len(got) != 2 {
		t.Errorf("expected 2 candidates with absolute amount 100, got %v", candidateIDs(got))
	}

	got := index.GetByAmountRange(decimal.RequireFromString("99"), decimal.RequireFromString("101"))
	if len(got) != 3 {
		t.Errorf("expected 3 candidates in [99, 101], got %v", candidateIDs(got))
	}

	stats := index.GetIndexStats()
	if stats.TotalCandidates != 4 || stats.UniqueAmounts != 3 || stats.UniqueDates != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestCandidateIndex_DateLookups(t *testing.T) {
	index := NewCandidateIndex([]*models.Candidate{
		candidate("E1", "10", 0),
		candidate("E2", "10", 5),
		candidate("E3", "10", -3),
	})

	if got := index.GetByDate(baseDate); len(got) != 1 || got[0].ID != "E1" {
		t.Errorf("GetByDate() = %v", candidateIDs(got))
	}
	if got := index.GetByDateRange(baseDate, 3); len(got) != 2 {
		t.Errorf("GetByDateRange() = %v, want E1 and E3", candidateIDs(got))
	}
}

func TestCandidateIndex_GetCandidates(t *testing.T) {
	entries := []*models.Candidate{
		candidate("E1", "104", 40), // amount ok, date too far
		candidate("E2", "96", 10),  // amount ok, date ok
		candidate("E3", "100", 0),  // exact
		candidate("E4", "106", 0),  // outside 5% tolerance
	}
	index := NewCandidateIndex(entries)

	got := index.GetCandidates(candidate("M1", "-100", 0), DefaultMatchingConfig())
	want := []string{"E2", "E3"}
	if len(got) != len(want) {
		t.Fatalf("GetCandidates() = %v, want %v", candidateIDs(got), want)
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("GetCandidates()[%d] = %s, want %s (input order)", i, got[i].ID, want[i])
		}
	}

	if index.Position(entries[2]) != 2 {
		t.Errorf("expected position 2, got %d", index.Position(entries[2]))
	}
	if index.Position(candidate("X", "1", 0)) != -1 {
		t.Error("expected -1 for unindexed candidate")
	}
}
