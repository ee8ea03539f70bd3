package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ConfidenceLevel is the named bucket derived from a confidence score
type ConfidenceLevel string

const (
	ConfidenceExcellent ConfidenceLevel = "EXCELLENT"
	ConfidenceGood      ConfidenceLevel = "GOOD"
	ConfidenceFair      ConfidenceLevel = "FAIR"
	ConfidenceLow       ConfidenceLevel = "LOW"
)

// ConfidenceLevels lists the buckets from highest to lowest.
var ConfidenceLevels = []ConfidenceLevel{ConfidenceExcellent, ConfidenceGood, ConfidenceFair, ConfidenceLow}

// ConfidenceLevelFor maps a score in [0,100] to its bucket.
func ConfidenceLevelFor(score float64) ConfidenceLevel {
	switch {
	case score >= 90:
		return ConfidenceExcellent
	case score >= 75:
		return ConfidenceGood
	case score >= 50:
		return ConfidenceFair
	default:
		return ConfidenceLow
	}
}

// MatchKind describes how a suggestion was produced
type MatchKind string

const (
	// MatchKindExact is a 1:1 match with identical amount and date
	MatchKindExact MatchKind = "exact"
	// MatchKindHeuristic is a 1:1 match scored by the tolerance tiers
	MatchKindHeuristic MatchKind = "heuristic"
	// MatchKindCombination is a 1:N or N:1 match found by the amount matcher
	MatchKindCombination MatchKind = "heuristic-combination"
	// MatchKindLearned is a 1:1 match proposed by the classifier
	MatchKindLearned MatchKind = "learned"
)

// SuggestionStatus is the lifecycle state of a suggestion
type SuggestionStatus string

const (
	StatusPending  SuggestionStatus = "PENDING"
	StatusApplied  SuggestionStatus = "APPLIED"
	StatusRejected SuggestionStatus = "REJECTED"
	StatusExpired  SuggestionStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition is allowed
func (s SuggestionStatus) IsTerminal() bool {
	return s == StatusApplied || s == StatusRejected || s == StatusExpired
}

// IsValid checks if the status is known
func (s SuggestionStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusApplied, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// ResolutionOutcome is the operator decision on a suggestion
type ResolutionOutcome string

const (
	OutcomeApplied  ResolutionOutcome = "applied"
	OutcomeRejected ResolutionOutcome = "rejected"
)

// ParseResolutionOutcome parses an operator decision
func ParseResolutionOutcome(s string) (ResolutionOutcome, error) {
	switch ResolutionOutcome(s) {
	case OutcomeApplied, OutcomeRejected:
		return ResolutionOutcome(s), nil
	}
	return "", fmt.Errorf("invalid resolution outcome '%s': must be applied or rejected", s)
}

// Status returns the suggestion status this outcome leads to
func (o ResolutionOutcome) Status() SuggestionStatus {
	if o == OutcomeApplied {
		return StatusApplied
	}
	return StatusRejected
}

// MatchSuggestion is a proposed correspondence between movements and entries
type MatchSuggestion struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenantId"`
	RunID            string           `json:"runId"`
	MovementIDs      []string         `json:"movementIds"`
	EntryIDs         []string         `json:"entryIds"`
	ConfidenceScore  float64          `json:"confidenceScore"`
	ConfidenceLevel  ConfidenceLevel  `json:"confidenceLevel"`
	MatchKind        MatchKind        `json:"matchKind"`
	Reason           string           `json:"reason"`
	Status           SuggestionStatus `json:"status"`
	AmountDifference decimal.Decimal  `json:"amountDifference"`
	DateGapDays      int              `json:"dateGapDays"`
	AutoApprovable   bool             `json:"autoApprovable"`
	ModelVersion     string           `json:"modelVersion,omitempty"`
	PredictionLogID  string           `json:"predictionLogId,omitempty"`
	Features         *FeatureVector   `json:"features,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	ResolvedAt       *time.Time       `json:"resolvedAt,omitempty"`
}

// IsOneToOne reports whether the suggestion links exactly one movement to one entry
func (s *MatchSuggestion) IsOneToOne() bool {
	return len(s.MovementIDs) == 1 && len(s.EntryIDs) == 1
}

// Size returns the total number of records referenced by the suggestion
func (s *MatchSuggestion) Size() int {
	return len(s.MovementIDs) + len(s.EntryIDs)
}

// SetScore clamps score to [0,100] and refreshes the bucket
func (s *MatchSuggestion) SetScore(score float64) {
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	s.ConfidenceScore = score
	s.ConfidenceLevel = ConfidenceLevelFor(score)
}

// Resolve moves a pending suggestion to a terminal status
func (s *MatchSuggestion) Resolve(status SuggestionStatus, at time.Time) error {
	if s.Status != StatusPending {
		return fmt.Errorf("suggestion %s is %s, only PENDING suggestions can be resolved", s.ID, s.Status)
	}
	if !status.IsTerminal() {
		return fmt.Errorf("invalid target status %s", status)
	}
	s.Status = status
	resolved := at.UTC()
	s.ResolvedAt = &resolved
	return nil
}

// String returns a string representation of the MatchSuggestion
func (s *MatchSuggestion) String() string {
	return fmt.Sprintf("MatchSuggestion{Movements: %v, Entries: %v, Score: %.2f, Level: %s, Kind: %s}",
		s.MovementIDs, s.EntryIDs, s.ConfidenceScore, s.ConfidenceLevel, s.MatchKind)
}

// BucketCounts counts suggestions per confidence bucket
type BucketCounts map[ConfidenceLevel]int

// CountByBucket tallies suggestions per confidence bucket, including empty buckets
func CountByBucket(suggestions []*MatchSuggestion) BucketCounts {
	counts := make(BucketCounts, len(ConfidenceLevels))
	for _, level := range ConfidenceLevels {
		counts[level] = 0
	}
	for _, s := range suggestions {
		counts[s.ConfidenceLevel]++
	}
	return counts
}
