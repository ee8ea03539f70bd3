package reconciler

import (
	"strings"
	"time"

	"golang-reconciliation-engine/internal/models"
)

// PreprocessingConfig controls the normalization applied to candidate lists
// before they reach the matchers.
type PreprocessingConfig struct {
	TrimWhitespace bool
	// NormalizeTimezone converts every date to DefaultTimezone
	NormalizeTimezone bool
	DefaultTimezone   *time.Location
	// DecimalPlaces rounds amounts; -1 leaves them untouched
	DecimalPlaces int32
}

// DefaultPreprocessingConfig returns the preprocessing defaults
func DefaultPreprocessingConfig() *PreprocessingConfig {
	return &PreprocessingConfig{
		TrimWhitespace:    true,
		NormalizeTimezone: true,
		DefaultTimezone:   time.UTC,
		DecimalPlaces:     2,
	}
}

// PreprocessingStats counts what the preprocessor did to a run
type PreprocessingStats struct {
	Movements      int `json:"movements"`
	Entries        int `json:"entries"`
	OutOfRange     int `json:"outOfRange"`
	RoundedAmounts int `json:"roundedAmounts"`
	TrimmedStrings int `json:"trimmedStrings"`
}

// DataPreprocessor normalizes candidates and applies the run's date window
type DataPreprocessor struct {
	config *PreprocessingConfig
}

// NewDataPreprocessor creates a new data preprocessor
func NewDataPreprocessor(config *PreprocessingConfig) *DataPreprocessor {
	if config == nil {
		config = DefaultPreprocessingConfig()
	}
	if config.DefaultTimezone == nil {
		config.DefaultTimezone = time.UTC
	}
	return &DataPreprocessor{config: config}
}

// Preprocess returns normalized copies of both lists, dropping records whose
// date falls outside [from, to]. Nil bounds are open. Records that fail
// validation are passed through so the generator can report them.
func (dp *DataPreprocessor) Preprocess(movements []models.CandidateMovement, entries []models.CandidateEntry, from, to *time.Time) ([]models.CandidateMovement, []models.CandidateEntry, PreprocessingStats) {
	var stats PreprocessingStats

	outMovements := make([]models.CandidateMovement, 0, len(movements))
	for _, m := range movements {
		c, keep := dp.normalize(m.Candidate, from, to, &stats)
		if keep {
			outMovements = append(outMovements, models.CandidateMovement{Candidate: c})
		}
	}

	outEntries := make([]models.CandidateEntry, 0, len(entries))
	for _, e := range entries {
		c, keep := dp.normalize(e.Candidate, from, to, &stats)
		if keep {
			outEntries = append(outEntries, models.CandidateEntry{Candidate: c})
		}
	}

	stats.Movements = len(outMovements)
	stats.Entries = len(outEntries)
	return outMovements, outEntries, stats
}

func (dp *DataPreprocessor) normalize(c models.Candidate, from, to *time.Time, stats *PreprocessingStats) (models.Candidate, bool) {
	if !c.Date.IsZero() {
		if from != nil && c.Date.Before(*from) {
			stats.OutOfRange++
			return c, false
		}
		if to != nil && c.Date.After(*to) {
			stats.OutOfRange++
			return c, false
		}
		if dp.config.NormalizeTimezone {
			c.Date = c.Date.In(dp.config.DefaultTimezone)
		}
	}

	if dp.config.TrimWhitespace {
		for _, field := range []*string{&c.ID, &c.Description, &c.Reference} {
			if trimmed := strings.TrimSpace(*field); trimmed != *field {
				*field = trimmed
				stats.TrimmedStrings++
			}
		}
	}

	if dp.config.DecimalPlaces >= 0 {
		rounded := c.Amount.Round(dp.config.DecimalPlaces)
		if !rounded.Equal(c.Amount) {
			c.Amount = rounded
			stats.RoundedAmounts++
		}
	}

	return c, true
}
