// Package config turns command-line flags into component configurations.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"golang-reconciliation-engine/internal/matcher"
	"golang-reconciliation-engine/internal/parsers"
	"golang-reconciliation-engine/internal/reporter"
)

// FileProfile is a named candidate CSV layout
type FileProfile struct {
	Name        string
	Description string
	Config      *parsers.CandidateFileConfig
}

// GetFileProfiles returns the built-in candidate file layouts
func GetFileProfiles() []FileProfile {
	standard := parsers.DefaultCandidateFileConfig()

	bank := parsers.DefaultCandidateFileConfig()
	bank.IDColumn = "unique_identifier"
	bank.DateColumn = "value_date"
	bank.ReferenceColumn = "payment_reference"

	ledger := parsers.DefaultCandidateFileConfig()
	ledger.IDColumn = "entry_id"
	ledger.DateColumn = "posting_date"
	ledger.DescriptionColumn = "narrative"

	european := parsers.DefaultCandidateFileConfig()
	european.Delimiter = ';'

	return []FileProfile{
		{Name: "standard", Description: "id,amount,date,description,reference", Config: standard},
		{Name: "bank", Description: "Bank export keyed by unique_identifier", Config: bank},
		{Name: "ledger", Description: "Ledger export keyed by entry_id with posting_date", Config: ledger},
		{Name: "semicolon", Description: "Standard columns separated by ';'", Config: european},
	}
}

// GetFileProfile returns a candidate file layout by name
func GetFileProfile(name string) (*parsers.CandidateFileConfig, error) {
	var names []string
	for _, profile := range GetFileProfiles() {
		if strings.EqualFold(profile.Name, strings.TrimSpace(name)) {
			return profile.Config, nil
		}
		names = append(names, profile.Name)
	}
	sort.Strings(names)
	return nil, fmt.Errorf("unknown file profile '%s'. Valid profiles: %s", name, strings.Join(names, ", "))
}

// CreateCandidateFileConfig resolves a profile and applies the strict-mode flag
func CreateCandidateFileConfig(profile string, strict bool) (*parsers.CandidateFileConfig, error) {
	if profile == "" {
		profile = "standard"
	}
	config, err := GetFileProfile(profile)
	if err != nil {
		return nil, err
	}
	config.StrictMode = strict
	return config, nil
}

// MatchingOverrides carries the matching flags a user actually set. Nil
// fields keep the configured value.
type MatchingOverrides struct {
	// Strict replaces base with the strict tolerance preset before the
	// remaining overrides are applied
	Strict               bool
	MinimumScore         *float64
	AutoApproveThreshold *float64
	LowMatchDays         *int
	DisableCombinations  bool
}

// CreateMatchingConfig applies command-line overrides to a copy of base
func CreateMatchingConfig(base *matcher.MatchingConfig, overrides MatchingOverrides) (*matcher.MatchingConfig, error) {
	config := base.Clone()
	if overrides.Strict {
		config = matcher.StrictMatchingConfig()
	}

	if overrides.MinimumScore != nil {
		config.MinimumScore = *overrides.MinimumScore
	}
	if overrides.AutoApproveThreshold != nil {
		config.AutoApproveThreshold = *overrides.AutoApproveThreshold
	}
	if overrides.LowMatchDays != nil {
		config.DateThresholds.LowMatchDays = *overrides.LowMatchDays
	}
	if overrides.DisableCombinations {
		config.MultipleMatching.Enabled = false
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// CreateReportConfig creates a report configuration for the specified output format
func CreateReportConfig(format string, includeFeatures bool, maxItems int) *reporter.ReportConfig {
	config := reporter.DefaultReportConfig()
	config.IncludeFeatures = includeFeatures
	if maxItems >= 0 {
		config.MaxItems = maxItems
	}

	switch format {
	case "json":
		config.Format = reporter.FormatJSON
	case "csv":
		config.Format = reporter.FormatCSV
		config.CSVHeaders = true
		config.CSVDelimiter = ','
	default:
		config.Format = reporter.OutputFormat(format)
	}
	return config
}

// ParseDateRange parses optional YYYY-MM-DD bounds. The end bound covers the
// whole day.
func ParseDateRange(startDate, endDate string) (*time.Time, *time.Time, error) {
	var from, to *time.Time

	if startDate != "" {
		t, err := time.Parse("2006-01-02", startDate)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid start date format. Use YYYY-MM-DD: %w", err)
		}
		from = &t
	}
	if endDate != "" {
		t, err := time.Parse("2006-01-02", endDate)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid end date format. Use YYYY-MM-DD: %w", err)
		}
		t = t.Add(24*time.Hour - time.Nanosecond)
		to = &t
	}

	if from != nil && to != nil && from.After(*to) {
		return nil, nil, fmt.Errorf("start date cannot be after end date")
	}
	return from, to, nil
}
