// Package reporter renders the outcome of a suggestion run.
//
// Supported output formats:
//   - Console: Human-readable output for terminal display
//   - JSON: Structured data format for programmatic consumption
//   - CSV: One row per suggestion for spreadsheet review
//
// Example usage:
//
//	generator, err := reporter.NewReportGenerator(&reporter.ReportConfig{Format: reporter.FormatJSON}, log)
//	err = generator.GenerateReport(result, os.Stdout)
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang-reconciliation-engine/internal/models"
	"golang-reconciliation-engine/internal/reconciler"
	"golang-reconciliation-engine/pkg/errors"
	"golang-reconciliation-engine/pkg/logger"
)

// OutputFormat represents the supported report output formats.
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is supported
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// ReportConfig holds configuration options for report generation
type ReportConfig struct {
	Format OutputFormat `json:"format"`

	IncludeSuggestions   bool `json:"include_suggestions"`
	IncludeFeatures      bool `json:"include_features"`
	IncludeWarnings      bool `json:"include_warnings"`
	IncludePreprocessing bool `json:"include_preprocessing"`

	// MaxItems caps the console suggestion list; 0 lists everything
	MaxItems int `json:"max_items"`
	// SortByScore orders suggestions by descending confidence
	SortByScore bool `json:"sort_by_score"`

	CSVDelimiter rune `json:"csv_delimiter"`
	CSVHeaders   bool `json:"csv_headers"`
}

// DefaultReportConfig returns a default report configuration
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:               FormatConsole,
		IncludeSuggestions:   true,
		IncludeFeatures:      false,
		IncludeWarnings:      true,
		IncludePreprocessing: true,
		MaxItems:             50,
		SortByScore:          true,
		CSVDelimiter:         ',',
		CSVHeaders:           true,
	}
}

// Validate validates the report configuration
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid output format: %s", c.Format)
	}
	if c.MaxItems < 0 {
		return fmt.Errorf("max items cannot be negative, got %d", c.MaxItems)
	}
	if c.Format == FormatCSV && (c.CSVDelimiter == 0 || c.CSVDelimiter == '"') {
		return fmt.Errorf("invalid CSV delimiter %q", c.CSVDelimiter)
	}
	return nil
}

// ReportGenerator renders run results in the configured format
type ReportGenerator struct {
	config *ReportConfig
	logger logger.Logger
}

// NewReportGenerator creates a new report generator with the specified configuration
func NewReportGenerator(config *ReportConfig, log logger.Logger) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError("report_config", config.Format, err.Error()).
			WithSuggestion("Use one of: console, json, csv")
	}
	return &ReportGenerator{
		config: config,
		logger: logger.OrGlobal(log).WithComponent("reporter"),
	}, nil
}

// GenerateReport writes a report for result to writer
func (rg *ReportGenerator) GenerateReport(result *reconciler.RunResult, writer io.Writer) error {
	if result == nil {
		return errors.New(errors.CategoryInternal, errors.CodeUnexpectedError, "run result cannot be nil")
	}
	if writer == nil {
		return errors.New(errors.CategoryInternal, errors.CodeUnexpectedError, "report writer cannot be nil")
	}

	var err error
	switch rg.config.Format {
	case FormatConsole:
		err = rg.generateConsoleReport(result, writer)
	case FormatJSON:
		err = rg.generateJSONReport(result, writer)
	case FormatCSV:
		err = rg.generateCSVReport(result, writer)
	default:
		err = fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
	if err != nil {
		rg.logger.WithError(err).WithField("format", rg.config.Format).Error("Report generation failed")
		return errors.WrapIfNeeded(err, errors.CategoryInternal, errors.CodeUnexpectedError, "failed to write report")
	}
	return nil
}

// WriteReport writes a report for result to path, creating parent directories
func (rg *ReportGenerator) WriteReport(result *reconciler.RunResult, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.InternalError(errors.CodeUnexpectedError, "create_report_dir", err).
				WithContext("path", path)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return errors.InternalError(errors.CodeUnexpectedError, "create_report", err).
			WithContext("path", path).
			WithSuggestion("Check that the output location is writable")
	}

	if err := rg.GenerateReport(result, file); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return errors.InternalError(errors.CodeUnexpectedError, "close_report", err).WithContext("path", path)
	}

	rg.logger.WithFields(logger.Fields{
		"path":   path,
		"format": rg.config.Format,
	}).Info("Report written")
	return nil
}

func (rg *ReportGenerator) generateConsoleReport(result *reconciler.RunResult, writer io.Writer) error {
	stats := result.Statistics
	w := &errWriter{w: writer}

	w.printf("SUGGESTION REPORT\n")
	w.printf("Tenant: %s  Run: %s\n", result.TenantID, result.RunID)
	w.printf("Generated: %s\n", result.ProcessedAt.Format(time.RFC3339))
	w.printf("Matching Duration: %v\n", stats.Duration)
	if result.Degraded {
		w.printf("Mode: DEGRADED (heuristic suggestions only)\n")
	}
	w.printf("\n")

	w.printf("=== SUMMARY ===\n")
	w.printf("Movements:\n")
	w.printf("  Total:     %d\n", stats.TotalMovements)
	w.printf("  Matched:   %d (%.1f%%)\n", stats.MatchedMovements, percentage(stats.MatchedMovements, stats.TotalMovements))
	w.printf("  Unmatched: %d (%.1f%%)\n", stats.UnmatchedMovements, percentage(stats.UnmatchedMovements, stats.TotalMovements))
	if stats.InvalidMovements > 0 {
		w.printf("  Invalid:   %d\n", stats.InvalidMovements)
	}
	w.printf("\nEntries:\n")
	w.printf("  Total:     %d\n", stats.TotalEntries)
	w.printf("  Matched:   %d (%.1f%%)\n", stats.MatchedEntries, percentage(stats.MatchedEntries, stats.TotalEntries))
	w.printf("  Unmatched: %d (%.1f%%)\n", stats.UnmatchedEntries, percentage(stats.UnmatchedEntries, stats.TotalEntries))
	if stats.InvalidEntries > 0 {
		w.printf("  Invalid:   %d\n", stats.InvalidEntries)
	}
	w.printf("\n")

	w.printf("=== FINANCIAL SUMMARY ===\n")
	w.printf("Unmatched Movement Amount: %s\n", stats.UnmatchedMovementAmount.StringFixed(2))
	w.printf("Unmatched Entry Amount:    %s\n", stats.UnmatchedEntryAmount.StringFixed(2))
	w.printf("Residual Imbalance:        %s\n", stats.ResidualImbalance.StringFixed(2))
	w.printf("\n")

	w.printf("=== CONFIDENCE BREAKDOWN ===\n")
	for _, level := range models.ConfidenceLevels {
		count := stats.ByConfidence[level]
		w.printf("%-10s %d (%.1f%%)\n", string(level)+":", count, percentage(count, stats.SuggestionCount))
	}
	w.printf("\n")

	w.printf("=== MATCH KINDS ===\n")
	for _, kind := range []models.MatchKind{models.MatchKindExact, models.MatchKindHeuristic, models.MatchKindCombination, models.MatchKindLearned} {
		w.printf("%-23s %d\n", string(kind)+":", stats.ByKind[kind])
	}
	w.printf("Combination searches:   %d\n", stats.CombinationSearches)
	if stats.Truncated {
		w.printf("Search truncated:       %s\n", strings.Join(stats.TruncationReasons, "; "))
	}
	w.printf("\n")

	if rg.config.IncludeSuggestions && len(result.Suggestions) > 0 {
		w.printf("=== SUGGESTIONS ===\n")
		rg.printSuggestions(rg.orderedSuggestions(result.Suggestions), w)
		w.printf("\n")
	}

	if rg.config.IncludeWarnings && len(result.Warnings) > 0 {
		w.printf("=== WARNINGS ===\n")
		for _, warning := range result.Warnings {
			w.printf("  - [%s] %s\n", warning.Code, warning.Message)
		}
		w.printf("\n")
	}

	if rg.config.IncludePreprocessing {
		p := result.Preprocessing
		w.printf("=== PREPROCESSING ===\n")
		w.printf("Out of Range:    %d\n", p.OutOfRange)
		w.printf("Rounded Amounts: %d\n", p.RoundedAmounts)
		w.printf("Trimmed Strings: %d\n", p.TrimmedStrings)
	}

	return w.err
}

func (rg *ReportGenerator) printSuggestions(suggestions []*models.MatchSuggestion, w *errWriter) {
	w.printf("Total Suggestions: %d (learned: %d)\n\n", len(suggestions), countLearned(suggestions))

	for i, s := range suggestions {
		if rg.config.MaxItems > 0 && i >= rg.config.MaxItems {
			w.printf("  ... and %d more\n", len(suggestions)-rg.config.MaxItems)
			break
		}
		auto := ""
		if s.AutoApprovable {
			auto = " [auto]"
		}
		w.printf("  %d. %s -> %s  %.2f %s (%s)%s\n",
			i+1,
			strings.Join(s.MovementIDs, "+"),
			strings.Join(s.EntryIDs, "+"),
			s.ConfidenceScore,
			s.ConfidenceLevel,
			s.MatchKind,
			auto)
		w.printf("     %s\n", s.Reason)
		if rg.config.IncludeFeatures && s.Features != nil {
			w.printf("     features: %s\n", formatFeatures(s.Features))
		}
	}
}

func (rg *ReportGenerator) generateJSONReport(result *reconciler.RunResult, writer io.Writer) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(rg.filterResultForOutput(result))
}

func (rg *ReportGenerator) filterResultForOutput(result *reconciler.RunResult) map[string]interface{} {
	output := map[string]interface{}{
		"tenant_id":     result.TenantID,
		"run_id":        result.RunID,
		"statistics":    result.Statistics,
		"learned_count": result.LearnedCount,
		"degraded":      result.Degraded,
		"processed_at":  result.ProcessedAt,
	}

	if rg.config.IncludeSuggestions {
		suggestions := rg.orderedSuggestions(result.Suggestions)
		if !rg.config.IncludeFeatures {
			stripped := make([]*models.MatchSuggestion, len(suggestions))
			for i, s := range suggestions {
				copied := *s
				copied.Features = nil
				stripped[i] = &copied
			}
			suggestions = stripped
		}
		output["suggestions"] = suggestions
	}
	if rg.config.IncludeWarnings && len(result.Warnings) > 0 {
		warnings := make([]map[string]interface{}, len(result.Warnings))
		for i, warning := range result.Warnings {
			warnings[i] = map[string]interface{}{
				"category": warning.Category,
				"code":     warning.Code,
				"message":  warning.Message,
			}
		}
		output["warnings"] = warnings
	}
	if rg.config.IncludePreprocessing {
		output["preprocessing"] = result.Preprocessing
	}
	return output
}

func (rg *ReportGenerator) generateCSVReport(result *reconciler.RunResult, writer io.Writer) error {
	csvWriter := csv.NewWriter(writer)
	csvWriter.Comma = rg.config.CSVDelimiter

	if rg.config.CSVHeaders {
		headers := []string{
			"Suggestion_ID",
			"Run_ID",
			"Movement_IDs",
			"Entry_IDs",
			"Match_Kind",
			"Confidence_Level",
			"Confidence_Score",
			"Amount_Difference",
			"Date_Gap_Days",
			"Auto_Approvable",
			"Model_Version",
			"Reason",
		}
		if err := csvWriter.Write(headers); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}

	for _, s := range rg.orderedSuggestions(result.Suggestions) {
		record := []string{
			s.ID,
			s.RunID,
			strings.Join(s.MovementIDs, "|"),
			strings.Join(s.EntryIDs, "|"),
			string(s.MatchKind),
			string(s.ConfidenceLevel),
			strconv.FormatFloat(s.ConfidenceScore, 'f', 2, 64),
			s.AmountDifference.StringFixed(2),
			strconv.Itoa(s.DateGapDays),
			strconv.FormatBool(s.AutoApprovable),
			s.ModelVersion,
			s.Reason,
		}
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("failed to write suggestion record: %w", err)
		}
	}

	csvWriter.Flush()
	return csvWriter.Error()
}

// orderedSuggestions returns the suggestions in report order without
// reordering the caller's slice.
func (rg *ReportGenerator) orderedSuggestions(suggestions []*models.MatchSuggestion) []*models.MatchSuggestion {
	ordered := append([]*models.MatchSuggestion(nil), suggestions...)
	if rg.config.SortByScore {
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].ConfidenceScore > ordered[j].ConfidenceScore
		})
	}
	return ordered
}

// GetConfiguration returns the current configuration
func (rg *ReportGenerator) GetConfiguration() *ReportConfig {
	return rg.config
}

func countLearned(suggestions []*models.MatchSuggestion) int {
	count := 0
	for _, s := range suggestions {
		if s.MatchKind == models.MatchKindLearned {
			count++
		}
	}
	return count
}

func formatFeatures(fv *models.FeatureVector) string {
	parts := make([]string, len(fv))
	for i, v := range fv {
		parts[i] = fmt.Sprintf("%s=%.3f", models.FeatureNames[i], v)
	}
	return strings.Join(parts, " ")
}

func percentage(part, total int) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(part) / float64(total) * 100.0
}

// errWriter keeps the first write error so the console renderer can print
// unconditionally.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...interface{}) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
