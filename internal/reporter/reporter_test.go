package reporter

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang-reconciliation-engine/internal/matcher"
	"golang-reconciliation-engine/internal/models"
	"golang-reconciliation-engine/internal/reconciler"
	"golang-reconciliation-engine/pkg/errors"
	"golang-reconciliation-engine/pkg/logger"

	"github.com/shopspring/decimal"
)

func createTestResult() *reconciler.RunResult {
	features := models.FeatureVector{}
	features[0] = 1

	suggestions := []*models.MatchSuggestion{
		{
			ID:               "s-1",
			RunID:            "run-1",
			MovementIDs:      []string{"M1"},
			EntryIDs:         []string{"E1"},
			ConfidenceScore:  62.5,
			ConfidenceLevel:  models.ConfidenceFair,
			MatchKind:        models.MatchKindHeuristic,
			Reason:           "amount within tolerance, dates 5 days apart",
			AmountDifference: decimal.NewFromFloat(0.5),
			DateGapDays:      5,
		},
		{
			ID:              "s-2",
			RunID:           "run-1",
			MovementIDs:     []string{"M2"},
			EntryIDs:        []string{"E2", "E3"},
			ConfidenceScore: 85,
			ConfidenceLevel: models.ConfidenceGood,
			MatchKind:       models.MatchKindCombination,
			Reason:          "entries E2+E3 sum to movement amount",
		},
		{
			ID:              "s-3",
			RunID:           "run-1",
			MovementIDs:     []string{"M3"},
			EntryIDs:        []string{"E4"},
			ConfidenceScore: 100,
			ConfidenceLevel: models.ConfidenceExcellent,
			MatchKind:       models.MatchKindExact,
			Reason:          "exact amount and date",
			AutoApprovable:  true,
			Features:        &features,
		},
	}

	return &reconciler.RunResult{
		TenantID:    "acme",
		RunID:       "run-1",
		Suggestions: suggestions,
		Statistics: matcher.RunStatistics{
			TotalMovements:          4,
			TotalEntries:            5,
			SuggestionCount:         3,
			ByConfidence:            models.CountByBucket(suggestions),
			ByKind:                  map[models.MatchKind]int{models.MatchKindExact: 1, models.MatchKindHeuristic: 1, models.MatchKindCombination: 1},
			MatchedMovements:        3,
			MatchedEntries:          4,
			UnmatchedMovements:      1,
			UnmatchedEntries:        1,
			UnmatchedMovementAmount: decimal.NewFromInt(40),
			UnmatchedEntryAmount:    decimal.NewFromInt(65),
			ResidualImbalance:       decimal.NewFromInt(-25),
			CombinationSearches:     2,
			Duration:                15 * time.Millisecond,
		},
		Preprocessing: reconciler.PreprocessingStats{Movements: 4, Entries: 5, TrimmedStrings: 2},
		Warnings: []*errors.ReconcilerError{
			errors.New(errors.CategoryModel, errors.CodeModelLoadFailure, "learned suggestions unavailable"),
		},
		Degraded:    true,
		ProcessedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestNewReportGenerator(t *testing.T) {
	tests := []struct {
		name        string
		config      *ReportConfig
		expectError bool
	}{
		{"default config", nil, false},
		{"valid config", DefaultReportConfig(), false},
		{"invalid format", &ReportConfig{Format: "xml"}, true},
		{"negative max items", &ReportConfig{Format: FormatConsole, MaxItems: -1}, true},
		{"csv without delimiter", &ReportConfig{Format: FormatCSV}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			generator, err := NewReportGenerator(tt.config, logger.NewNop())
			if tt.expectError {
				if !errors.HasCode(err, errors.CodeInvalidConfig) {
					t.Errorf("expected invalid_config, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if generator == nil {
				t.Fatal("expected generator but got nil")
			}
		})
	}
}

func TestOutputFormatValidation(t *testing.T) {
	tests := []struct {
		format OutputFormat
		valid  bool
	}{
		{FormatConsole, true},
		{FormatJSON, true},
		{FormatCSV, true},
		{"invalid", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := tt.format.IsValid(); got != tt.valid {
			t.Errorf("OutputFormat(%q).IsValid() = %v, want %v", tt.format, got, tt.valid)
		}
	}
}

func TestGenerateConsoleReport(t *testing.T) {
	generator, err := NewReportGenerator(DefaultReportConfig(), logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := generator.GenerateReport(createTestResult(), &buf); err != nil {
		t.Fatalf("GenerateReport() error = %v", err)
	}
	output := buf.String()

	expected := []string{
		"SUGGESTION REPORT",
		"Tenant: acme  Run: run-1",
		"Mode: DEGRADED",
		"=== SUMMARY ===",
		"Matched:   3 (75.0%)",
		"Residual Imbalance:        -25.00",
		"EXCELLENT: 1 (33.3%)",
		"heuristic-combination:  1",
		"=== SUGGESTIONS ===",
		"M2 -> E2+E3  85.00 GOOD (heuristic-combination)",
		"=== WARNINGS ===",
		"[model_load_failure] learned suggestions unavailable",
		"Trimmed Strings: 2",
	}
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Errorf("console output missing %q\n%s", want, output)
		}
	}

	// Highest score is listed first.
	if strings.Index(output, "M3 -> E4") > strings.Index(output, "M1 -> E1") {
		t.Error("expected suggestions ordered by descending score")
	}
	if strings.Contains(output, "features:") {
		t.Error("features should be omitted by default")
	}
}

func TestGenerateConsoleReport_MaxItems(t *testing.T) {
	config := DefaultReportConfig()
	config.MaxItems = 1
	config.IncludeFeatures = true
	generator, _ := NewReportGenerator(config, logger.NewNop())

	var buf bytes.Buffer
	if err := generator.GenerateReport(createTestResult(), &buf); err != nil {
		t.Fatal(err)
	}
	output := buf.String()

	if !strings.Contains(output, "... and 2 more") {
		t.Errorf("expected truncation marker\n%s", output)
	}
	if !strings.Contains(output, "features: "+models.FeatureNames[0]+"=1.000") {
		t.Errorf("expected feature line for the exact match\n%s", output)
	}
}

func TestGenerateJSONReport(t *testing.T) {
	config := DefaultReportConfig()
	config.Format = FormatJSON
	generator, _ := NewReportGenerator(config, logger.NewNop())

	result := createTestResult()
	var buf bytes.Buffer
	if err := generator.GenerateReport(result, &buf); err != nil {
		t.Fatal(err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if decoded["run_id"] != "run-1" || decoded["degraded"] != true {
		t.Errorf("unexpected header fields: %v", decoded)
	}

	suggestions, ok := decoded["suggestions"].([]interface{})
	if !ok || len(suggestions) != 3 {
		t.Fatalf("expected 3 suggestions, got %v", decoded["suggestions"])
	}
	first := suggestions[0].(map[string]interface{})
	if first["id"] != "s-3" {
		t.Errorf("expected highest score first, got %v", first["id"])
	}
	if _, present := first["features"]; present {
		t.Error("features should be stripped from JSON output by default")
	}
	if result.Suggestions[2].Features == nil {
		t.Error("stripping features must not modify the run result")
	}

	warnings := decoded["warnings"].([]interface{})
	if warnings[0].(map[string]interface{})["code"] != "model_load_failure" {
		t.Errorf("unexpected warnings: %v", warnings)
	}
}

func TestGenerateCSVReport(t *testing.T) {
	config := DefaultReportConfig()
	config.Format = FormatCSV
	config.SortByScore = false
	generator, _ := NewReportGenerator(config, logger.NewNop())

	var buf bytes.Buffer
	if err := generator.GenerateReport(createTestResult(), &buf); err != nil {
		t.Fatal(err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV output: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected header plus 3 rows, got %d", len(records))
	}
	if records[0][0] != "Suggestion_ID" {
		t.Errorf("unexpected header row: %v", records[0])
	}

	row := records[2]
	if row[0] != "s-2" || row[3] != "E2|E3" || row[6] != "85.00" || row[9] != "false" {
		t.Errorf("unexpected combination row: %v", row)
	}
	if records[1][7] != "0.50" || records[1][8] != "5" {
		t.Errorf("unexpected heuristic row: %v", records[1])
	}
}

func TestGenerateReport_NilInputs(t *testing.T) {
	generator, _ := NewReportGenerator(nil, logger.NewNop())

	if err := generator.GenerateReport(nil, &bytes.Buffer{}); err == nil {
		t.Error("expected error for nil result")
	}
	if err := generator.GenerateReport(createTestResult(), nil); err == nil {
		t.Error("expected error for nil writer")
	}
}

func TestWriteReport(t *testing.T) {
	config := DefaultReportConfig()
	config.Format = FormatJSON
	generator, _ := NewReportGenerator(config, logger.NewNop())

	path := filepath.Join(t.TempDir(), "reports", "run-1.json")
	if err := generator.WriteReport(createTestResult(), path); err != nil {
		t.Fatalf("WriteReport() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !json.Valid(data) {
		t.Error("report file does not contain valid JSON")
	}
}
