package parsers

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang-reconciliation-engine/pkg/errors"
	"golang-reconciliation-engine/pkg/logger"
)

// Helper function to create temporary CSV file
func createTempCSVFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "candidates.csv")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}
	return path
}

func newParser(t *testing.T, config *CandidateFileConfig) *CandidateParser {
	t.Helper()
	parser, err := NewCandidateParser(config, logger.NewNop())
	if err != nil {
		t.Fatalf("NewCandidateParser() error = %v", err)
	}
	return parser
}

func TestDefaultParseConfig(t *testing.T) {
	config := DefaultParseConfig()

	if !config.HasHeader {
		t.Error("Expected HasHeader to be true")
	}
	if config.Delimiter != ',' {
		t.Errorf("Expected delimiter to be ',', got %q", config.Delimiter)
	}
	if !config.SkipEmptyRows {
		t.Error("Expected SkipEmptyRows to be true")
	}
}

func TestParseError(t *testing.T) {
	err := &ParseError{
		Line:    5,
		Field:   "amount",
		Value:   "invalid",
		Message: "invalid format",
	}

	expected := "parse error at line 5 (amount='invalid'): invalid format"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestCandidateFileConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *CandidateFileConfig)
		wantErr bool
	}{
		{"default", func(c *CandidateFileConfig) {}, false},
		{"missing id column", func(c *CandidateFileConfig) { c.IDColumn = " " }, true},
		{"missing amount column", func(c *CandidateFileConfig) { c.AmountColumn = "" }, true},
		{"missing date column", func(c *CandidateFileConfig) { c.DateColumn = "" }, true},
		{"optional columns may be empty", func(c *CandidateFileConfig) { c.DescriptionColumn, c.ReferenceColumn = "", "" }, false},
		{"quote delimiter", func(c *CandidateFileConfig) { c.Delimiter = '"' }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultCandidateFileConfig()
			tt.modify(config)
			if err := config.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewCandidateParser_InvalidConfig(t *testing.T) {
	config := DefaultCandidateFileConfig()
	config.AmountColumn = ""

	_, err := NewCandidateParser(config, logger.NewNop())
	if !errors.HasCode(err, errors.CodeInvalidConfig) {
		t.Fatalf("expected invalid_config, got %v", err)
	}
}

func TestParseMovements(t *testing.T) {
	path := createTempCSVFile(t, "\ufeffid,amount,date,description,reference\n"+
		"M1,100.00,2024-01-15,Payment ACME,INV-1001\n"+
		" M2 ,-45.5,2024-01-16,  Refund  ,\n"+
		"\n"+
		"M3,250,16/01/2024,Transfer,REF-77\n")

	movements, stats, err := newParser(t, nil).ParseMovements(context.Background(), path)
	if err != nil {
		t.Fatalf("ParseMovements() error = %v", err)
	}
	if len(movements) != 3 {
		t.Fatalf("expected 3 movements, got %d", len(movements))
	}
	if stats.RecordsValid != 3 || stats.HasErrors() {
		t.Errorf("unexpected stats: %s", stats)
	}

	if movements[0].Reference != "INV-1001" || movements[0].Description != "Payment ACME" {
		t.Errorf("unexpected first movement: %+v", movements[0])
	}
	if movements[1].ID != "M2" || movements[1].Amount.String() != "-45.5" || movements[1].Description != "Refund" {
		t.Errorf("fields were not trimmed: %+v", movements[1])
	}
	if movements[2].Date.Day() != 16 || movements[2].Date.Month() != 1 {
		t.Errorf("expected 16 January, got %s", movements[2].Date)
	}
}

func TestParseEntries_Aliases(t *testing.T) {
	path := createTempCSVFile(t, "trxID;amt;posting_date;memo\n"+
		"E1;99.99;2024-02-01;Invoice 1\n"+
		"E2;12;2024-02-02;Invoice 2\n")

	config := DefaultCandidateFileConfig()
	config.Delimiter = ';'

	entries, _, err := newParser(t, config).ParseEntries(context.Background(), path)
	if err != nil {
		t.Fatalf("ParseEntries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != "E1" || entries[0].Description != "Invoice 1" || entries[0].Reference != "" {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
}

func TestParse_SkipsInvalidRows(t *testing.T) {
	path := createTempCSVFile(t, "id,amount,date\n"+
		"M1,100,2024-01-15\n"+
		"M2,abc,2024-01-15\n"+
		"M3,0,2024-01-15\n"+
		"M4,10,not-a-date\n"+
		"M1,50,2024-01-16\n"+
		",10,2024-01-16\n"+
		"M5,20,2024-01-17\n")

	movements, stats, err := newParser(t, nil).ParseMovements(context.Background(), path)
	if err != nil {
		t.Fatalf("ParseMovements() error = %v", err)
	}
	if len(movements) != 2 {
		t.Fatalf("expected 2 valid movements, got %d", len(movements))
	}
	if stats.ErrorCount != 5 {
		t.Errorf("expected 5 errors, got %d: %v", stats.ErrorCount, stats.GetSampleErrors(0))
	}
	if stats.TotalLines != 8 {
		t.Errorf("expected 8 lines, got %d", stats.TotalLines)
	}

	var duplicate bool
	for _, msg := range stats.GetSampleErrors(0) {
		if strings.Contains(msg, "duplicate id, first seen at line 2") {
			duplicate = true
		}
	}
	if !duplicate {
		t.Error("expected a duplicate id error")
	}
	if got := len(stats.GetSampleErrors(2)); got != 2 {
		t.Errorf("GetSampleErrors(2) returned %d samples", got)
	}
}

func TestParse_StrictMode(t *testing.T) {
	path := createTempCSVFile(t, "id,amount,date\nM1,100,2024-01-15\nM2,abc,2024-01-15\n")

	config := DefaultCandidateFileConfig()
	config.StrictMode = true

	_, _, err := newParser(t, config).ParseMovements(context.Background(), path)
	re, ok := errors.AsReconcilerError(err)
	if !ok {
		t.Fatalf("expected a reconciler error, got %v", err)
	}
	if re.Code != errors.CodeInvalidFormat || re.Context["line"] != 3 {
		t.Errorf("unexpected error %v (context %v)", re, re.Context)
	}
}

func TestParse_NoHeader(t *testing.T) {
	path := createTempCSVFile(t, "M1,100,2024-01-15,Payment,REF-1\n")

	config := DefaultCandidateFileConfig()
	config.HasHeader = false

	movements, _, err := newParser(t, config).ParseMovements(context.Background(), path)
	if err != nil {
		t.Fatalf("ParseMovements() error = %v", err)
	}
	if len(movements) != 1 || movements[0].Reference != "REF-1" {
		t.Errorf("unexpected movements: %+v", movements)
	}
}

func TestParse_InputErrors(t *testing.T) {
	tests := []struct {
		name     string
		path     func(t *testing.T) string
		wantCode errors.ErrorCode
	}{
		{
			name:     "missing file",
			path:     func(t *testing.T) string { return filepath.Join(t.TempDir(), "absent.csv") },
			wantCode: errors.CodeFileNotFound,
		},
		{
			name:     "empty file",
			path:     func(t *testing.T) string { return createTempCSVFile(t, "") },
			wantCode: errors.CodeInvalidFormat,
		},
		{
			name:     "missing amount column",
			path:     func(t *testing.T) string { return createTempCSVFile(t, "id,date\nM1,2024-01-15\n") },
			wantCode: errors.CodeMissingColumn,
		},
		{
			name:     "invalid encoding",
			path:     func(t *testing.T) string { return createTempCSVFile(t, "id,amount,date\nM1,\xff\xfe,2024-01-15\n") },
			wantCode: errors.CodeInvalidFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := newParser(t, nil).ParseEntries(context.Background(), tt.path(t))
			if !errors.HasCode(err, tt.wantCode) {
				t.Errorf("expected %s, got %v", tt.wantCode, err)
			}
			if errors.HasCode(err, tt.wantCode) {
				re, _ := errors.AsReconcilerError(err)
				if re.GetExitCode() != 2 {
					t.Errorf("expected exit code 2, got %d", re.GetExitCode())
				}
			}
		})
	}
}

func TestParse_Cancelled(t *testing.T) {
	path := createTempCSVFile(t, "id,amount,date\nM1,100,2024-01-15\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := newParser(t, nil).ParseMovements(ctx, path)
	if err == nil {
		t.Fatal("expected an error for a cancelled context")
	}
}

func TestParseContext_GetColumnIndex(t *testing.T) {
	pc := NewParseContext(context.Background(), "x.csv")
	pc.HeaderMap = map[string]int{"Amount": 1, "id": 0}

	if pc.GetColumnIndex("amount") != 1 {
		t.Error("expected case-insensitive lookup")
	}
	if pc.GetColumnIndex("reference") != -1 {
		t.Error("expected -1 for an unknown column")
	}
}
