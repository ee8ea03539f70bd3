package parsers

import (
	"fmt"
	"strings"
)

// Logical column names understood by CandidateFileConfig.GetColumnName.
const (
	ColumnID          = "id"
	ColumnAmount      = "amount"
	ColumnDate        = "date"
	ColumnDescription = "description"
	ColumnReference   = "reference"
)

// CandidateFileConfig describes the layout of a candidate CSV file
type CandidateFileConfig struct {
	IDColumn          string              `json:"id_column" mapstructure:"idColumn"`
	AmountColumn      string              `json:"amount_column" mapstructure:"amountColumn"`
	DateColumn        string              `json:"date_column" mapstructure:"dateColumn"`
	DescriptionColumn string              `json:"description_column" mapstructure:"descriptionColumn"`
	ReferenceColumn   string              `json:"reference_column" mapstructure:"referenceColumn"`
	HasHeader         bool                `json:"has_header" mapstructure:"hasHeader"`
	Delimiter         rune                `json:"delimiter" mapstructure:"delimiter"`
	ColumnAliases     map[string][]string `json:"column_aliases,omitempty" mapstructure:"columnAliases"`
	// StrictMode fails the whole file on the first bad row
	StrictMode bool `json:"strict_mode" mapstructure:"strictMode"`
}

// DefaultCandidateFileConfig returns the standard id,amount,date,description,reference layout
func DefaultCandidateFileConfig() *CandidateFileConfig {
	return &CandidateFileConfig{
		IDColumn:          "id",
		AmountColumn:      "amount",
		DateColumn:        "date",
		DescriptionColumn: "description",
		ReferenceColumn:   "reference",
		HasHeader:         true,
		Delimiter:         ',',
		ColumnAliases: map[string][]string{
			ColumnID:          {"identifier", "unique_identifier", "trxID", "transaction_id"},
			ColumnAmount:      {"amt", "value", "transaction_amount"},
			ColumnDate:        {"posting_date", "value_date", "transactionTime", "booking_date"},
			ColumnDescription: {"desc", "details", "narrative", "memo"},
			ColumnReference:   {"ref", "ref_number", "payment_reference"},
		},
	}
}

// Validate checks if the file configuration is valid
func (c *CandidateFileConfig) Validate() error {
	if strings.TrimSpace(c.IDColumn) == "" {
		return fmt.Errorf("id column cannot be empty")
	}
	if strings.TrimSpace(c.AmountColumn) == "" {
		return fmt.Errorf("amount column cannot be empty")
	}
	if strings.TrimSpace(c.DateColumn) == "" {
		return fmt.Errorf("date column cannot be empty")
	}
	if c.Delimiter == 0 || c.Delimiter == '"' || c.Delimiter == '\r' || c.Delimiter == '\n' {
		return fmt.Errorf("invalid delimiter %q", c.Delimiter)
	}
	return nil
}

// GetColumnName returns the configured header for a logical column
func (c *CandidateFileConfig) GetColumnName(standardName string) string {
	switch standardName {
	case ColumnID:
		return c.IDColumn
	case ColumnAmount:
		return c.AmountColumn
	case ColumnDate:
		return c.DateColumn
	case ColumnDescription:
		return c.DescriptionColumn
	case ColumnReference:
		return c.ReferenceColumn
	default:
		return standardName
	}
}

// columnCandidates lists the header names tried for a logical column, the
// configured name first.
func (c *CandidateFileConfig) columnCandidates(standardName string) []string {
	names := []string{c.GetColumnName(standardName)}
	return append(names, c.ColumnAliases[standardName]...)
}
