package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Candidate is the read-only view of a collaborator-owned record taking part in
// a matching run.
type Candidate struct {
	ID          string          `json:"id" csv:"id"`
	Amount      decimal.Decimal `json:"amount" csv:"amount"`
	Date        time.Time       `json:"date" csv:"date"`
	Description string          `json:"description,omitempty" csv:"description"`
	Reference   string          `json:"reference,omitempty" csv:"reference"`
}

// CandidateMovement is a bank-side record awaiting reconciliation.
type CandidateMovement struct {
	Candidate
}

// CandidateEntry is a ledger-side posting awaiting reconciliation.
type CandidateEntry struct {
	Candidate
}

// NewMovement creates a new CandidateMovement instance
func NewMovement(id string, amount decimal.Decimal, date time.Time, description, reference string) CandidateMovement {
	return CandidateMovement{Candidate: Candidate{
		ID:          id,
		Amount:      amount,
		Date:        date,
		Description: description,
		Reference:   reference,
	}}
}

// NewEntry creates a new CandidateEntry instance
func NewEntry(id string, amount decimal.Decimal, date time.Time, description, reference string) CandidateEntry {
	return CandidateEntry{Candidate: Candidate{
		ID:          id,
		Amount:      amount,
		Date:        date,
		Description: description,
		Reference:   reference,
	}}
}

// Validate performs basic validation on the Candidate
func (c *Candidate) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("candidate ID cannot be empty")
	}

	if c.Amount.IsZero() {
		return fmt.Errorf("candidate amount cannot be zero")
	}

	if c.Date.IsZero() {
		return fmt.Errorf("candidate date cannot be zero")
	}

	return nil
}

// String returns a string representation of the Candidate
func (c *Candidate) String() string {
	return fmt.Sprintf("Candidate{ID: %s, Amount: %s, Date: %s}",
		c.ID, c.Amount.String(), c.Date.Format("2006-01-02"))
}

// AbsAmount returns the absolute value of the candidate amount
func (c *Candidate) AbsAmount() decimal.Decimal {
	return c.Amount.Abs()
}

// MarshalJSON implements custom JSON marshaling for Candidate
func (c Candidate) MarshalJSON() ([]byte, error) {
	type Alias Candidate
	return json.Marshal(&struct {
		Amount string `json:"amount"`
		Date   string `json:"date"`
		*Alias
	}{
		Amount: c.Amount.String(),
		Date:   c.Date.Format("2006-01-02"),
		Alias:  (*Alias)(&c),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling for Candidate
func (c *Candidate) UnmarshalJSON(data []byte) error {
	type Alias Candidate
	aux := &struct {
		Amount string `json:"amount"`
		Date   string `json:"date"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var err error
	c.Amount, err = ParseDecimalFromString(aux.Amount)
	if err != nil {
		return fmt.Errorf("invalid amount format: %w", err)
	}

	c.Date, err = ParseTimeWithFormats(aux.Date)
	if err != nil {
		return fmt.Errorf("invalid date format: %w", err)
	}

	return nil
}

// Utility functions for type conversion and validation

// ParseDecimalFromString parses a decimal value from string with validation
func ParseDecimalFromString(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount string cannot be empty")
	}

	// Remove common currency symbols and thousand separators
	for _, symbol := range []string{"$", "€", "£", ","} {
		s = strings.ReplaceAll(s, symbol, "")
	}
	s = strings.TrimSpace(s)

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal format '%s': %w", s, err)
	}

	return d, nil
}

// ParseTimeWithFormats attempts to parse time from string using multiple common formats
func ParseTimeWithFormats(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("time string cannot be empty")
	}

	formats := []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02",
		"02/01/2006",
		"2006/01/02",
		"Jan 2, 2006",
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("unable to parse time '%s': %w", s, lastErr)
}

// CompareAmountsWithTolerance compares two decimal amounts with a tolerance
func CompareAmountsWithTolerance(a, b, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

// DaysBetween returns the absolute number of calendar days separating a and b.
func DaysBetween(a, b time.Time) int {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	days := int(da.Sub(db).Hours() / 24)
	if days < 0 {
		return -days
	}
	return days
}

// NormalizeIdentifier cleans and normalizes reference strings
func NormalizeIdentifier(id string) string {
	normalized := strings.ToUpper(strings.TrimSpace(id))

	prefixes := []string{"TXN", "TRANS", "REF", "ID"}
	for _, prefix := range prefixes {
		if strings.HasPrefix(normalized, prefix) {
			normalized = strings.TrimPrefix(normalized, prefix)
			normalized = strings.TrimLeft(normalized, "-_: ")
			break
		}
	}

	return normalized
}

// CreateCandidateFromCSV creates a Candidate from CSV field values
func CreateCandidateFromCSV(id, amountStr, dateStr, description, reference string) (*Candidate, error) {
	amount, err := ParseDecimalFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("invalid amount in CSV: %w", err)
	}

	date, err := ParseTimeWithFormats(dateStr)
	if err != nil {
		return nil, fmt.Errorf("invalid date in CSV: %w", err)
	}

	candidate := &Candidate{
		ID:          strings.TrimSpace(id),
		Amount:      amount,
		Date:        date,
		Description: strings.TrimSpace(description),
		Reference:   strings.TrimSpace(reference),
	}

	if err := candidate.Validate(); err != nil {
		return nil, fmt.Errorf("invalid candidate data: %w", err)
	}

	return candidate, nil
}
