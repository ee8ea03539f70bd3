// Package errors defines the categorized error type used across the matching engine.
//
// Most conditions in the engine are recoverable and surface as warnings or result
// flags; ReconcilerError values are returned only where the caller has to act, or
// are carried inside run results as warnings.
package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryInput         ErrorCategory = "input"
	CategoryCandidate     ErrorCategory = "candidate"
	CategoryMatching      ErrorCategory = "matching"
	CategoryModel         ErrorCategory = "model"
	CategoryTraining      ErrorCategory = "training"
	CategoryArtifact      ErrorCategory = "artifact"
	CategoryStorage       ErrorCategory = "storage"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryInternal      ErrorCategory = "internal"
)

// ErrorCode represents specific error codes within categories
type ErrorCode string

const (
	// Input file errors
	CodeFileNotFound  ErrorCode = "file_not_found"
	CodeInvalidFormat ErrorCode = "invalid_format"
	CodeMissingColumn ErrorCode = "missing_column"

	// Candidate errors
	CodeInvalidCandidate ErrorCode = "invalid_candidate"

	// Matching errors
	CodeCombinatorialBudgetExceeded ErrorCode = "combinatorial_budget_exceeded"
	CodeTimeoutExceeded             ErrorCode = "timeout_exceeded"

	// Model errors
	CodeModelLoadFailure ErrorCode = "model_load_failure"

	// Training errors
	CodeInsufficientTrainingData ErrorCode = "insufficient_training_data"
	CodeAccuracyBelowThreshold   ErrorCode = "accuracy_below_threshold"

	// Artifact errors
	CodeArtifactIO       ErrorCode = "artifact_io"
	CodeArtifactCorrupt  ErrorCode = "artifact_corrupt"
	CodeArtifactNotFound ErrorCode = "artifact_not_found"

	// Storage errors
	CodeNotFound     ErrorCode = "not_found"
	CodeInvalidState ErrorCode = "invalid_state"
	CodeQueryFailed  ErrorCode = "query_failed"

	// Configuration errors
	CodeInvalidConfig ErrorCode = "invalid_config"

	// Internal errors
	CodeUnexpectedError   ErrorCode = "unexpected_error"
	CodeResourceExhausted ErrorCode = "resource_exhausted"
)

// ReconcilerError is the base error type for all engine errors
type ReconcilerError struct {
	Category   ErrorCategory     `json:"category"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context provides additional information about the error
type Context map[string]interface{}

// Error implements the error interface
func (e *ReconcilerError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %s)", msg, e.Suggestion)
	}
	return msg
}

// Unwrap returns the underlying cause error
func (e *ReconcilerError) Unwrap() error {
	return e.Cause
}

// IsRecoverable reports whether the engine continues after this error.
// Artifact I/O, storage and internal failures are the only ones that propagate.
func (e *ReconcilerError) IsRecoverable() bool {
	switch e.Code {
	case CodeArtifactIO, CodeQueryFailed, CodeUnexpectedError, CodeResourceExhausted, CodeInvalidConfig,
		CodeFileNotFound, CodeInvalidFormat, CodeMissingColumn:
		return false
	default:
		return true
	}
}

// GetExitCode returns an appropriate exit code for the error
func (e *ReconcilerError) GetExitCode() int {
	switch e.Category {
	case CategoryInput:
		return 2
	case CategoryCandidate:
		return 3
	case CategoryConfiguration:
		return 4
	case CategoryMatching, CategoryInternal:
		return 5
	case CategoryModel, CategoryTraining, CategoryArtifact:
		return 6
	case CategoryStorage:
		return 7
	default:
		return 1
	}
}

// WithContext adds context information to the error
func (e *ReconcilerError) WithContext(key string, value interface{}) *ReconcilerError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for fixing the error
func (e *ReconcilerError) WithSuggestion(suggestion string) *ReconcilerError {
	e.Suggestion = suggestion
	return e
}

// New creates a new ReconcilerError
func New(category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	return &ReconcilerError{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with ReconcilerError context
func Wrap(err error, category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	if err == nil {
		return nil
	}

	return &ReconcilerError{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// InvalidCandidate reports a malformed movement or entry that was skipped.
func InvalidCandidate(side, id string, err error) *ReconcilerError {
	message := fmt.Sprintf("invalid %s candidate %q", side, id)
	var result *ReconcilerError
	if err != nil {
		result = Wrap(err, CategoryCandidate, CodeInvalidCandidate, message)
	} else {
		result = New(CategoryCandidate, CodeInvalidCandidate, message)
	}
	return result.
		WithSuggestion("fix the record upstream; it was skipped for this run").
		WithContext("side", side).
		WithContext("id", id)
}

// InputError reports an unreadable or malformed candidate file. line is 0
// when the problem is not tied to a row.
func InputError(code ErrorCode, file string, line int, err error) *ReconcilerError {
	var message string

	switch code {
	case CodeFileNotFound:
		message = fmt.Sprintf("candidate file not found: %s", file)
	case CodeMissingColumn:
		message = fmt.Sprintf("required column missing in %s", file)
	default:
		message = fmt.Sprintf("invalid candidate file format in %s", file)
	}
	if line > 0 {
		message = fmt.Sprintf("%s at line %d", message, line)
	}

	var result *ReconcilerError
	if err != nil {
		result = Wrap(err, CategoryInput, code, message)
	} else {
		result = New(CategoryInput, code, message)
	}
	result.WithContext("file", file)
	if line > 0 {
		result.WithContext("line", line)
	}
	return result
}

// MatchingError creates a matching-related error
func MatchingError(code ErrorCode, operation string) *ReconcilerError {
	var message, suggestion string

	switch code {
	case CodeCombinatorialBudgetExceeded:
		message = fmt.Sprintf("combination search budget exceeded during %s", operation)
		suggestion = "raise performance.maxSubsetSumStates or lower multipleMatching.maxTransactions"
	case CodeTimeoutExceeded:
		message = fmt.Sprintf("run timeout exceeded during %s", operation)
		suggestion = "raise performance.timeoutSeconds or enable performance.highPerformanceMode"
	default:
		message = fmt.Sprintf("matching error during %s", operation)
		suggestion = "review the run configuration"
	}

	return New(CategoryMatching, code, message).
		WithSuggestion(suggestion).
		WithContext("operation", operation)
}

// ModelLoadError reports a missing or corrupt classifier for a tenant.
func ModelLoadError(tenantID, location string, err error) *ReconcilerError {
	return Wrap(err, CategoryModel, CodeModelLoadFailure,
		fmt.Sprintf("failed to load active model for tenant %s", tenantID)).
		WithSuggestion("heuristic suggestions are still produced; retrain the tenant to recover").
		WithContext("tenant_id", tenantID).
		WithContext("location", location)
}

// ArtifactError creates an artifact-store error
func ArtifactError(code ErrorCode, location string, err error) *ReconcilerError {
	var message, suggestion string

	switch code {
	case CodeArtifactNotFound:
		message = fmt.Sprintf("model artifact not found: %s", location)
		suggestion = "check modelsBaseDir and the registry entry for this model"
	case CodeArtifactCorrupt:
		message = fmt.Sprintf("model artifact is corrupt: %s", location)
		suggestion = "delete the artifact and retrain"
	case CodeArtifactIO:
		message = fmt.Sprintf("model artifact I/O failed: %s", location)
		suggestion = "check disk space and permissions under modelsBaseDir"
	default:
		message = fmt.Sprintf("model artifact error: %s", location)
		suggestion = "check the artifact store"
	}

	var result *ReconcilerError
	if err != nil {
		result = Wrap(err, CategoryArtifact, code, message)
	} else {
		result = New(CategoryArtifact, code, message)
	}

	return result.
		WithSuggestion(suggestion).
		WithContext("location", location)
}

// StorageError creates a persistence-related error
func StorageError(code ErrorCode, operation string, err error) *ReconcilerError {
	var message string

	switch code {
	case CodeNotFound:
		message = fmt.Sprintf("record not found during %s", operation)
	case CodeInvalidState:
		message = fmt.Sprintf("invalid state transition during %s", operation)
	default:
		message = fmt.Sprintf("storage query failed during %s", operation)
	}

	var result *ReconcilerError
	if err != nil {
		result = Wrap(err, CategoryStorage, code, message)
	} else {
		result = New(CategoryStorage, code, message)
	}
	return result.WithContext("operation", operation)
}

// ConfigurationError creates a configuration-related error
func ConfigurationError(setting string, value interface{}, reason string) *ReconcilerError {
	return New(CategoryConfiguration, CodeInvalidConfig,
		fmt.Sprintf("invalid configuration for '%s': %v (%s)", setting, value, reason)).
		WithSuggestion("check the configuration documentation for valid values").
		WithContext("setting", setting).
		WithContext("value", value)
}

// InternalError creates an internal error
func InternalError(code ErrorCode, operation string, err error) *ReconcilerError {
	var message string

	switch code {
	case CodeResourceExhausted:
		message = fmt.Sprintf("resource exhausted during %s", operation)
	default:
		message = fmt.Sprintf("unexpected error during %s", operation)
	}

	var result *ReconcilerError
	if err != nil {
		result = Wrap(err, CategoryInternal, code, message)
	} else {
		result = New(CategoryInternal, code, message)
	}
	return result.WithContext("operation", operation)
}

// ErrorSummary provides a summary of multiple errors
type ErrorSummary struct {
	Total      int                   `json:"total"`
	ByCategory map[ErrorCategory]int `json:"by_category"`
	ByCode     map[ErrorCode]int     `json:"by_code"`
	Errors     []*ReconcilerError    `json:"errors"`
}

// NewErrorSummary creates a new error summary
func NewErrorSummary(errs []*ReconcilerError) *ErrorSummary {
	summary := &ErrorSummary{
		Total:      len(errs),
		ByCategory: make(map[ErrorCategory]int),
		ByCode:     make(map[ErrorCode]int),
		Errors:     errs,
	}

	for _, err := range errs {
		summary.ByCategory[err.Category]++
		summary.ByCode[err.Code]++
	}

	return summary
}

// Error returns a formatted error message for the summary
func (es *ErrorSummary) Error() string {
	if es.Total == 0 {
		return "no errors"
	}

	if es.Total == 1 {
		return es.Errors[0].Error()
	}

	var codes []string
	for code, count := range es.ByCode {
		codes = append(codes, fmt.Sprintf("%s: %d", code, count))
	}

	return fmt.Sprintf("%d errors occurred (%s)", es.Total, strings.Join(codes, ", "))
}

// HasCode checks if the summary contains errors with the given code
func (es *ErrorSummary) HasCode(code ErrorCode) bool {
	return es.ByCode[code] > 0
}

// AsReconcilerError extracts a ReconcilerError from an error chain
func AsReconcilerError(err error) (*ReconcilerError, bool) {
	var reconcilerErr *ReconcilerError
	if errors.As(err, &reconcilerErr) {
		return reconcilerErr, true
	}
	return nil, false
}

// HasCode reports whether any ReconcilerError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		re, ok := AsReconcilerError(err)
		if !ok {
			return false
		}
		if re.Code == code {
			return true
		}
		err = re.Cause
	}
	return false
}

// HasCategory checks if the summary contains errors of the given category
func (es *ErrorSummary) HasCategory(category ErrorCategory) bool {
	return es.ByCategory[category] > 0
}

// GetExitCode returns the exit code of the most severe error in the summary
func (es *ErrorSummary) GetExitCode() int {
	maxCode := 0
	for _, err := range es.Errors {
		if code := err.GetExitCode(); code > maxCode {
			maxCode = code
		}
	}
	return maxCode
}

// IsReconcilerError checks if an error is a ReconcilerError
func IsReconcilerError(err error) bool {
	_, ok := AsReconcilerError(err)
	return ok
}

// WrapIfNeeded wraps err unless it already is a ReconcilerError
func WrapIfNeeded(err error, category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	if err == nil {
		return nil
	}
	if re, ok := AsReconcilerError(err); ok {
		return re
	}
	return Wrap(err, category, code, message)
}
