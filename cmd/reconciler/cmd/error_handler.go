package cmd

import (
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"syscall"

	"golang-reconciliation-engine/internal/retraining"
	"golang-reconciliation-engine/pkg/errors"
	"golang-reconciliation-engine/pkg/logger"
)

// CLIErrorHandler provides user-friendly error handling for CLI operations
type CLIErrorHandler struct {
	logger  logger.Logger
	out     io.Writer
	verbose bool
}

// NewCLIErrorHandler creates a handler that reports to out
func NewCLIErrorHandler(out io.Writer) *CLIErrorHandler {
	if out == nil {
		out = os.Stderr
	}
	return &CLIErrorHandler{
		logger:  logger.GetGlobalLogger().WithComponent("cli"),
		out:     out,
		verbose: verbose,
	}
}

// HandleError prints err and returns the process exit code
func (h *CLIErrorHandler) HandleError(err error) int {
	if err == nil {
		return 0
	}

	h.logger.WithError(err).Error("Command failed")

	var summary *errors.ErrorSummary
	if stderrors.As(err, &summary) {
		return h.handleSummary(summary)
	}
	if reconcilerErr, ok := errors.AsReconcilerError(err); ok {
		return h.handleReconcilerError(reconcilerErr)
	}
	return h.handleGenericError(err)
}

func (h *CLIErrorHandler) handleReconcilerError(err *errors.ReconcilerError) int {
	fmt.Fprintf(h.out, "Error: %s\n", err.Message)

	if len(err.Context) > 0 {
		fmt.Fprintf(h.out, "\nContext:\n")
		for key, value := range err.Context {
			fmt.Fprintf(h.out, "  %s: %v\n", key, value)
		}
	}

	if err.Suggestion != "" {
		fmt.Fprintf(h.out, "\nSuggestion: %s\n", err.Suggestion)
	}

	fmt.Fprintf(h.out, "\n%s\n", h.getCategoryHelp(err.Category))

	if h.verbose && err.Cause != nil {
		fmt.Fprintf(h.out, "\nUnderlying error: %v\n", err.Cause)
	}

	return err.GetExitCode()
}

// handleSummary reports per-tenant failures of a batch command
func (h *CLIErrorHandler) handleSummary(summary *errors.ErrorSummary) int {
	fmt.Fprintf(h.out, "Error: %s\n", summary.Error())
	for i, err := range summary.Errors {
		if i >= 10 {
			fmt.Fprintf(h.out, "  ... and %d more errors\n", len(summary.Errors)-10)
			break
		}
		fmt.Fprintf(h.out, "  %d. %v\n", i+1, err)
	}
	return summary.GetExitCode()
}

func (h *CLIErrorHandler) handleGenericError(err error) int {
	if h.isFileNotFoundError(err) {
		fmt.Fprintf(h.out, "Error: File not found\n")
		fmt.Fprintf(h.out, "Suggestion: Check if the file path is correct and the file exists\n")
		return 2
	}

	if h.isPermissionError(err) {
		fmt.Fprintf(h.out, "Error: Permission denied\n")
		fmt.Fprintf(h.out, "Suggestion: Check file permissions and ensure you have read access\n")
		return 2
	}

	if h.isDiskFullError(err) {
		fmt.Fprintf(h.out, "Error: Insufficient disk space\n")
		fmt.Fprintf(h.out, "Suggestion: Free up disk space and try again\n")
		return 2
	}

	fmt.Fprintf(h.out, "Error: %v\n", err)
	return 1
}

// getCategoryHelp returns category-specific help text
func (h *CLIErrorHandler) getCategoryHelp(category errors.ErrorCategory) string {
	switch category {
	case errors.CategoryInput:
		return `Input error help:
• Check that the file exists and is UTF-8 encoded
• Verify the header row names the id, amount and date columns
• Pick a matching layout with --movements-profile / --entries-profile
• Drop --strict to skip invalid rows instead of failing`

	case errors.CategoryCandidate:
		return `Candidate error help:
• Every record needs a non-empty id, a decimal amount and a date
• Amounts must not carry currency symbols`

	case errors.CategoryConfiguration:
		return `Configuration error help:
• Check your command-line flags and arguments
• Verify configuration file syntax if using --config
• Check RECONCILER_* environment variables and .env files
• Use 'reconciler <command> --help' to see all available options`

	case errors.CategoryModel, errors.CategoryArtifact:
		return `Model error help:
• Check that ml.modelsBaseDir is readable and writable
• Run 'reconciler models list --tenant <id>' to inspect the registry
• Retrain with 'reconciler train --tenant <id>'`

	case errors.CategoryTraining:
		return `Training error help:
• Resolve more suggestions to collect labelled examples
• Both accepted and rejected decisions are needed`

	case errors.CategoryStorage:
		return `Storage error help:
• Check storage.driver and storage.dsn
• Make sure the database is reachable and migrated`

	default:
		return `For more help:
• Use 'reconciler --help' for general help
• Run with --verbose for detailed logs`
	}
}

func (h *CLIErrorHandler) isFileNotFoundError(err error) bool {
	return stderrors.Is(err, fs.ErrNotExist) || strings.Contains(err.Error(), "no such file or directory")
}

func (h *CLIErrorHandler) isPermissionError(err error) bool {
	return stderrors.Is(err, fs.ErrPermission) ||
		strings.Contains(err.Error(), "permission denied") ||
		strings.Contains(err.Error(), "access denied")
}

func (h *CLIErrorHandler) isDiskFullError(err error) bool {
	if stderrors.Is(err, syscall.ENOSPC) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "no space left") ||
		strings.Contains(errStr, "disk full")
}

// tenantErrorSummary collects per-tenant failures of a batch command into one
// error. Nil when failed is empty.
func tenantErrorSummary(failed []retraining.TenantError) error {
	if len(failed) == 0 {
		return nil
	}
	wrapped := make([]*errors.ReconcilerError, 0, len(failed))
	for _, tf := range failed {
		re := errors.WrapIfNeeded(tf.Err, errors.CategoryInternal, errors.CodeUnexpectedError, tf.Error())
		wrapped = append(wrapped, re.WithContext("tenant", tf.TenantID))
	}
	return errors.NewErrorSummary(wrapped)
}
