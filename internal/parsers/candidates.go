package parsers

import (
	"context"
	"fmt"
	"io"

	"golang-reconciliation-engine/internal/models"
	"golang-reconciliation-engine/pkg/errors"
	"golang-reconciliation-engine/pkg/logger"
)

// CandidateParser loads one side of a run from a CSV file
type CandidateParser struct {
	*BaseParser
	config *CandidateFileConfig
	logger logger.Logger
}

// NewCandidateParser creates a new CandidateParser with the given configuration
func NewCandidateParser(config *CandidateFileConfig, log logger.Logger) (*CandidateParser, error) {
	if config == nil {
		config = DefaultCandidateFileConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError("candidate_file_config", config, err.Error()).
			WithSuggestion("Check the candidate file column settings")
	}

	parseConfig := &ParseConfig{
		HasHeader:        config.HasHeader,
		Delimiter:        config.Delimiter,
		TrimLeadingSpace: true,
		SkipEmptyRows:    true,
		MaxFieldSize:     64 * 1024,
		ValidateEncoding: true,
	}

	log = logger.OrGlobal(log).WithComponent("candidate_parser")
	log.WithFields(logger.Fields{
		"has_header": config.HasHeader,
		"delimiter":  string(config.Delimiter),
		"strict":     config.StrictMode,
	}).Debug("Created candidate parser")

	return &CandidateParser{
		BaseParser: NewBaseParser(parseConfig, log),
		config:     config,
		logger:     log,
	}, nil
}

// ParseMovements loads bank-side candidates from filePath
func (cp *CandidateParser) ParseMovements(ctx context.Context, filePath string) ([]models.CandidateMovement, *ParseStats, error) {
	candidates, stats, err := cp.parse(ctx, filePath, "movement")
	if err != nil {
		return nil, stats, err
	}
	movements := make([]models.CandidateMovement, len(candidates))
	for i, c := range candidates {
		movements[i] = models.CandidateMovement{Candidate: c}
	}
	return movements, stats, nil
}

// ParseEntries loads ledger-side candidates from filePath
func (cp *CandidateParser) ParseEntries(ctx context.Context, filePath string) ([]models.CandidateEntry, *ParseStats, error) {
	candidates, stats, err := cp.parse(ctx, filePath, "entry")
	if err != nil {
		return nil, stats, err
	}
	entries := make([]models.CandidateEntry, len(candidates))
	for i, c := range candidates {
		entries[i] = models.CandidateEntry{Candidate: c}
	}
	return entries, stats, nil
}

func (cp *CandidateParser) parse(ctx context.Context, filePath, side string) ([]models.Candidate, *ParseStats, error) {
	log := cp.logger.WithFields(logger.Fields{
		"file_path": filePath,
		"side":      side,
	})
	log.Info("Starting candidate parsing")

	file, reader, err := cp.OpenFile(filePath)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	parseCtx := NewParseContext(ctx, filePath)
	stats := &ParseStats{}

	if err := cp.ReadHeaders(reader, parseCtx, cp.defaultHeaders(), nil); err != nil {
		return nil, stats, err
	}
	columns, err := cp.resolveColumns(parseCtx)
	if err != nil {
		log.WithError(err).WithField("available_headers", parseCtx.Headers).Error("Required columns are missing")
		return nil, stats, err
	}

	seen := make(map[string]int)
	var candidates []models.Candidate

	for {
		record, err := cp.ReadRecord(reader, parseCtx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				log.Warn("Candidate parsing was cancelled")
				return nil, stats, errors.InternalError(errors.CodeUnexpectedError, "candidate_parsing", ctxErr)
			}
			parseErr, ok := err.(*ParseError)
			if !ok {
				parseErr = &ParseError{Line: parseCtx.LineNumber, Field: "record", Message: "malformed record", Err: err}
			}
			if failed := cp.reject(stats, parseErr, filePath); failed != nil {
				return nil, stats, failed
			}
			continue
		}
		stats.RecordsParsed++

		candidate, parseErr := cp.candidateFromRecord(record, parseCtx, columns)
		if parseErr == nil {
			if line, dup := seen[candidate.ID]; dup {
				parseErr = &ParseError{
					Line:    parseCtx.LineNumber,
					Field:   columns[ColumnID],
					Value:   candidate.ID,
					Message: fmt.Sprintf("duplicate id, first seen at line %d", line),
				}
			}
		}
		if parseErr != nil {
			if failed := cp.reject(stats, parseErr, filePath); failed != nil {
				return nil, stats, failed
			}
			continue
		}

		seen[candidate.ID] = parseCtx.LineNumber
		candidates = append(candidates, *candidate)
		stats.RecordsValid++
	}

	stats.TotalLines = parseCtx.LineNumber

	log.WithFields(logger.Fields{
		"total_lines":    stats.TotalLines,
		"records_parsed": stats.RecordsParsed,
		"records_valid":  stats.RecordsValid,
		"error_count":    stats.ErrorCount,
	}).Info("Candidate parsing completed")
	if stats.HasErrors() {
		log.WithField("sample_errors", stats.GetSampleErrors(3)).Warn("Encountered errors during parsing")
	}

	return candidates, stats, nil
}

// reject records a bad row. In strict mode it returns the error that aborts the file.
func (cp *CandidateParser) reject(stats *ParseStats, parseErr *ParseError, filePath string) error {
	stats.AddError(parseErr)
	cp.logger.WithFields(logger.Fields{
		"line_number": parseErr.Line,
		"field":       parseErr.Field,
	}).Debug(parseErr.Message)

	if !cp.config.StrictMode {
		return nil
	}
	return errors.InputError(errors.CodeInvalidFormat, filePath, parseErr.Line, parseErr).
		WithSuggestion("Fix the row or disable strict mode to skip invalid rows")
}

func (cp *CandidateParser) defaultHeaders() []string {
	return []string{
		cp.config.IDColumn,
		cp.config.AmountColumn,
		cp.config.DateColumn,
		cp.config.DescriptionColumn,
		cp.config.ReferenceColumn,
	}
}

// resolveColumns maps each logical column to the header present in the file
func (cp *CandidateParser) resolveColumns(parseCtx *ParseContext) (map[string]string, error) {
	columns := make(map[string]string, 5)
	var missing []string

	for _, name := range []string{ColumnID, ColumnAmount, ColumnDate, ColumnDescription, ColumnReference} {
		for _, header := range cp.config.columnCandidates(name) {
			if header != "" && parseCtx.GetColumnIndex(header) != -1 {
				columns[name] = header
				break
			}
		}
		required := name == ColumnID || name == ColumnAmount || name == ColumnDate
		if _, ok := columns[name]; !ok && required {
			missing = append(missing, cp.config.GetColumnName(name))
		}
	}

	if len(missing) > 0 {
		return nil, errors.InputError(errors.CodeMissingColumn, parseCtx.FilePath, parseCtx.LineNumber,
			fmt.Errorf("missing %v", missing)).
			WithSuggestion(fmt.Sprintf("Ensure the CSV file contains these headers: %v", missing))
	}
	return columns, nil
}

func (cp *CandidateParser) candidateFromRecord(record []string, parseCtx *ParseContext, columns map[string]string) (*models.Candidate, *ParseError) {
	value := func(name string) string {
		header, ok := columns[name]
		if !ok {
			return ""
		}
		return cp.GetFieldValue(record, parseCtx, header)
	}

	id := value(ColumnID)
	candidate, err := models.CreateCandidateFromCSV(id, value(ColumnAmount), value(ColumnDate),
		value(ColumnDescription), value(ColumnReference))
	if err != nil {
		return nil, &ParseError{
			Line:    parseCtx.LineNumber,
			Field:   columns[ColumnID],
			Value:   id,
			Message: "invalid candidate",
			Err:     err,
		}
	}
	return candidate, nil
}
