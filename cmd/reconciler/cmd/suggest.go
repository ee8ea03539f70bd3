package cmd

import (
	"fmt"
	"io"

	"golang-reconciliation-engine/cmd/reconciler/config"
	"golang-reconciliation-engine/internal/parsers"
	"golang-reconciliation-engine/internal/reconciler"
	"golang-reconciliation-engine/internal/reporter"
	"golang-reconciliation-engine/pkg/errors"
	"golang-reconciliation-engine/pkg/logger"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type suggestOptions struct {
	tenant           string
	runID            string
	movementsFile    string
	entriesFile      string
	movementsProfile string
	entriesProfile   string
	strictParsing    bool
	startDate        string
	endDate          string

	minScore        float64
	autoApprove     float64
	lowMatchDays    int
	noCombinations  bool
	strictMatching  bool
	outputFormat    string
	outputFile      string
	includeFeatures bool
	maxItems        int
	showProgress    bool
}

var suggestOpts suggestOptions

var suggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Generate match suggestions for a movements file and an entries file",
	Long: `Suggest parses bank movements and ledger entries, runs the heuristic
tiers, the amount-combination search and the tenant's active model, and
stores the merged suggestions for later resolution.

Examples:
  reconciler suggest --tenant acme --movements bank.csv --entries ledger.csv
  reconciler suggest --tenant acme --movements bank.csv --movements-profile bank \
    --entries ledger.csv --entries-profile ledger --output-format json --output-file run.json
  reconciler suggest --tenant acme --movements bank.csv --entries ledger.csv \
    --start-date 2024-01-01 --end-date 2024-01-31 --min-score 60 --progress`,
	RunE: runSuggest,
}

func init() {
	rootCmd.AddCommand(suggestCmd)

	f := suggestCmd.Flags()
	f.StringVar(&suggestOpts.tenant, "tenant", "", "tenant identifier (required)")
	f.StringVar(&suggestOpts.runID, "run", "", "run identifier (generated when empty)")
	f.StringVar(&suggestOpts.movementsFile, "movements", "", "bank movements CSV file (required)")
	f.StringVar(&suggestOpts.entriesFile, "entries", "", "ledger entries CSV file (required)")
	f.StringVar(&suggestOpts.movementsProfile, "movements-profile", "standard", "column layout of the movements file")
	f.StringVar(&suggestOpts.entriesProfile, "entries-profile", "standard", "column layout of the entries file")
	f.BoolVar(&suggestOpts.strictParsing, "strict", false, "fail on the first invalid row")
	f.StringVar(&suggestOpts.startDate, "start-date", "", "ignore candidates before this date (YYYY-MM-DD)")
	f.StringVar(&suggestOpts.endDate, "end-date", "", "ignore candidates after this date (YYYY-MM-DD)")

	f.Float64Var(&suggestOpts.minScore, "min-score", 0, "minimum confidence score to keep a suggestion")
	f.Float64Var(&suggestOpts.autoApprove, "auto-approve", 0, "score at which suggestions are auto-approvable")
	f.IntVar(&suggestOpts.lowMatchDays, "low-match-days", 0, "widest date gap in days for a heuristic match")
	f.BoolVar(&suggestOpts.noCombinations, "no-combinations", false, "disable the amount-combination search")
	f.BoolVar(&suggestOpts.strictMatching, "strict-matching", false, "use the strict tolerance preset")

	f.StringVar(&suggestOpts.outputFormat, "output-format", "console", "output format (console, json, csv)")
	f.StringVar(&suggestOpts.outputFile, "output-file", "", "write the report to a file instead of stdout")
	f.BoolVar(&suggestOpts.includeFeatures, "include-features", false, "include feature vectors in the report")
	f.IntVar(&suggestOpts.maxItems, "max-items", -1, "suggestions listed in console output (0 for all)")
	f.BoolVar(&suggestOpts.showProgress, "progress", false, "show progress bars on stderr")

	_ = suggestCmd.MarkFlagRequired("tenant")
	_ = suggestCmd.MarkFlagRequired("movements")
	_ = suggestCmd.MarkFlagRequired("entries")
}

func runSuggest(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	opts := suggestOpts
	log := logger.GetGlobalLogger().WithFields(logger.Fields{"command": "suggest", "tenant_id": opts.tenant})

	reportConfig := config.CreateReportConfig(opts.outputFormat, opts.includeFeatures, opts.maxItems)
	generator, err := reporter.NewReportGenerator(reportConfig, log)
	if err != nil {
		return err
	}

	from, to, err := config.ParseDateRange(opts.startDate, opts.endDate)
	if err != nil {
		return errors.Wrap(err, errors.CategoryConfiguration, errors.CodeInvalidConfig, err.Error())
	}

	movementsParser, err := newCandidateParser(opts.movementsProfile, opts.strictParsing, log)
	if err != nil {
		return err
	}
	entriesParser, err := newCandidateParser(opts.entriesProfile, opts.strictParsing, log)
	if err != nil {
		return err
	}

	movements, movementStats, err := movementsParser.ParseMovements(ctx, opts.movementsFile)
	if err != nil {
		return err
	}
	entries, entryStats, err := entriesParser.ParseEntries(ctx, opts.entriesFile)
	if err != nil {
		return err
	}
	reportParseErrors(cmd.ErrOrStderr(), opts.movementsFile, movementStats)
	reportParseErrors(cmd.ErrOrStderr(), opts.entriesFile, entryStats)

	a, err := openApp(ctx, opts.tenant)
	if err != nil {
		return err
	}
	defer a.Close()

	matching, err := config.CreateMatchingConfig(&a.cfg.Matching, matchingOverrides(cmd, opts))
	if err != nil {
		return err
	}
	log.WithField("matching", matching.String()).Debug("Matching configuration")

	var progress *progressReporter
	if opts.showProgress {
		progress = newProgressReporter(cmd.ErrOrStderr())
		a.suggestions.AddProgressCallback(progress.update)
	}

	result, err := a.suggestions.Suggest(ctx, reconciler.RunRequest{
		TenantID:  opts.tenant,
		RunID:     opts.runID,
		Movements: movements,
		Entries:   entries,
		From:      from,
		To:        to,
		Matching:  matching,
	})
	progress.finish()
	if err != nil {
		return err
	}

	if opts.outputFile != "" {
		if err := generator.WriteReport(result, opts.outputFile); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %d suggestions written to %s\n", result.RunID, len(result.Suggestions), opts.outputFile)
		return nil
	}
	return generator.GenerateReport(result, cmd.OutOrStdout())
}

func newCandidateParser(profile string, strict bool, log logger.Logger) (*parsers.CandidateParser, error) {
	fileConfig, err := config.CreateCandidateFileConfig(profile, strict)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfiguration, errors.CodeInvalidConfig, err.Error())
	}
	return parsers.NewCandidateParser(fileConfig, log)
}

// matchingOverrides picks up only the matching flags the user set
func matchingOverrides(cmd *cobra.Command, opts suggestOptions) config.MatchingOverrides {
	overrides := config.MatchingOverrides{
		Strict:              opts.strictMatching,
		DisableCombinations: opts.noCombinations,
	}
	flags := cmd.Flags()
	if flags.Changed("min-score") {
		overrides.MinimumScore = &opts.minScore
	}
	if flags.Changed("auto-approve") {
		overrides.AutoApproveThreshold = &opts.autoApprove
	}
	if flags.Changed("low-match-days") {
		overrides.LowMatchDays = &opts.lowMatchDays
	}
	return overrides
}

func reportParseErrors(w io.Writer, file string, stats *parsers.ParseStats) {
	if stats == nil || stats.ErrorCount == 0 {
		return
	}
	fmt.Fprintf(w, "Warning: skipped %d invalid rows in %s\n", stats.ErrorCount, file)
	for i, parseErr := range stats.Errors {
		if i >= 5 {
			fmt.Fprintf(w, "  ... and %d more\n", stats.ErrorCount-5)
			break
		}
		fmt.Fprintf(w, "  %v\n", parseErr)
	}
}

// progressReporter draws one bar per generator phase
type progressReporter struct {
	writer io.Writer
	phase  string
	bar    *progressbar.ProgressBar
}

func newProgressReporter(w io.Writer) *progressReporter {
	return &progressReporter{writer: w}
}

func (p *progressReporter) update(pr reconciler.Progress) {
	if p.bar == nil || pr.Phase != p.phase {
		p.finish()
		p.phase = pr.Phase
		p.bar = progressbar.NewOptions(pr.Total,
			progressbar.OptionSetWriter(p.writer),
			progressbar.OptionSetDescription(pr.Phase),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprintln(p.writer)
			}),
		)
	}
	_ = p.bar.Set(pr.Done)
}

func (p *progressReporter) finish() {
	if p == nil || p.bar == nil {
		return
	}
	if !p.bar.IsFinished() {
		_ = p.bar.Finish()
	}
	p.bar = nil
}
