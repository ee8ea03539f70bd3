package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"golang-reconciliation-engine/internal/models"
	"golang-reconciliation-engine/internal/reconciler"
	"golang-reconciliation-engine/pkg/errors"
	"golang-reconciliation-engine/pkg/logger"

	"github.com/spf13/cobra"
)

type resolveOptions struct {
	tenant           string
	suggestion       string
	outcome          string
	correctMovement  string
	correctEntry     string
	movementsFile    string
	entriesFile      string
	movementsProfile string
	entriesProfile   string
}

var resolveOpts resolveOptions

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Record an operator decision on a suggestion",
	Long: `Resolve marks a pending suggestion as applied or rejected and stores the
decision as training data. A rejection can name the movement and entry the
operator matched instead; both are looked up in the given files and recorded
as an accepted example.

Examples:
  reconciler resolve --tenant acme --suggestion 6f1c... --outcome applied
  reconciler resolve --tenant acme --suggestion 6f1c... --outcome rejected \
    --correct-movement M7 --correct-entry E9 --movements bank.csv --entries ledger.csv`,
	RunE: runResolve,
}

var closeRunOpts struct {
	tenant string
	run    string
}

var listSuggestionsOpts struct {
	tenant string
	run    string
}

var suggestionsCmd = &cobra.Command{
	Use:   "suggestions",
	Short: "List the stored suggestions of a run",
	RunE:  runListSuggestions,
}

var closeRunCmd = &cobra.Command{
	Use:   "close-run",
	Short: "Expire every pending suggestion of a run",
	RunE:  runCloseRun,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(closeRunCmd)
	rootCmd.AddCommand(suggestionsCmd)

	f := resolveCmd.Flags()
	f.StringVar(&resolveOpts.tenant, "tenant", "", "tenant identifier (required)")
	f.StringVar(&resolveOpts.suggestion, "suggestion", "", "suggestion identifier (required)")
	f.StringVar(&resolveOpts.outcome, "outcome", "", "applied or rejected (required)")
	f.StringVar(&resolveOpts.correctMovement, "correct-movement", "", "movement id the operator matched instead")
	f.StringVar(&resolveOpts.correctEntry, "correct-entry", "", "entry id the operator matched instead")
	f.StringVar(&resolveOpts.movementsFile, "movements", "", "movements CSV holding --correct-movement")
	f.StringVar(&resolveOpts.entriesFile, "entries", "", "entries CSV holding --correct-entry")
	f.StringVar(&resolveOpts.movementsProfile, "movements-profile", "standard", "column layout of the movements file")
	f.StringVar(&resolveOpts.entriesProfile, "entries-profile", "standard", "column layout of the entries file")
	_ = resolveCmd.MarkFlagRequired("tenant")
	_ = resolveCmd.MarkFlagRequired("suggestion")
	_ = resolveCmd.MarkFlagRequired("outcome")
	resolveCmd.MarkFlagsRequiredTogether("correct-movement", "correct-entry", "movements", "entries")

	closeRunCmd.Flags().StringVar(&closeRunOpts.tenant, "tenant", "", "tenant identifier (required)")
	closeRunCmd.Flags().StringVar(&closeRunOpts.run, "run", "", "run identifier (required)")
	_ = closeRunCmd.MarkFlagRequired("tenant")
	_ = closeRunCmd.MarkFlagRequired("run")

	suggestionsCmd.Flags().StringVar(&listSuggestionsOpts.tenant, "tenant", "", "tenant identifier (required)")
	suggestionsCmd.Flags().StringVar(&listSuggestionsOpts.run, "run", "", "run identifier (required)")
	_ = suggestionsCmd.MarkFlagRequired("tenant")
	_ = suggestionsCmd.MarkFlagRequired("run")
}

func runResolve(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	opts := resolveOpts
	log := logger.GetGlobalLogger().WithFields(logger.Fields{"command": "resolve", "tenant_id": opts.tenant})

	outcome, err := models.ParseResolutionOutcome(opts.outcome)
	if err != nil {
		return errors.ConfigurationError("outcome", opts.outcome, "must be applied or rejected")
	}

	correction, err := loadCorrection(cmd, opts, log)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, opts.tenant)
	if err != nil {
		return err
	}
	defer a.Close()

	resolution, err := a.suggestions.RecordResolution(ctx, opts.tenant, opts.suggestion, outcome, correction)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Suggestion %s %s\n", resolution.Suggestion.ID, resolution.Suggestion.Status)
	fmt.Fprintf(out, "Training examples recorded: %d\n", len(resolution.Examples))
	if resolution.PredictionOutcome != "" {
		fmt.Fprintf(out, "Prediction outcome: %s\n", resolution.PredictionOutcome)
	}
	return nil
}

// loadCorrection reads the corrected pair from the candidate files. Nil when
// no correction was given.
func loadCorrection(cmd *cobra.Command, opts resolveOptions, log logger.Logger) (*reconciler.Correction, error) {
	if opts.correctMovement == "" {
		return nil, nil
	}
	ctx := cmd.Context()

	movementsParser, err := newCandidateParser(opts.movementsProfile, false, log)
	if err != nil {
		return nil, err
	}
	movements, _, err := movementsParser.ParseMovements(ctx, opts.movementsFile)
	if err != nil {
		return nil, err
	}
	entriesParser, err := newCandidateParser(opts.entriesProfile, false, log)
	if err != nil {
		return nil, err
	}
	entries, _, err := entriesParser.ParseEntries(ctx, opts.entriesFile)
	if err != nil {
		return nil, err
	}

	correction := &reconciler.Correction{}
	found := false
	for _, m := range movements {
		if m.ID == opts.correctMovement {
			correction.Movement, found = m, true
			break
		}
	}
	if !found {
		return nil, errors.New(errors.CategoryInput, errors.CodeNotFound, "movement not found in movements file").
			WithContext("id", opts.correctMovement).
			WithContext("file", opts.movementsFile)
	}

	found = false
	for _, e := range entries {
		if e.ID == opts.correctEntry {
			correction.Entry, found = e, true
			break
		}
	}
	if !found {
		return nil, errors.New(errors.CategoryInput, errors.CodeNotFound, "entry not found in entries file").
			WithContext("id", opts.correctEntry).
			WithContext("file", opts.entriesFile)
	}
	return correction, nil
}

func runCloseRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := openApp(ctx, closeRunOpts.tenant)
	if err != nil {
		return err
	}
	defer a.Close()

	expired, err := a.suggestions.CloseRun(ctx, closeRunOpts.tenant, closeRunOpts.run)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Run %s closed: %d pending suggestions expired\n", closeRunOpts.run, expired)
	return nil
}

func runListSuggestions(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := openApp(ctx, listSuggestionsOpts.tenant)
	if err != nil {
		return err
	}
	defer a.Close()

	suggestions, err := a.store.ListSuggestions(ctx, listSuggestionsOpts.tenant, listSuggestionsOpts.run)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "ID\tSTATUS\tKIND\tSCORE\tMOVEMENTS\tENTRIES")
	for _, sg := range suggestions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\t%s\n", sg.ID, sg.Status, sg.MatchKind, sg.ConfidenceScore,
			strings.Join(sg.MovementIDs, "+"), strings.Join(sg.EntryIDs, "+"))
	}
	return nil
}
