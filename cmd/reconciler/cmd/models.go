package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"golang-reconciliation-engine/internal/retraining"
	"golang-reconciliation-engine/internal/storage"
	"golang-reconciliation-engine/internal/training"

	"github.com/spf13/cobra"
)

var lifecycleOpts struct {
	tenant string
	all    bool
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a new model for a tenant, or every tenant with --all",
	Long: `Train fits a new model on the tenant's labelled examples and promotes it
when it beats the active model on the holdout set. Training runs even when the
active model is healthy.`,
	RunE: runTrain,
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Evaluate active models and retrain the ones that need it",
	Long: `Monitor checks model age, real-world accuracy and drift for a tenant, or
every tenant with --all, and retrains the models that fall short.`,
	RunE: runMonitor,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old artifacts and purge expired training data",
	RunE:  runCleanup,
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect the model registry",
}

var modelsListOpts struct {
	tenant    string
	artifacts bool
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's registered models",
	RunE:  runModelsList,
}

var predictionsOpts struct {
	tenant string
	limit  int
}

var modelsPredictionsCmd = &cobra.Command{
	Use:   "predictions",
	Short: "List a tenant's recent prediction logs",
	RunE:  runModelsPredictions,
}

var modelsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show schema version and per-tenant model health",
	RunE:  runModelsStatus,
}

func init() {
	for _, c := range []*cobra.Command{trainCmd, monitorCmd, cleanupCmd} {
		c.Flags().StringVar(&lifecycleOpts.tenant, "tenant", "", "tenant identifier")
		c.Flags().BoolVar(&lifecycleOpts.all, "all", false, "run for every known tenant")
		c.MarkFlagsOneRequired("tenant", "all")
		c.MarkFlagsMutuallyExclusive("tenant", "all")
		rootCmd.AddCommand(c)
	}

	modelsListCmd.Flags().StringVar(&modelsListOpts.tenant, "tenant", "", "tenant identifier (required)")
	modelsListCmd.Flags().BoolVar(&modelsListOpts.artifacts, "artifacts", false, "list artifacts on disk instead of registry rows")
	_ = modelsListCmd.MarkFlagRequired("tenant")

	modelsPredictionsCmd.Flags().StringVar(&predictionsOpts.tenant, "tenant", "", "tenant identifier (required)")
	modelsPredictionsCmd.Flags().IntVar(&predictionsOpts.limit, "limit", 20, "number of logs to show")
	_ = modelsPredictionsCmd.MarkFlagRequired("tenant")

	modelsCmd.AddCommand(modelsListCmd, modelsPredictionsCmd, modelsStatusCmd)
	rootCmd.AddCommand(modelsCmd)
}

func runTrain(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, lifecycleOpts.tenant)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if lifecycleOpts.all {
		results, failed := a.orchestrator.TrainAll(ctx)
		for _, r := range results {
			printCycle(out, r)
		}
		return tenantErrorSummary(failed)
	}

	result, err := a.orchestrator.Train(ctx, lifecycleOpts.tenant)
	if err != nil {
		return err
	}
	printCycle(out, result)
	return nil
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, lifecycleOpts.tenant)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if lifecycleOpts.all {
		results, failed := a.orchestrator.MonitorAll(ctx)
		for _, r := range results {
			printCycle(out, r)
		}
		return tenantErrorSummary(failed)
	}

	result, err := a.orchestrator.Monitor(ctx, lifecycleOpts.tenant)
	if err != nil {
		return err
	}
	printCycle(out, result)
	return nil
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, lifecycleOpts.tenant)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if lifecycleOpts.all {
		results, failed := a.orchestrator.CleanupAll(ctx)
		for _, r := range results {
			printCleanup(out, r)
		}
		return tenantErrorSummary(failed)
	}

	result, err := a.orchestrator.Cleanup(ctx, lifecycleOpts.tenant)
	if err != nil {
		return err
	}
	printCleanup(out, result)
	return nil
}

func runModelsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, modelsListOpts.tenant)
	if err != nil {
		return err
	}
	defer a.Close()

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if modelsListOpts.artifacts {
		artifacts, err := a.artifacts.ListArtifacts(modelsListOpts.tenant)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "VERSION\tSIZE\tMODIFIED\tACCURACY\tLOCATION")
		for _, art := range artifacts {
			accuracy := "-"
			if art.Metadata != nil {
				accuracy = fmt.Sprintf("%.3f", art.Metadata.Accuracy)
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", art.Version, art.Size, art.ModTime.Format(time.RFC3339), accuracy, art.Location)
		}
		return nil
	}

	registered, err := a.store.ListModels(ctx, modelsListOpts.tenant)
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "VERSION\tSTATUS\tACCURACY\tF1\tEXAMPLES\tCREATED")
	for _, m := range registered {
		status := string(m.Status)
		if m.IsActive {
			status += " *"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.3f\t%.3f\t%d\t%s\n", m.Version, status, m.Accuracy, m.F1, m.TrainingExampleCount, m.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runModelsPredictions(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, predictionsOpts.tenant)
	if err != nil {
		return err
	}
	defer a.Close()

	logs, err := a.store.ListPredictionLogs(ctx, predictionsOpts.tenant, predictionsOpts.limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "CREATED\tMODEL\tMOVEMENT\tENTRY\tCANDIDATES\tCONFIDENCE\tLATENCY\tOUTCOME")
	for _, l := range logs {
		outcome := string(l.Outcome)
		if outcome == "" {
			outcome = "unresolved"
		}
		entry := l.ChosenEntryID
		if entry == "" {
			entry = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%.3f\t%s\t%s\n",
			l.CreatedAt.Format(time.RFC3339), l.ModelVersion, l.MovementID, entry,
			l.CandidateCount, l.Confidence, l.Latency, outcome)
	}
	return nil
}

func runModelsStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, "")
	if err != nil {
		return err
	}
	defer a.Close()

	schema, err := a.store.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Schema version: %d (expected %d)\n", schema, storage.ExpectedSchemaVersion)

	tenants, err := a.store.ListTenants(ctx)
	if err != nil {
		return err
	}
	if len(tenants) == 0 {
		fmt.Fprintln(out, "No tenants")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "TENANT\tACTIVE MODEL\tREAL-WORLD ACCURACY\tRESOLVED\tRETRAIN")
	for _, tenantID := range tenants {
		eval, err := a.orchestrator.Evaluate(ctx, tenantID)
		if err != nil {
			return err
		}
		active := "-"
		if eval.Model != nil {
			active = eval.Model.Version
		}
		fmt.Fprintf(tw, "%s\t%s\t%.3f\t%d\t%s\n", tenantID, active, eval.RealWorldAccuracy, eval.ResolvedCount, formatReasons(eval.Reasons))
	}
	return nil
}

func printCycle(w io.Writer, r *retraining.CycleResult) {
	fmt.Fprintf(w, "Tenant %s\n", r.TenantID)
	if r.Evaluation != nil && len(r.Evaluation.Reasons) > 0 {
		fmt.Fprintf(w, "  Retraining reasons: %s\n", formatReasons(r.Evaluation.Reasons))
	}
	switch {
	case r.Throttled:
		fmt.Fprintf(w, "  Skipped: retrained too recently\n")
	case r.Training == nil:
		fmt.Fprintf(w, "  Model healthy, no retraining needed\n")
	default:
		printTraining(w, r.Training)
	}
	if len(r.Retained) > 0 {
		fmt.Fprintf(w, "  Deleted artifacts: %d\n", len(r.Retained))
	}
	fmt.Fprintf(w, "  Duration: %s\n", r.Duration.Round(time.Millisecond))
}

func printTraining(w io.Writer, t *training.Result) {
	fmt.Fprintf(w, "  Training: %s\n", t.Status)
	if t.Reason != nil {
		fmt.Fprintf(w, "  Reason: %s\n", t.Reason.Message)
	}
	if t.Model == nil {
		return
	}
	fmt.Fprintf(w, "  Model: %s (examples %d, train %d, holdout %d)\n", t.Model.Version, t.ExampleCount, t.TrainCount, t.HoldoutCount)
	fmt.Fprintf(w, "  Accuracy %.3f  Precision %.3f  Recall %.3f  F1 %.3f\n",
		t.Metrics.Accuracy, t.Metrics.Precision, t.Metrics.Recall, t.Metrics.F1)
	if t.SelfEvaluated {
		fmt.Fprintf(w, "  Evaluated on the training set: too few examples for a holdout\n")
	}
	if t.Previous != nil {
		fmt.Fprintf(w, "  Previous model: %s (accuracy %.3f)\n", t.Previous.Version, t.Previous.Accuracy)
	}
}

func printCleanup(w io.Writer, r *retraining.CleanupResult) {
	fmt.Fprintf(w, "Tenant %s: %d artifacts deleted, %d training examples purged, %d prediction logs purged\n",
		r.TenantID, len(r.DeletedArtifacts), r.PurgedExamples, r.PurgedPredictionLogs)
}

func formatReasons(reasons []retraining.Reason) string {
	if len(reasons) == 0 {
		return "-"
	}
	parts := make([]string, len(reasons))
	for i, r := range reasons {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}
