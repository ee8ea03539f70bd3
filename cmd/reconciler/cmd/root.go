package cmd

import (
	"context"
	"fmt"

	"golang-reconciliation-engine/internal/config"
	"golang-reconciliation-engine/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	envFiles []string
	verbose  bool
	version  = "dev"
	commit   = "unknown"
	date     = "unknown"

	// appConfig is loaded once per invocation by initConfig
	appConfig *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Matching and suggestion engine for bank reconciliation",
	Long: `Reconciler proposes matches between bank movements and ledger entries.
Heuristic tiers, amount combinations and a per-tenant learned model produce
scored suggestions; operator decisions feed back into training.

Examples:
  reconciler suggest --tenant acme --movements bank.csv --entries ledger.csv
  reconciler resolve --tenant acme --suggestion 6f1c... --outcome applied
  reconciler train --tenant acme
  reconciler schedule`,
	Version:           getVersionString(),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

// Execute runs the root command with ctx, which is cancelled on interrupt.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional, YAML)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, ".env files loaded before the configuration")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// initConfig loads .env files, the configuration file and RECONCILER_*
// variables, then installs the global logger.
func initConfig(cmd *cobra.Command, _ []string) error {
	if err := config.LoadEnvFiles(envFiles...); err != nil {
		return err
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Logging.Level = logger.DebugLevel
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		return err
	}
	logger.SetGlobalLogger(log)
	appConfig = cfg

	log.WithFields(logger.Fields{
		"command":     cmd.Name(),
		"config_file": cfgFile,
	}).Debug("Configuration loaded")
	return nil
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}
