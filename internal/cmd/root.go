package cmd

import (
	"github.com/spf13/cobra"
)

// Command groups shown in help output.
const (
	groupRuns   = "runs"
	groupLedger = "ledger"
	groupSetup  = "setup"
)

// Persistent flags shared by every command.
var (
	configFile string
	dbPath     string
	jsonOutput bool
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "pact",
	Short: "reconcile tests into intent atoms and commit them",
	Long: `pact - reconciliation and commitment engine for intent atoms
  - infer atoms from tests that no atom explains yet
  - review, then commit atoms into an immutable ledger
  - track drift between committed intent and the code`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: groupRuns, Title: "Reconciliation:"},
		&cobra.Group{ID: groupLedger, Title: "Ledger and drift:"},
		&cobra.Group{ID: groupSetup, Title: "Setup:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Config file (default is the XDG config path)")
	pf.StringVar(&dbPath, "db", "", "SQLite database path (overrides storage.database_path)")
	pf.BoolVar(&jsonOutput, "json", false, "Print machine-readable JSON")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(atomsCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(driftCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
