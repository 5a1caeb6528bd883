package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:     "version",
	Short:   "Print version information",
	GroupID: groupSetup,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := newPrinter(cmd.OutOrStdout())
		if p.json {
			return p.emitJSON(map[string]string{"version": Version, "commit": GitCommit, "built": BuildDate})
		}
		fmt.Fprintf(p.out, "pact %s\n", Version)
		fmt.Fprintf(p.out, "  commit: %s\n", GitCommit)
		fmt.Fprintf(p.out, "  built:  %s\n", BuildDate)
		return nil
	},
}
