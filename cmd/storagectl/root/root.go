// Package root assembles storagectl's cobra command tree.
package root

import (
	"github.com/spf13/cobra"
)

// NewCmd builds the storagectl root command with every subcommand attached.
func NewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storagectl",
		Short: "drive a time-series historian storage core from the command line",
	}
	cmd.AddCommand(
		newCreateCmd(),
		newWriteCmd(),
		newReadCmd(),
		newRollbackCmd(),
		newInspectCmd(),
	)
	return cmd
}
