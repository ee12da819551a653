// root.go - root CLI command and subcommand wiring
package cmd

import (
	"github.com/spf13/cobra"
)

// NewCLI builds the flexllama root command with every subcommand attached.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "flexllama",
		Short:         "Multiplexing gateway for llama.cpp inference servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newServiceCmd(),
		newListCmd(),
		newPsCmd(),
	)

	return rootCmd
}
