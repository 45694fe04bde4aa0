// Package cmd provides the command-line interface of svkernel.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/svkernel/config"
)

// NewRootCmd creates the base command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "svkernel",
		Short: "svkernel boots a model of an SV39 kernel and runs programs on it.",
		Long: `svkernel boots a model of an SV39 kernel and runs programs on it. ` +
			`It can also print the address space layout and translate ` +
			`addresses through the page tables it builds.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringSlice("env", nil,
		"Read SVKERNEL_* settings from these .env files")

	rootCmd.AddCommand(newBootCmd(), newLayoutCmd(), newTranslateCmd())

	return rootCmd
}

// Execute runs the root command and exits with a non-zero status on errors.
func Execute() {
	err := NewRootCmd().Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	files, err := cmd.Flags().GetStringSlice("env")
	if err != nil {
		return config.Config{}, err
	}

	return config.Load(files...)
}
