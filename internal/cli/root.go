// Package cli wires the command-line interface.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "0.1.0"

// RootCmd is the base command.
var RootCmd = &cobra.Command{
	Use:     "volley",
	Short:   "Declarative HTTP load testing",
	Version: version,
	Long: `Volley drives HTTP endpoints at declaratively configured rates. A test
is a YAML file naming value providers, load patterns built from constant
and ramping segments, and templated endpoints; volley schedules requests
against the patterns, streams per-window statistics to disk, and prints
a latency summary when the run completes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the CLI and returns its exit code.
func Execute() int {
	if err := RootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func init() {
	RootCmd.AddCommand(runCmd)
	RootCmd.AddCommand(validateCmd)
}
