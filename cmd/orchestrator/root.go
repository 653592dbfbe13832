package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root orchestrator command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Pipeline orchestration execution engine",
		Long:          "orchestrator drives compiled pipeline plans: it runs steps, dispatches\ndelegate tasks, enforces timeouts and capacity, and applies failure policies.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newServeCmd(),
		newValidateCmd(),
		newVersionCmd(),
	)

	return cmd
}

// newVersionCmd creates the "orchestrator version" subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the orchestrator version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "orchestrator %s\n", version)
			return nil
		},
	}
}
