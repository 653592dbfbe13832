package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Siddhartha-nandan/harness-core-sub015/internal/plan"
	"github.com/Siddhartha-nandan/harness-core-sub015/internal/step"
)

// newValidateCmd creates the "orchestrator validate" subcommand.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan.yaml> [plan.yaml...]",
		Short: "Check plan files without running them",
		Long:  "Parses each plan file and checks that its graph can be driven:\nunique node ids, known step types, resolvable children and rollback\nreferences, valid adviser actions and no cycles.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := step.NewDefaultRegistry()
			failed := 0
			for _, path := range args {
				p, err := plan.LoadFile(path)
				if err == nil {
					err = plan.Validate(p, steps.Has)
				}
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d nodes)\n", path, len(p.Nodes))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d plans invalid", failed, len(args))
			}
			return nil
		},
	}
}
