package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/linecov/bytecode"
	"github.com/deepnoodle-ai/linecov/coverage"
	"github.com/deepnoodle-ai/linecov/instrument"
	"github.com/deepnoodle-ai/linecov/report"
	"github.com/deepnoodle-ai/linecov/vm"
)

func newRunCmd() *cobra.Command {
	var pkg string
	var workspace string
	cmd := &cobra.Command{
		Use:   "run <unit.lcu>",
		Short: "Instrument a serialized unit, execute it and report coverage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			code, err := bytecode.Unmarshal(data)
			if err != nil {
				return err
			}
			path := code.Filename()
			if path == "" {
				path = args[0]
			}
			rewritten, lines, err := instrument.Instrument(code, bytecode.HookRef{}, path, pkg)
			if err != nil {
				return err
			}

			collector := coverage.NewCollector(coverage.WithLogger(logger))
			collector.RegisterExecutable(path, lines)
			ctx := collector.NewContext()

			machine := vm.New(rewritten, vm.WithLineHook(ctx.Hook()))
			result, runErr := machine.Run(cmd.Context())
			ctx.Close()
			if runErr != nil {
				logger.Error().Err(runErr).Msg("execution failed")
			} else if result != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "result: %v\n", result)
			}

			report.Text(cmd.OutOrStdout(), collector.Executable(), collector.Snapshot(), workspace)
			return runErr
		},
	}
	cmd.Flags().StringVar(&pkg, "package", "", "package name for import dependency tagging")
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace root for relative paths")
	return cmd
}
