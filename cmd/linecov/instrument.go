package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/linecov/bytecode"
	"github.com/deepnoodle-ai/linecov/instrument"
)

func newInstrumentCmd() *cobra.Command {
	var output string
	var pkg string
	cmd := &cobra.Command{
		Use:   "instrument <unit.lcu>",
		Short: "Rewrite a serialized unit with line coverage traps",
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
			// Serialized units cannot hold a live callable; the executor
			// binds HookRef at run time.
			rewritten, lines, err := instrument.Instrument(code, bytecode.HookRef{}, path, pkg)
			if err != nil {
				return err
			}
			out, err := bytecode.Marshal(rewritten)
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, out, 0o644); err != nil {
				return err
			}
			logger.Info().Str("output", output).Msg("wrote instrumented unit")
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d executable lines: %v\n", path, lines.Count(), lines.Sorted())
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "out.lcu", "output file")
	cmd.Flags().StringVar(&pkg, "package", "", "package name for import dependency tagging")
	return cmd
}
