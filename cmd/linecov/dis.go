package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/linecov/bytecode"
	"github.com/deepnoodle-ai/linecov/dis"
)

func newDisCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dis <unit.lcu>",
		Short: "Disassemble a serialized code unit",
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
			for _, unit := range code.Flatten() {
				color.New(color.Bold).Fprintf(cmd.OutOrStdout(), "%s (%s)\n", unit.Name(), unit.Filename())
				instructions, err := dis.Disassemble(unit)
				if err != nil {
					return err
				}
				dis.Print(instructions, cmd.OutOrStdout())
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
}
