package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/linecov/coverage"
	"github.com/deepnoodle-ai/linecov/report"
)

func newReportCmd() *cobra.Command {
	var workspace string
	cmd := &cobra.Command{
		Use:   "report <coverage.json>",
		Short: "Render a structured coverage document as a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var doc report.Document
			if err := json.Unmarshal(data, &doc); err != nil {
				return err
			}
			executable := map[string]*coverage.Lines{}
			covered := map[string]*coverage.Lines{}
			for path, file := range doc.Files {
				all := coverage.NewLines(file.ExecutedLines...)
				all.Merge(coverage.NewLines(file.MissingLines...))
				executable[path] = all
				covered[path] = coverage.NewLines(file.ExecutedLines...)
			}
			report.Text(cmd.OutOrStdout(), executable, covered, workspace)
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace root for relative paths")
	return cmd
}
