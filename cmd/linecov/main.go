// Command linecov inspects, instruments and executes serialized code units
// and renders coverage reports.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	verbose bool
	logger  zerolog.Logger
)

func main() {
	root := &cobra.Command{
		Use:          "linecov",
		Short:        "Line coverage instrumentation for compiled code units",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zerolog.WarnLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				Level(level).With().Timestamp().Logger()
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newDisCmd())
	root.AddCommand(newInstrumentCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newReportCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
