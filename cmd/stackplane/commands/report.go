package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackplane/stackplane/pkg/report"
)

func newReportCommand() *cobra.Command {
	var (
		outFile string
	)

	cmd := &cobra.Command{
		Use:   "report <stack>",
		Short: "Export a stack's full state as JSON",
		Long: `Export a stack's deployments, transition history, journal entries, and
counters as an indented JSON document. The export is a read-only snapshot;
writing it never mutates state.`,
		Example: `  # Print to stdout
  stackplane report web

  # Write to a file
  stackplane report web --out web-report.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stackName := args[0]

			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			reporter := report.NewReporter(rt.store, rt.index, rt.log)

			out := os.Stdout
			if outFile != "" {
				f, err := os.Create(outFile)
				if err != nil {
					return fmt.Errorf("failed to create report file: %w", err)
				}
				defer f.Close()
				out = f
			}

			if err := reporter.WriteJSON(out, stackName); err != nil {
				return err
			}

			if outFile != "" {
				log.Info().
					Str("stack", stackName).
					Str("out", outFile).
					Msg("Report written")
				fmt.Printf("✓ Report written to %s\n", outFile)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the report to a file instead of stdout")

	return cmd
}
