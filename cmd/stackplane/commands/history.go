package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		durations bool
	)

	cmd := &cobra.Command{
		Use:   "history <deployment-id>",
		Short: "Show a deployment's transition history",
		Long: `Show the ordered transition history of a deployment, and optionally the
time spent in each phase as derived from the journal index.`,
		Example: `  # Transition history
  stackplane history dep-1234-5678

  # Phase dwell times
  stackplane history dep-1234-5678 --durations`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deploymentID := args[0]

			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			records, err := rt.engine.History(deploymentID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(records)
			}

			if len(records) == 0 {
				fmt.Printf("No transitions recorded for %s\n", deploymentID)
				return nil
			}
			for _, rec := range records {
				line := fmt.Sprintf("%s  %-12s -> %-12s",
					rec.Timestamp.Format("2006-01-02 15:04:05"), rec.From, rec.To)
				if rec.Reason != "" {
					line += "  " + rec.Reason
				}
				fmt.Println(line)
			}

			if durations && rt.index != nil {
				dwell, err := rt.index.PhaseDurations(cmd.Context(), deploymentID)
				if err != nil {
					return fmt.Errorf("failed to compute phase durations: %w", err)
				}
				if len(dwell) > 0 {
					fmt.Println("\nPhase durations:")
					for _, d := range dwell {
						fmt.Printf("  %-12s %s\n", d.Phase, d.Duration)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&durations, "durations", false, "include time spent in each phase")

	return cmd
}
