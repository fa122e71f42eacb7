package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stackplane/stackplane/pkg/health"
	"github.com/stackplane/stackplane/pkg/report"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [stack]",
		Short: "Show stack status and health",
		Long: `Show the condensed status of a stack: deployment phases, resource and
event counts, and health scores. Without an argument every known stack is
listed.`,
		Example: `  # List all stacks
  stackplane status

  # One stack in detail
  stackplane status web

  # Machine-readable output
  stackplane status web --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			reporter := report.NewReporter(rt.store, rt.index, rt.log)

			if len(args) == 0 {
				stacks, err := reporter.ListStacks()
				if err != nil {
					return fmt.Errorf("failed to list stacks: %w", err)
				}
				if jsonOutput {
					return json.NewEncoder(os.Stdout).Encode(stacks)
				}
				if len(stacks) == 0 {
					fmt.Println("No stacks found. Create one with: stackplane create --stack <name>")
					return nil
				}
				for _, s := range stacks {
					summary, err := reporter.GetSummary(s)
					if err != nil {
						return err
					}
					fmt.Printf("%-20s phase=%-12s deployments=%d events=%d\n",
						summary.StackName, summary.Phase, summary.Deployments, summary.EventCount)
				}
				return nil
			}

			stackName := args[0]
			summary, err := reporter.GetSummary(stackName)
			if err != nil {
				return err
			}

			monitor := health.NewMonitor(rt.cfg.Monitor, rt.store, rt.log, rt.metrics)
			scores := stackScores(rt, monitor, stackName)

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"summary": summary,
					"health":  scores,
				})
			}

			fmt.Printf("Stack: %s\n", summary.StackName)
			fmt.Printf("  Phase:         %s\n", summary.Phase)
			fmt.Printf("  Deployments:   %d\n", summary.Deployments)
			fmt.Printf("  Resources:     %d\n", summary.ResourceCount)
			fmt.Printf("  Events:        %d\n", summary.EventCount)
			fmt.Printf("  Last modified: %s\n", summary.LastModified.Format("2006-01-02 15:04:05"))
			if len(scores) > 0 {
				fmt.Println("  Health:")
				for id, score := range scores {
					fmt.Printf("    %-28s %d/100\n", id, score)
				}
			}
			return nil
		},
	}

	return cmd
}

// stackScores computes the health score of every deployment in a stack.
// Scoring failures degrade to an empty map; status must still render.
func stackScores(rt *runtime, monitor *health.Monitor, stackName string) map[string]int {
	scores := make(map[string]int)

	ids, err := stackDeployments(rt, stackName)
	if err != nil {
		return scores
	}
	for _, id := range ids {
		score, _, err := monitor.Score(id)
		if err != nil {
			continue
		}
		scores[id] = score
	}
	return scores
}
