package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newCreateCommand() *cobra.Command {
	var (
		stackName string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new deployment",
		Long: `Create a deployment in the initialized phase.

The deployment belongs to a stack; all deployments of a stack share one
state document and advance independently through the phase pipeline.`,
		Example: `  # Create a deployment in the web stack
  stackplane create --stack web

  # Machine-readable output
  stackplane create --stack web --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			id, err := rt.engine.CreateDeployment(cmd.Context(), stackName)
			if err != nil {
				return fmt.Errorf("failed to create deployment: %w", err)
			}

			log.Info().
				Str("deployment_id", id).
				Str("stack", stackName).
				Msg("Deployment created")

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(map[string]string{
					"deployment_id": id,
					"stack":         stackName,
					"phase":         "initialized",
				})
			}
			fmt.Printf("✓ Created deployment %s in stack %s (phase: initialized)\n", id, stackName)
			return nil
		},
	}

	cmd.Flags().StringVarP(&stackName, "stack", "s", "", "stack the deployment belongs to")
	cmd.MarkFlagRequired("stack")

	return cmd
}
