package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackplane/stackplane/pkg/engine"
)

func newTransitionCommand() *cobra.Command {
	var (
		reason string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "transition <deployment-id> <phase>",
		Short: "Move a deployment to a new phase",
		Long: `Move a deployment to a new phase.

The transition must be declared in the phase table; failed and terminated
are reachable from every phase. Destructive transitions pass through the
policy gate and may require a reason or --force.`,
		Example: `  # Advance through the pipeline
  stackplane transition dep-1234-5678 validating --reason "start rollout"

  # Terminate a production deployment
  stackplane transition dep-1234-5678 terminated --reason "decommissioned" --force`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			deploymentID := args[0]
			to, err := engine.ParsePhase(strings.ToLower(args[1]))
			if err != nil {
				return err
			}

			rt, rerr := newRuntime(cmd.Context())
			if rerr != nil {
				return rerr
			}
			defer rt.Close()

			var metadata map[string]interface{}
			if force {
				metadata = map[string]interface{}{"force": true}
			}

			if err := rt.engine.Transition(cmd.Context(), deploymentID, to, reason, metadata); err != nil {
				if errors.Is(err, engine.ErrValidationFailed) {
					return fmt.Errorf("transition rejected: %w", err)
				}
				return err
			}

			log.Info().
				Str("deployment_id", deploymentID).
				Str("to", string(to)).
				Str("reason", reason).
				Msg("Transition committed")

			fmt.Printf("✓ Deployment %s is now %s\n", deploymentID, to)
			return nil
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "reason recorded with the transition")
	cmd.Flags().BoolVar(&force, "force", false, "override the production termination guard")

	return cmd
}
