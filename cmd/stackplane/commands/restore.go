package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackplane/stackplane/pkg/journal"
)

func newRestoreCommand() *cobra.Command {
	var (
		from string
	)

	cmd := &cobra.Command{
		Use:   "restore <stack>",
		Short: "Restore a stack's state from a backup",
		Long: `Replace a stack's state document with a backup snapshot.

Without --from the most recent backup whose checksum verifies is used;
corrupt snapshots are skipped. The current document is itself backed up
before being replaced.`,
		Example: `  # Restore from the latest valid backup
  stackplane restore web

  # Restore a specific snapshot
  stackplane restore web --from web-20260827T100000Z.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stackName := args[0]

			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.store.RecoverFromBackup(stackName, from); err != nil {
				return fmt.Errorf("failed to restore stack %s: %w", stackName, err)
			}

			rt.bus.Publish("", journal.EventTypeStateRecovered, map[string]interface{}{
				"stack": stackName,
				"from":  from,
			})
			if _, err := rt.journal.Append("", journal.EventTypeStateRecovered, map[string]interface{}{
				"stack": stackName,
				"from":  from,
			}); err != nil {
				rt.log.WithError(err).Warn("failed to journal the restore")
			}

			log.Info().
				Str("stack", stackName).
				Str("from", from).
				Msg("State restored from backup")

			fmt.Printf("✓ Stack %s restored\n", stackName)
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "specific backup to restore (default: newest valid)")

	return cmd
}
