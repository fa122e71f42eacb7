package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newBackupCommand() *cobra.Command {
	var (
		list bool
	)

	cmd := &cobra.Command{
		Use:   "backup <stack>",
		Short: "Snapshot a stack's state document",
		Long: `Create a timestamped backup of a stack's state document.

Backups rotate automatically: expired snapshots beyond the retention window
are pruned while a configured minimum is always kept, and large snapshots
are gzip-compressed.`,
		Example: `  # Snapshot the web stack
  stackplane backup web

  # List existing backups
  stackplane backup web --list`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stackName := args[0]

			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if list {
				backups, err := rt.store.ListBackups(stackName)
				if err != nil {
					return fmt.Errorf("failed to list backups: %w", err)
				}
				if jsonOutput {
					return json.NewEncoder(os.Stdout).Encode(backups)
				}
				if len(backups) == 0 {
					fmt.Printf("No backups for stack %s\n", stackName)
					return nil
				}
				for _, b := range backups {
					fmt.Println(b)
				}
				return nil
			}

			path, err := rt.store.CreateBackup(stackName)
			if err != nil {
				return fmt.Errorf("failed to create backup: %w", err)
			}

			log.Info().
				Str("stack", stackName).
				Str("backup", path).
				Msg("Backup created")

			fmt.Printf("✓ Backup created: %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&list, "list", "l", false, "list existing backups instead of creating one")

	return cmd
}
