package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/stackplane/stackplane/pkg/config"
	"github.com/stackplane/stackplane/pkg/journal"
)

func newInitCommand() *cobra.Command {
	var (
		workspace string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a StackPlane workspace",
		Long: `Initialize a new StackPlane workspace with state, lock, journal, and
backup directories, the SQLite journal index, and a default config file.`,
		Example: `  # Initialize in the default workspace
  stackplane init

  # Initialize a specific directory
  stackplane init --workspace /var/lib/stackplane`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Str("workspace", workspace).
				Msg("Initializing workspace")

			ctx := cmd.Context()

			cfg := config.Default()
			if workspace != "" {
				cfg.Workspace = workspace
			}

			fmt.Printf("Initializing StackPlane workspace in %s\n\n", cfg.Workspace)

			// Step 1: Create directory structure
			dirs := []string{
				cfg.Workspace,
				filepath.Join(cfg.Workspace, "state"),
				filepath.Join(cfg.Workspace, "backups"),
				filepath.Join(cfg.Workspace, "locks"),
				filepath.Join(cfg.Workspace, "journal"),
			}
			for _, dir := range dirs {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Printf("✓ Created directory: %s\n", dir)
			}

			// Step 2: Initialize the SQLite journal index
			indexPath := filepath.Join(cfg.Workspace, "journal", "index.db")
			index, err := journal.NewIndex(indexPath)
			if err != nil {
				return fmt.Errorf("failed to create journal index: %w", err)
			}
			defer index.Close()

			if err := index.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize journal index: %w", err)
			}
			if err := index.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Printf("✓ Initialized journal index: %s\n", indexPath)

			// Step 3: Write the default config file
			if configPath == "" {
				configPath = "./stackplane.yaml"
			}
			if _, err := os.Stat(configPath); err == nil {
				fmt.Printf("✓ Config file already exists: %s\n", configPath)
			} else {
				data, err := yaml.Marshal(&cfg)
				if err != nil {
					return fmt.Errorf("failed to render config: %w", err)
				}
				if err := os.WriteFile(configPath, data, 0o644); err != nil {
					return fmt.Errorf("failed to write config file: %w", err)
				}
				fmt.Printf("✓ Created config file: %s\n", configPath)
			}

			fmt.Printf("\n✅ Workspace initialized successfully!\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Create a deployment:\n")
			fmt.Printf("     stackplane create --stack web\n\n")
			fmt.Printf("  2. Advance it through the pipeline:\n")
			fmt.Printf("     stackplane transition <deployment-id> validating --reason \"start rollout\"\n\n")

			return nil
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (default .stackplane)")

	return cmd
}
