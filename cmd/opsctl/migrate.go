package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/samuelmjordan/hosting-platform-api/internal/config"
	"github.com/samuelmjordan/hosting-platform-api/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long:  "opsctl migrate [--dir path]\n\nApplies pending goose migrations to POSTGRES_DSN.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Parse()
		if err != nil {
			return err
		}
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.MigrationsDir
		}
		if err := storage.Migrate(cfg.PostgresDSN, dir); err != nil {
			return err
		}
		v, err := storage.MigrationVersion(cfg.PostgresDSN)
		if err != nil {
			return err
		}
		fmt.Printf("Schema at version %d\n", v)
		return nil
	},
}

func init() {
	migrateCmd.Flags().String("dir", "", "Migrations directory (default MIGRATIONS_DIR)")
}
