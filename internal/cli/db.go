package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/cihealer/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Event database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openEventDB()
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Migrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s\n", database.Path())
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate every table (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if force, _ := cmd.Flags().GetBool("force"); !force {
			return fmt.Errorf("db reset deletes all run events; pass --force to confirm")
		}
		database, err := openEventDB()
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Reset(); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", database.Path())
		return nil
	},
}

func openEventDB() (*db.DB, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	path, err := eventsPath(cfg)
	if err != nil {
		return nil, fmt.Errorf("db path: %w", err)
	}
	database, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return database, nil
}

func init() {
	dbResetCmd.Flags().Bool("force", false, "confirm the reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
