package main

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dukerupert/formfill/internal/database"
)

func newMigrateCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tools",
	}

	cmd.AddCommand(
		migrateSubcommand(opts, "up", "Apply all pending migrations", database.Migrate),
		migrateSubcommand(opts, "down", "Roll back the most recent migration", database.Rollback),
		migrateSubcommand(opts, "status", "Show migration status", database.Status),
	)
	return cmd
}

func migrateSubcommand(opts *options, use, short string, run func(*sql.DB) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			db, err := database.Connect(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			if err := run(db); err != nil {
				return err
			}
			slog.Info("migrate finished", "command", use, "db", cfg.DBPath)
			return nil
		},
	}
}
