package main

import (
	"github.com/spf13/cobra"

	"github.com/arwhub/agenthub/internal/config"
	"github.com/arwhub/agenthub/internal/kernel"
)

// newMigrateCommand builds the `migrate up/down/status` subcommand tree.
func newMigrateCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage kernel store schema migrations",
	}
	cmd.AddCommand(
		newMigrateUpCommand(configFile),
		newMigrateDownCommand(configFile),
		newMigrateStatusCommand(configFile),
	)
	return cmd
}

func newMigrateUpCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			db, err := kernel.OpenRawDB(cfg.Storage.Backend, cfg.Storage.SQLitePath, cfg.Storage.PostgresURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := kernel.MigrateUp(db, cfg.Storage.Backend); err != nil {
				return err
			}
			cmd.Println("migrations applied")
			return nil
		},
	}
}

func newMigrateDownCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recently applied migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			db, err := kernel.OpenRawDB(cfg.Storage.Backend, cfg.Storage.SQLitePath, cfg.Storage.PostgresURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := kernel.MigrateDown(db, cfg.Storage.Backend); err != nil {
				return err
			}
			cmd.Println("migration rolled back")
			return nil
		},
	}
}

func newMigrateStatusCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			db, err := kernel.OpenRawDB(cfg.Storage.Backend, cfg.Storage.SQLitePath, cfg.Storage.PostgresURL)
			if err != nil {
				return err
			}
			defer db.Close()
			return kernel.MigrateStatus(db, cfg.Storage.Backend)
		},
	}
}
