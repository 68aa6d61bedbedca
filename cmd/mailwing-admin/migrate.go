package main

import (
	"context"
	"fmt"

	"github.com/litongjava/tio-mail-wing/db"
	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database schema migrations",
		Long: `Applies or reverts the embedded schema migrations.

Run it while the server is stopped. A database advisory lock keeps two
migrators from running at the same time.`,
	}

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mg, err := openMigrator(cmd, opts)
			if err != nil {
				return err
			}
			defer mg.Close()
			if err := mg.Up(); err != nil {
				return fmt.Errorf("migration up failed: %w", err)
			}
			return printVersion(cmd, mg)
		},
	})

	var steps int
	var all bool
	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Revert migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && steps <= 0 {
				return fmt.Errorf("pass --limit N or --all")
			}
			mg, err := openMigrator(cmd, opts)
			if err != nil {
				return err
			}
			defer mg.Close()
			if all {
				steps = 0
			}
			if err := mg.Down(steps); err != nil {
				return fmt.Errorf("migration down failed: %w", err)
			}
			return printVersion(cmd, mg)
		},
	}
	downCmd.Flags().IntVar(&steps, "limit", 1, "Number of migrations to revert")
	downCmd.Flags().BoolVar(&all, "all", false, "Revert every migration")
	migrateCmd.AddCommand(downCmd)

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the applied migration version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mg, err := openMigrator(cmd, opts)
			if err != nil {
				return err
			}
			defer mg.Close()
			return printVersion(cmd, mg)
		},
	})

	return migrateCmd
}

func openMigrator(cmd *cobra.Command, opts *rootOptions) (*db.Migrator, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	timeout, err := cfg.Database.GetMigrationTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid database.migration_timeout: %w", err)
	}
	endpoint := cfg.Database.Write
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	mg, err := db.NewMigrator(ctx, db.ConnString(endpoint, endpoint.Hosts[0]))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare migrations: %w", err)
	}
	return mg, nil
}

func printVersion(cmd *cobra.Command, mg *db.Migrator) error {
	version, dirty, err := mg.Version()
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	if version == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No migrations applied")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Migration version: %d (dirty: %t)\n", version, dirty)
	return nil
}
