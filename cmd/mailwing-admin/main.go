// Command mailwing-admin manages the schema, accounts and mailboxes of a
// tio-mail-wing postgres store. Run it against the same config.toml as the
// server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/litongjava/tio-mail-wing/config"
	"github.com/litongjava/tio-mail-wing/db"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	envPath    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "mailwing-admin",
		Short:         "tio-mail-wing administration",
		Long:          "Manages schema migrations, accounts and mailboxes in the tio-mail-wing postgres store.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.toml", "Path to TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.envPath, "env", ".env", "Path to an optional .env file with secret overrides")

	rootCmd.AddCommand(newMigrateCmd(opts))
	rootCmd.AddCommand(newAccountCmd(opts))
	rootCmd.AddCommand(newMailboxCmd(opts))
	return rootCmd
}

// loadConfig reads the configuration the way the server does.
func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg := config.NewDefaultConfig()
	if err := godotenv.Load(o.envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load %s: %w", o.envPath, err)
	}
	if err := config.LoadConfigFromFile(o.configPath, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load configuration %s: %w", o.configPath, err)
	}
	cfg.ApplyEnvOverrides()
	if cfg.Database.GetDriver() != "postgres" {
		return cfg, fmt.Errorf("mailwing-admin needs the postgres driver, configuration uses %q", cfg.Database.Driver)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openDatabase connects without applying migrations.
func (o *rootOptions) openDatabase(ctx context.Context) (*db.Database, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Database.AutoMigrate = false
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return database, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
