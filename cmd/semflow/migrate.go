package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/store"
)

func migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(cmd.Context(), func(ctx context.Context, db *sqlx.DB) error {
					if err := store.MigrateUp(ctx, db); err != nil {
						return err
					}
					fmt.Println("migrations applied")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(cmd.Context(), func(ctx context.Context, db *sqlx.DB) error {
					if err := store.MigrateDown(ctx, db); err != nil {
						return err
					}
					fmt.Println("rolled back one migration")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the migration status",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(cmd.Context(), store.MigrationStatus)
			},
		},
	)

	return cmd
}

func configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Write a default config file to ~/.config/semflow/config.yaml",
			RunE: func(cmd *cobra.Command, args []string) error {
				return config.NewLoader(slog.Default()).EnsureUserConfig()
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration after files and environment",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				out, err := cfg.YAML()
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			},
		},
	)

	return cmd
}

// withDB opens a connection pool for a one-shot admin command and closes it
// afterwards.
func withDB(ctx context.Context, fn func(context.Context, *sqlx.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.Open(ctx, store.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime.Std(),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	return fn(ctx, db)
}
