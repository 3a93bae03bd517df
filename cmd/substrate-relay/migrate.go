package main

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/substrate-ai/relay/internal/config"
	"github.com/substrate-ai/relay/pkg/db"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the config database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Run database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), runMigrateUp)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				return runMigrateStatus(ctx, cmd.OutOrStdout(), cfg, pool)
			})
		},
	})
	return cmd
}

func newEnsureDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-db [name]",
		Short: "Create the database on the DATABASE_URL host if missing",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "substrate_test"
			if len(args) == 1 && args[0] != "" {
				name = args[0]
			}
			return runEnsureDB(cmd.Context(), cmd.OutOrStdout(), name)
		},
	}
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the stored config and every profile; schema is preserved",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				return db.NewConfigRepository(pool).Clear(ctx)
			})
		},
	}
}

// withPool loads config, requires DATABASE_URL and hands fn an open pool.
func withPool(ctx context.Context, fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	cfg.SetupLogging()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func runMigrateUp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
	migrations, err := db.ResolveMigrations(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrations); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runMigrateStatus(ctx context.Context, out io.Writer, cfg *config.Config, pool *pgxpool.Pool) error {
	migrations, err := db.ResolveMigrations(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	state, err := db.MigrationStatus(ctx, pool, migrations)
	if err != nil {
		return err
	}
	printMigrationState(out, state)
	return nil
}

func printMigrationState(out io.Writer, state *db.MigrationState) {
	for _, name := range state.Applied {
		green.Fprintf(out, "applied  %s\n", name)
	}
	for _, name := range state.Pending {
		yellow.Fprintf(out, "pending  %s\n", name)
	}
	if len(state.Pending) == 0 {
		fmt.Fprintf(out, "Schema up to date (%d migrations).\n", len(state.Applied))
	} else {
		fmt.Fprintf(out, "%d pending; run `substrate-relay migrate up`.\n", len(state.Pending))
	}
}

func runEnsureDB(ctx context.Context, out io.Writer, name string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	targetURL, err := db.WithDatabaseName(cfg.DatabaseURL, name)
	if err != nil {
		return err
	}
	created, err := db.EnsureDatabase(ctx, targetURL)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(out, "Database %q created.\n", name)
	} else {
		fmt.Fprintf(out, "Database %q is ready.\n", name)
	}
	return nil
}
