// Package db persists agent configuration and profiles in Postgres via pgx.
package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const logPrefix = "db:pool"

// NewPool opens a small pgx pool against databaseURL and pings it. The agent
// host is the only writer.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}
	config.MaxConns = 4
	config.MinConns = 1
	slog.Info(fmt.Sprintf("%s - Connecting to database %s on %s", logPrefix, config.ConnConfig.Database, config.ConnConfig.Host))

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", logPrefix, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", logPrefix, err)
	}
	return pool, nil
}

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    name       TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// MigrationState lists which migrations a database has applied.
type MigrationState struct {
	Applied []string
	Pending []string
}

func appliedMigrations(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	if _, err := pool.Exec(ctx, createMigrationsTable); err != nil {
		return nil, fmt.Errorf("%s - failed to create schema_migrations: %w", logPrefix, err)
	}
	rows, err := pool.Query(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to list applied migrations: %w", logPrefix, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read applied migrations: %w", logPrefix, err)
	}
	applied := make(map[string]bool, len(names))
	for _, n := range names {
		applied[n] = true
	}
	return applied, nil
}

// RunMigrations applies every migration not yet recorded in
// schema_migrations. Each one runs in its own transaction together with its
// record.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) error {
	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return err
	}
	todo := pending(migrations, applied)
	if len(todo) == 0 {
		slog.Info(fmt.Sprintf("%s - Schema up to date (%d migrations)", logPrefix, len(migrations)))
		return nil
	}

	for _, m := range todo {
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, m.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%s - migration %s failed: %w", logPrefix, m.Name, err)
		}
		slog.Info(fmt.Sprintf("%s - Applied %s", logPrefix, m.Name))
	}
	return nil
}

// MigrationStatus compares migrations against what the database recorded.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) (*MigrationState, error) {
	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return nil, err
	}
	state := &MigrationState{}
	for _, m := range migrations {
		if applied[m.Name] {
			state.Applied = append(state.Applied, m.Name)
		}
	}
	for _, m := range pending(migrations, applied) {
		state.Pending = append(state.Pending, m.Name)
	}
	return state, nil
}
