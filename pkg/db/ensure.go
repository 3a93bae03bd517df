package db

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

const ensureLogPrefix = "db:ensure"

var databaseNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithDatabaseName returns databaseURL pointing at database name instead.
// Credentials and query parameters are kept.
func WithDatabaseName(databaseURL, name string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("%s - invalid database URL: %w", ensureLogPrefix, err)
	}
	u.Path = "/" + name
	return u.String(), nil
}

func databaseName(u *url.URL) (string, error) {
	name := strings.TrimSpace(strings.TrimPrefix(u.Path, "/"))
	if name == "" {
		return "", fmt.Errorf("%s - database name empty in URL", ensureLogPrefix)
	}
	if !databaseNamePattern.MatchString(name) {
		return "", fmt.Errorf("%s - database name %q must be letters, digits and underscores", ensureLogPrefix, name)
	}
	return name, nil
}

// EnsureDatabase creates the database named in databaseURL when it is
// missing, connecting through the server's maintenance database. It reports
// whether the database was created.
func EnsureDatabase(ctx context.Context, databaseURL string) (bool, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return false, fmt.Errorf("%s - invalid database URL: %w", ensureLogPrefix, err)
	}
	name, err := databaseName(u)
	if err != nil {
		return false, err
	}

	maintenance, err := WithDatabaseName(databaseURL, "postgres")
	if err != nil {
		return false, err
	}
	connConfig, err := pgx.ParseConfig(maintenance)
	if err != nil {
		return false, fmt.Errorf("%s - failed to parse maintenance URL: %w", ensureLogPrefix, err)
	}
	connConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	conn, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		return false, fmt.Errorf("%s - failed to connect to postgres: %w", ensureLogPrefix, err)
	}
	defer conn.Close(ctx)

	var exists bool
	if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("%s - failed to check database: %w", ensureLogPrefix, err)
	}
	if exists {
		return false, nil
	}

	slog.Info(fmt.Sprintf("%s - Creating database %q", ensureLogPrefix, name))
	if _, err := conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		return false, fmt.Errorf("%s - CREATE DATABASE failed: %w", ensureLogPrefix, err)
	}
	return true, nil
}
