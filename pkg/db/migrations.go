package db

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
)

const migrationsLogPrefix = "db:migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migration is one schema step, identified by its file name.
type Migration struct {
	Name string
	SQL  string
}

// LoadMigrationFiles reads every .sql file in dir, ordered by name.
func LoadMigrationFiles(dir string) ([]Migration, error) {
	return loadFrom(os.DirFS(dir), ".", dir)
}

// EmbeddedMigrations returns the schema compiled into the binary.
func EmbeddedMigrations() ([]Migration, error) {
	return loadFrom(embeddedMigrations, "migrations", "embedded")
}

// ResolveMigrations loads migrations from dir when it exists, otherwise the
// embedded schema.
func ResolveMigrations(dir string) ([]Migration, error) {
	if dir != "" {
		info, err := os.Stat(dir)
		switch {
		case err == nil && info.IsDir():
			return LoadMigrationFiles(dir)
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("%s - failed to stat migration dir %s: %w", migrationsLogPrefix, dir, err)
		}
		slog.Info(fmt.Sprintf("%s - %s not found, using embedded migrations", migrationsLogPrefix, dir))
	}
	return EmbeddedMigrations()
}

func loadFrom(fsys fs.FS, root, label string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, label, err)
	}

	var out []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(root, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s - failed to read %s/%s: %w", migrationsLogPrefix, label, e.Name(), err)
		}
		out = append(out, Migration{Name: e.Name(), SQL: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	slog.Debug(fmt.Sprintf("%s - Loaded %d migration files from %s", migrationsLogPrefix, len(out), label))
	return out, nil
}

// pending returns the migrations whose names are not in applied, in order.
func pending(all []Migration, applied map[string]bool) []Migration {
	var out []Migration
	for _, m := range all {
		if !applied[m.Name] {
			out = append(out, m)
		}
	}
	return out
}
