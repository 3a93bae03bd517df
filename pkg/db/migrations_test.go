package db

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const migrationsTestPrefix = "db:migrations_test"

func writeMigrations(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("%s - write %s: %v", migrationsTestPrefix, name, err)
		}
	}
}

func names(ms []Migration) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Name
	}
	return out
}

func TestLoadMigrationFiles(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		dirs  []string
		want  []string
	}{
		{
			name:  "sorted by name",
			files: map[string]string{"0003_c.sql": "C", "0001_a.sql": "A", "0002_b.sql": "B"},
			want:  []string{"0001_a.sql", "0002_b.sql", "0003_c.sql"},
		},
		{
			name:  "non sql files skipped",
			files: map[string]string{"0001_a.sql": "A", "README.md": "#", "profiles.json": "{}"},
			want:  []string{"0001_a.sql"},
		},
		{
			name:  "directories skipped",
			files: map[string]string{"0001_a.sql": "A"},
			dirs:  []string{"0002_dir.sql"},
			want:  []string{"0001_a.sql"},
		},
		{
			name: "empty",
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeMigrations(t, dir, tt.files)
			for _, d := range tt.dirs {
				if err := os.Mkdir(filepath.Join(dir, d), 0o755); err != nil {
					t.Fatal(err)
				}
			}
			got, err := LoadMigrationFiles(dir)
			if err != nil {
				t.Fatalf("%s - LoadMigrationFiles: %v", migrationsTestPrefix, err)
			}
			if strings.Join(names(got), ",") != strings.Join(tt.want, ",") {
				t.Errorf("%s - names = %v, want %v", migrationsTestPrefix, names(got), tt.want)
			}
			for _, m := range got {
				if m.SQL != tt.files[m.Name] {
					t.Errorf("%s - %s SQL = %q", migrationsTestPrefix, m.Name, m.SQL)
				}
			}
		})
	}
}

func TestLoadMigrationFiles_MissingDir(t *testing.T) {
	if _, err := LoadMigrationFiles(filepath.Join(t.TempDir(), "nonexistent")); err == nil {
		t.Errorf("%s - expected error for a missing directory", migrationsTestPrefix)
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	got, err := EmbeddedMigrations()
	if err != nil {
		t.Fatalf("%s - EmbeddedMigrations: %v", migrationsTestPrefix, err)
	}
	if len(got) < 1 || got[0].Name != "0001_agent_config.sql" {
		t.Fatalf("%s - embedded migrations = %v", migrationsTestPrefix, names(got))
	}
	if !strings.Contains(got[0].SQL, "agent_config") || !strings.Contains(got[0].SQL, "agent_profiles") {
		t.Errorf("%s - first embedded migration should create the config tables", migrationsTestPrefix)
	}
}

func TestResolveMigrations(t *testing.T) {
	dir := t.TempDir()
	writeMigrations(t, dir, map[string]string{"0001_local.sql": "LOCAL"})

	local, err := ResolveMigrations(dir)
	if err != nil || len(local) != 1 || local[0].SQL != "LOCAL" {
		t.Errorf("%s - existing dir should win, got %v (%v)", migrationsTestPrefix, local, err)
	}

	embedded, _ := EmbeddedMigrations()
	for _, missing := range []string{"", filepath.Join(dir, "missing")} {
		fallback, err := ResolveMigrations(missing)
		if err != nil {
			t.Fatalf("%s - ResolveMigrations(%q): %v", migrationsTestPrefix, missing, err)
		}
		if len(fallback) != len(embedded) {
			t.Errorf("%s - %q should fall back to the embedded schema", migrationsTestPrefix, missing)
		}
	}
}
