package db

import (
	"context"
	"net/url"
	"strings"
	"testing"
)

const ensureTestPrefix = "db:ensure_test"

func TestWithDatabaseName(t *testing.T) {
	got, err := WithDatabaseName("postgres://relay:secret@db:5432/substrate?sslmode=disable", "postgres")
	if err != nil {
		t.Fatalf("%s - WithDatabaseName: %v", ensureTestPrefix, err)
	}
	if got != "postgres://relay:secret@db:5432/postgres?sslmode=disable" {
		t.Errorf("%s - got %q", ensureTestPrefix, got)
	}
	if _, err := WithDatabaseName("://nope", "x"); err == nil {
		t.Errorf("%s - expected error for unparsable URL", ensureTestPrefix)
	}
}

func TestDatabaseName(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr string
	}{
		{"postgres://h/substrate", "substrate", ""},
		{"postgres://h/substrate_test?sslmode=disable", "substrate_test", ""},
		{"postgres://h/", "", "empty"},
		{"postgres://h/my-db", "", "letters, digits and underscores"},
		{"postgres://h/1st", "", "letters, digits and underscores"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.raw)
		if err != nil {
			t.Fatal(err)
		}
		got, err := databaseName(u)
		if tt.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("%s - databaseName(%q) err = %v, want %q", ensureTestPrefix, tt.raw, err, tt.wantErr)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%s - databaseName(%q) = %q, %v", ensureTestPrefix, tt.raw, got, err)
		}
	}
}

func TestEnsureDatabase_RejectsBadURLsBeforeDialing(t *testing.T) {
	ctx := context.Background()
	for _, raw := range []string{"://invalid", "postgres://localhost:5432/?sslmode=disable", "postgres://localhost:5432/drop;table"} {
		created, err := EnsureDatabase(ctx, raw)
		if err == nil || created {
			t.Errorf("%s - EnsureDatabase(%q) = %v, %v; want error", ensureTestPrefix, raw, created, err)
		}
	}
}
