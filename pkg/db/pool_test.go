package db

import (
	"context"
	"testing"
)

const poolTestPrefix = "db:pool_test"

func TestNewPool_RejectsUnparsableURL(t *testing.T) {
	for _, raw := range []string{"invalid://not-a-valid-database-url", "postgres://h:notaport/db"} {
		pool, err := NewPool(context.Background(), raw)
		if err == nil {
			pool.Close()
			t.Fatalf("%s - NewPool(%q) should fail", poolTestPrefix, raw)
		}
		if pool != nil {
			t.Errorf("%s - expected nil pool on error", poolTestPrefix)
		}
	}
}

func TestPending(t *testing.T) {
	all := []Migration{{Name: "0001_a.sql"}, {Name: "0002_b.sql"}, {Name: "0003_c.sql"}}
	tests := []struct {
		name    string
		applied map[string]bool
		want    []string
	}{
		{"fresh", nil, []string{"0001_a.sql", "0002_b.sql", "0003_c.sql"}},
		{"partial", map[string]bool{"0001_a.sql": true}, []string{"0002_b.sql", "0003_c.sql"}},
		{"gap", map[string]bool{"0001_a.sql": true, "0003_c.sql": true}, []string{"0002_b.sql"}},
		{"done", map[string]bool{"0001_a.sql": true, "0002_b.sql": true, "0003_c.sql": true}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pending(all, tt.applied)
			if len(got) != len(tt.want) {
				t.Fatalf("%s - pending = %v, want %v", poolTestPrefix, got, tt.want)
			}
			for i := range got {
				if got[i].Name != tt.want[i] {
					t.Errorf("%s - pending[%d] = %s, want %s", poolTestPrefix, i, got[i].Name, tt.want[i])
				}
			}
		})
	}
}
