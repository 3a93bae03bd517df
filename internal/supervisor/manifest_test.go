package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadManifest_DefaultsWhenMissing(t *testing.T) {
	m, err := LoadManifest(filepath.Join(t.TempDir(), "substrate.yaml"), "/usr/bin/substrate-relay")
	if err != nil {
		t.Fatalf("supervisor:manifest_test - LoadManifest: %v", err)
	}
	want := map[string]string{"agent": "Command Server", "gateway": "Remote Bridge", "bridge": "UI Bridge"}
	if len(m.Components) != len(want) {
		t.Fatalf("supervisor:manifest_test - %d components", len(m.Components))
	}
	for i, name := range []string{"agent", "gateway", "bridge"} {
		c := m.Components[i]
		if c.Name != name || c.Label != want[name] || c.Command[1] != name || c.HealthURL == "" {
			t.Errorf("supervisor:manifest_test - component %d = %+v", i, c)
		}
	}
}

func TestLoadManifest_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "substrate.yaml")
	doc := `
stop_grace: 3s
components:
  - name: agent
    label: Command Server
    command: ["./substrate-relay", "agent"]
    health_url: http://127.0.0.1:8081/ready
    ready_timeout: 15s
    restart: on-failure
  - name: tail
    command: ["tail", "-f", "/dev/null"]
    settle_delay: 250ms
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := LoadManifest(path, "unused")
	if err != nil {
		t.Fatalf("supervisor:manifest_test - LoadManifest: %v", err)
	}
	if m.StopGrace != 3*time.Second {
		t.Errorf("supervisor:manifest_test - stop grace = %v", m.StopGrace)
	}
	agent, _ := m.Component("agent")
	if agent.ReadyTimeout != 15*time.Second || agent.Restart != RestartOnFailure {
		t.Errorf("supervisor:manifest_test - agent = %+v", agent)
	}
	tail, _ := m.Component("tail")
	if tail.Label != "tail" || tail.SettleDelay != 250*time.Millisecond || tail.Restart != RestartNever {
		t.Errorf("supervisor:manifest_test - tail = %+v", tail)
	}
}

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name    string
		comps   []Component
		wantErr string
	}{
		{"empty", nil, "no components"},
		{"unnamed", []Component{{Command: []string{"x"}}}, "without a name"},
		{"duplicate", []Component{{Name: "a", Command: []string{"x"}}, {Name: "a", Command: []string{"y"}}}, "duplicate"},
		{"no command", []Component{{Name: "a"}}, "no command"},
		{"bad restart", []Component{{Name: "a", Command: []string{"x"}, Restart: "always"}}, "restart policy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Manifest{Components: tt.comps}
			m.applyDefaults()
			err := m.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("supervisor:manifest_test - err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestRecordMatches(t *testing.T) {
	r := Record{Handle: "h-1", Name: "agent", Label: "Command Server"}
	for _, target := range []string{"h-1", "agent", "Command Server"} {
		if !r.Matches(target) {
			t.Errorf("supervisor:manifest_test - %q should match", target)
		}
	}
	for _, target := range []string{"", "Command", "gateway"} {
		if r.Matches(target) {
			t.Errorf("supervisor:manifest_test - %q should not match", target)
		}
	}
}

func TestStateStore(t *testing.T) {
	st := newStateStore(filepath.Join(t.TempDir(), "nested"))
	if records, err := st.load(); err != nil || len(records) != 0 {
		t.Fatalf("supervisor:manifest_test - empty load = %v, %v", records, err)
	}
	_ = st.put(Record{Handle: "1", Name: "agent", PID: 10})
	_ = st.put(Record{Handle: "2", Name: "gateway", PID: 20})
	_ = st.put(Record{Handle: "3", Name: "agent", PID: 30})
	records, _ := st.load()
	if len(records) != 2 || records[1].Handle != "3" {
		t.Errorf("supervisor:manifest_test - records = %+v", records)
	}
	_ = st.remove("2")
	records, _ = st.load()
	if len(records) != 1 || records[0].Name != "agent" {
		t.Errorf("supervisor:manifest_test - after remove = %+v", records)
	}
}
