package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const manifestLogPrefix = "supervisor:manifest"

// Restart policies.
const (
	RestartNever     = "never"
	RestartOnFailure = "on-failure"
)

// Component is one supervised process.
type Component struct {
	Name  string `yaml:"name"`
	Label string `yaml:"label"`
	// Command is the argv to run. The first element is the executable.
	Command []string          `yaml:"command"`
	Env     map[string]string `yaml:"env,omitempty"`
	Dir     string            `yaml:"dir,omitempty"`
	// HealthURL is polled until it answers 200. Without it the supervisor
	// waits SettleDelay instead.
	HealthURL    string        `yaml:"health_url,omitempty"`
	ReadyTimeout time.Duration `yaml:"ready_timeout,omitempty"`
	SettleDelay  time.Duration `yaml:"settle_delay,omitempty"`
	Restart      string        `yaml:"restart,omitempty"`
	MaxRestarts  int           `yaml:"max_restarts,omitempty"`
}

// Manifest lists components in dependency order.
type Manifest struct {
	Components []Component `yaml:"components"`
	// StopGrace is how long a process group gets between SIGTERM and SIGKILL.
	StopGrace time.Duration `yaml:"stop_grace,omitempty"`
}

// DefaultManifest runs the three relay processes from exe.
func DefaultManifest(exe string) *Manifest {
	m := &Manifest{Components: []Component{
		{Name: "agent", Label: "Command Server", Command: []string{exe, "agent"}, HealthURL: "http://127.0.0.1:8081/ready", Restart: RestartOnFailure},
		{Name: "gateway", Label: "Remote Bridge", Command: []string{exe, "gateway"}, HealthURL: "http://127.0.0.1:8780/ready", Restart: RestartOnFailure},
		{Name: "bridge", Label: "UI Bridge", Command: []string{exe, "bridge"}, HealthURL: "http://127.0.0.1:8790/ready", Restart: RestartOnFailure},
	}}
	m.applyDefaults()
	return m
}

// LoadManifest reads a YAML manifest. A missing file yields DefaultManifest(exe).
func LoadManifest(path, exe string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info(fmt.Sprintf("%s - %s not found, using the default components", manifestLogPrefix, path))
		return DefaultManifest(exe), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read %s: %w", manifestLogPrefix, path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%s - failed to parse %s: %w", manifestLogPrefix, path, err)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d components from %s", manifestLogPrefix, len(m.Components), path))
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.StopGrace <= 0 {
		m.StopGrace = 5 * time.Second
	}
	for i := range m.Components {
		c := &m.Components[i]
		if c.Label == "" {
			c.Label = c.Name
		}
		if c.Restart == "" {
			c.Restart = RestartNever
		}
		if c.ReadyTimeout <= 0 {
			c.ReadyTimeout = 30 * time.Second
		}
		if c.SettleDelay <= 0 {
			c.SettleDelay = time.Second
		}
		if c.MaxRestarts <= 0 {
			c.MaxRestarts = 5
		}
	}
}

// Validate checks names are unique and every component can be run.
func (m *Manifest) Validate() error {
	if len(m.Components) == 0 {
		return fmt.Errorf("%s - manifest has no components", manifestLogPrefix)
	}
	seen := make(map[string]bool, len(m.Components))
	for _, c := range m.Components {
		if c.Name == "" {
			return fmt.Errorf("%s - component without a name", manifestLogPrefix)
		}
		if seen[c.Name] {
			return fmt.Errorf("%s - duplicate component %q", manifestLogPrefix, c.Name)
		}
		seen[c.Name] = true
		if len(c.Command) == 0 || c.Command[0] == "" {
			return fmt.Errorf("%s - component %q has no command", manifestLogPrefix, c.Name)
		}
		if c.Restart != RestartNever && c.Restart != RestartOnFailure {
			return fmt.Errorf("%s - component %q: unknown restart policy %q", manifestLogPrefix, c.Name, c.Restart)
		}
	}
	return nil
}

// Component returns the component called name.
func (m *Manifest) Component(name string) (Component, bool) {
	for _, c := range m.Components {
		if c.Name == name {
			return c, true
		}
	}
	return Component{}, false
}
