package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const stateLogPrefix = "supervisor:state"

// StateFileName is the state file kept in the state directory.
const StateFileName = "state.json"

// Record identifies one running component. Handle is assigned by the
// supervisor and is the stable way to address the process.
type Record struct {
	Handle  string    `json:"handle"`
	Name    string    `json:"name"`
	Label   string    `json:"label"`
	PID     int       `json:"pid"`
	Started time.Time `json:"started"`
}

// Matches reports whether target names this record by handle, name or label.
func (r Record) Matches(target string) bool {
	return target != "" && (r.Handle == target || r.Name == target || r.Label == target)
}

type stateDoc struct {
	Components []Record `json:"components"`
}

// stateStore reads and writes the state file. The lock only serializes
// writers inside one process.
type stateStore struct {
	mu   sync.Mutex
	path string
}

func newStateStore(dir string) *stateStore {
	return &stateStore{path: filepath.Join(dir, StateFileName)}
}

func (s *stateStore) load() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read %s: %w", stateLogPrefix, s.path, err)
	}
	var doc stateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s - failed to parse %s: %w", stateLogPrefix, s.path, err)
	}
	return doc.Components, nil
}

func (s *stateStore) save(records []Record) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%s - failed to create state dir: %w", stateLogPrefix, err)
	}
	data, err := json.MarshalIndent(stateDoc{Components: records}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%s - failed to write state: %w", stateLogPrefix, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%s - failed to replace state: %w", stateLogPrefix, err)
	}
	return nil
}

// update applies fn to the stored records and writes the result.
func (s *stateStore) update(fn func([]Record) []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	return s.save(fn(records))
}

func (s *stateStore) put(r Record) error {
	return s.update(func(records []Record) []Record {
		out := records[:0]
		for _, old := range records {
			if old.Handle != r.Handle && old.Name != r.Name {
				out = append(out, old)
			}
		}
		return append(out, r)
	})
}

func (s *stateStore) remove(handle string) error {
	return s.update(func(records []Record) []Record {
		out := records[:0]
		for _, r := range records {
			if r.Handle != handle {
				out = append(out, r)
			}
		}
		return out
	})
}
