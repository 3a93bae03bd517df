package agent

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a profile or the current config does not exist.
var ErrNotFound = errors.New("not found")

// ProfileInfo describes a stored profile.
type ProfileInfo struct {
	Name     string    `json:"name" yaml:"name"`
	Model    string    `json:"model" yaml:"model"`
	Revision int       `json:"revision" yaml:"revision"`
	Modified time.Time `json:"modified" yaml:"modified"`
}

// Store persists the current config and named profiles. The agent host is
// its only writer.
type Store interface {
	LoadCurrent(ctx context.Context) (*Snapshot, error)
	SaveCurrent(ctx context.Context, snap *Snapshot) error
	ListProfiles(ctx context.Context) ([]ProfileInfo, error)
	GetProfile(ctx context.Context, name string) (*Snapshot, error)
	PutProfile(ctx context.Context, name string, snap *Snapshot) error
	DeleteProfile(ctx context.Context, name string) error
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	current  *Snapshot
	profiles map[string]*Snapshot
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Snapshot)}
}

func (m *MemoryStore) LoadCurrent(_ context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrNotFound
	}
	return m.current.Clone(), nil
}

func (m *MemoryStore) SaveCurrent(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = snap.Clone()
	return nil
}

func (m *MemoryStore) ListProfiles(_ context.Context) ([]ProfileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return profileInfos(m.profiles), nil
}

func (m *MemoryStore) GetProfile(_ context.Context, name string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[name]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) PutProfile(_ context.Context, name string, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[name] = snap.Clone()
	return nil
}

func (m *MemoryStore) DeleteProfile(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[name]; !ok {
		return ErrNotFound
	}
	delete(m.profiles, name)
	return nil
}

func profileInfos(profiles map[string]*Snapshot) []ProfileInfo {
	out := make([]ProfileInfo, 0, len(profiles))
	for name, p := range profiles {
		out = append(out, ProfileInfo{Name: name, Model: p.Model, Revision: p.Revision, Modified: p.Modified})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
