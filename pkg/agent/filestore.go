package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

const fileStoreLogPrefix = "agent:filestore"

// FileStore is a Store backed by a single YAML document on disk. Every write
// rewrites the file through a temp file and rename.
type FileStore struct {
	mu   sync.Mutex
	path string
}

type fileDocument struct {
	Current  *Snapshot            `yaml:"current,omitempty"`
	Profiles map[string]*Snapshot `yaml:"profiles,omitempty"`
}

// NewFileStore creates a FileStore at path. The file is created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) read() (*fileDocument, error) {
	doc := &fileDocument{Profiles: make(map[string]*Snapshot)}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read %s: %w", fileStoreLogPrefix, f.path, err)
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("%s - failed to parse %s: %w", fileStoreLogPrefix, f.path, err)
	}
	if doc.Profiles == nil {
		doc.Profiles = make(map[string]*Snapshot)
	}
	return doc, nil
}

func (f *FileStore) write(doc *fileDocument) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%s - failed to encode config: %w", fileStoreLogPrefix, err)
	}
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%s - failed to create %s: %w", fileStoreLogPrefix, dir, err)
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%s - failed to write %s: %w", fileStoreLogPrefix, tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("%s - failed to replace %s: %w", fileStoreLogPrefix, f.path, err)
	}
	slog.Debug(fmt.Sprintf("%s - wrote %s (%d profiles)", fileStoreLogPrefix, f.path, len(doc.Profiles)))
	return nil
}

func (f *FileStore) LoadCurrent(_ context.Context) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	if doc.Current == nil {
		return nil, ErrNotFound
	}
	return doc.Current, nil
}

func (f *FileStore) SaveCurrent(_ context.Context, snap *Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return err
	}
	doc.Current = snap.Clone()
	return f.write(doc)
}

func (f *FileStore) ListProfiles(_ context.Context) ([]ProfileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	return profileInfos(doc.Profiles), nil
}

func (f *FileStore) GetProfile(_ context.Context, name string) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	p, ok := doc.Profiles[name]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (f *FileStore) PutProfile(_ context.Context, name string, snap *Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return err
	}
	doc.Profiles[name] = snap.Clone()
	return f.write(doc)
}

func (f *FileStore) DeleteProfile(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return err
	}
	if _, ok := doc.Profiles[name]; !ok {
		return ErrNotFound
	}
	delete(doc.Profiles, name)
	return f.write(doc)
}
