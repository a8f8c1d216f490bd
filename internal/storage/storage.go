// Package storage is the durable JSON document store for strategy configs and
// runtime state. Each strategy owns two documents: config/<id>.json (durable,
// rarely written) and state/<id>.json (rewritten on every save). Writes are
// atomic: marshal, write a temp file in the same directory, fsync, rename.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kestrade/orbweaver/internal/models"
)

// ErrNotFound is returned when no document exists for the requested id.
var ErrNotFound = errors.New("storage: not found")

// Interface is the persistence capability handed to the runtime and the
// manager. *Store is the file-backed implementation.
type Interface interface {
	SaveConfig(cfg models.StrategyConfig) error
	LoadConfig(id string) (models.StrategyConfig, error)
	ListConfigs() ([]models.StrategyConfig, error)
	DeleteConfig(id string) error
	SaveState(id string, state any) error
	LoadState(id string, out any) error
}

// Store persists JSON documents under <dir>/config and <dir>/state.
// Concurrent writes are serialized by a single mutex.
type Store struct {
	mu  sync.Mutex
	dir string
}

var _ Interface = (*Store)(nil)

// New creates the store directories if needed.
func New(dir string) (*Store, error) {
	for _, sub := range []string{"config", "state"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating storage dir: %w", err)
		}
	}
	return &Store{dir: dir}, nil
}

// SaveConfig writes the config document for cfg.ID.
func (s *Store) SaveConfig(cfg models.StrategyConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("storage: config id is empty")
	}
	return s.writeDoc(s.configPath(cfg.ID), cfg)
}

// LoadConfig reads one config document.
func (s *Store) LoadConfig(id string) (models.StrategyConfig, error) {
	var cfg models.StrategyConfig
	if err := s.readDoc(s.configPath(id), &cfg); err != nil {
		return models.StrategyConfig{}, err
	}
	return cfg, nil
}

// ListConfigs reads every config document, sorted by id. Unreadable files are
// skipped rather than failing the whole listing.
func (s *Store) ListConfigs() ([]models.StrategyConfig, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "config"))
	if err != nil {
		return nil, fmt.Errorf("listing configs: %w", err)
	}
	var out []models.StrategyConfig
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		cfg, err := s.LoadConfig(id)
		if err != nil {
			continue
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteConfig removes a config document. Missing documents are a no-op.
func (s *Store) DeleteConfig(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.configPath(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting config %s: %w", id, err)
	}
	return nil
}

// SaveState overwrites the state document for a strategy id.
func (s *Store) SaveState(id string, state any) error {
	if id == "" {
		return fmt.Errorf("storage: state id is empty")
	}
	return s.writeDoc(s.statePath(id), state)
}

// LoadState reads the state document into out. ErrNotFound when absent.
func (s *Store) LoadState(id string, out any) error {
	return s.readDoc(s.statePath(id), out)
}

func (s *Store) configPath(id string) string {
	return filepath.Join(s.dir, "config", id+".json")
}

func (s *Store) statePath(id string) string {
	return filepath.Join(s.dir, "state", id+".json")
}

// writeDoc performs the atomic replacement: temp file in the same directory,
// fsync, rename. A crash mid-write leaves the previous version intact.
func (s *Store) writeDoc(path string, doc any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *Store) readDoc(path string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path) // #nosec G304 -- path is derived from the store dir
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}
