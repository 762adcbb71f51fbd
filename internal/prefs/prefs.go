// Package prefs persists the local mic/camera intent between sessions.
package prefs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/dkeye/huddle/internal/domain"
)

const intentFile = "intent.json"

// FileStore keeps the intent as JSON in dir.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore stores under dir, or under the user config directory when
// dir is empty.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(base, "huddle")
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path() (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, intentFile), nil
}

func (s *FileStore) Save(in domain.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.path()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) Load() (domain.Intent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.path()
	if err != nil {
		return domain.Intent{}, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Intent{}, false, nil
		}
		return domain.Intent{}, false, err
	}
	var in domain.Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return domain.Intent{}, false, err
	}
	return in, true, nil
}

// MemStore keeps the intent in memory.
type MemStore struct {
	mu    sync.Mutex
	in    domain.Intent
	ok    bool
	saves int
}

func (s *MemStore) Save(in domain.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.in, s.ok = in, true
	s.saves++
	return nil
}

func (s *MemStore) Load() (domain.Intent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.in, s.ok, nil
}

// Saves counts Save calls.
func (s *MemStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
