package config

import (
	"fmt"
	"sync"
)

// Store holds the live configuration. Components read tunables through Get
// at call time so Reload takes effect without a restart.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  *Config
}

func NewStore(path string, cfg *Config) *Store {
	return &Store{path: path, cfg: cfg}
}

// Open loads path and wraps the result in a Store.
func Open(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewStore(path, cfg), nil
}

func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Reload re-reads the backing file. The previous configuration stays active
// when the new one fails to load or validate.
func (s *Store) Reload() error {
	if s.path == "" {
		return fmt.Errorf("config store has no backing file")
	}
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}
