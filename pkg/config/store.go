package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rerobots/hardshare/pkg/token"
)

// Store serializes access to the configuration. Reads get a deep copy;
// mutations and persistence hold the writer lock for their full duration.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  *Config
}

// Open loads the config file at path into a new Store. A missing file is
// not an error; the store starts from an empty configuration and the file
// appears on the first Persist.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg, err := load(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = New()
		} else {
			return nil, err
		}
	}

	return &Store{path: path, cfg: cfg}, nil
}

// Path returns the backing file location.
func (s *Store) Path() string {
	return s.path
}

// Snapshot returns a deep copy of the current configuration.
func (s *Store) Snapshot() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.clone()
}

// Mutate applies fn to the in-memory configuration under the writer lock.
// The change is not durable until Persist.
func (s *Store) Mutate(fn func(*Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.cfg)
}

// Reload replaces the in-memory configuration with the file contents.
func (s *Store) Reload() error {
	cfg, err := load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// Tokens re-validates all configured token files, records failures in
// err_api_tokens, and returns the usable records.
func (s *Store) Tokens() []*token.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.checkTokens()
}

// Persist writes the configuration atomically: temp file in the same
// directory, fsync, rename over the target, fsync of the directory. The
// writer lock is held for the whole sequence.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := yaml.Marshal(s.cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".main-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace config: %w", err)
	}

	// fsync the directory so the rename itself is durable.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}

	return nil
}
