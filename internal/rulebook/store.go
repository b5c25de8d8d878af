package rulebook

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists the rulebook as a single pretty-printed JSON document.
// The learner is the only writer; the judge reads through the watcher.
type Store struct {
	path string
}

// NewStore creates a store for the given file path, creating the parent
// directory if needed.
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create rulebook directory: %w", err)
		}
	}
	return &Store{path: path}, nil
}

// Path returns the rulebook file path.
func (s *Store) Path() string { return s.path }

// Load reads the rulebook from disk. A missing file is replaced with a
// default empty rulebook, which is written and returned.
func (s *Store) Load() (Rulebook, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			rb := New()
			if err := s.Save(rb); err != nil {
				return Rulebook{}, err
			}
			return rb, nil
		}
		return Rulebook{}, fmt.Errorf("read rulebook file %q: %w", s.path, err)
	}

	var rb Rulebook
	if err := json.Unmarshal(data, &rb); err != nil {
		return Rulebook{}, fmt.Errorf("parse rulebook JSON: %w", err)
	}
	return rb, nil
}

// Save serializes the rulebook as pretty JSON. Uses atomic write
// (tmp + rename) so the watcher never reads a partial document.
func (s *Store) Save(rb Rulebook) error {
	data, err := json.MarshalIndent(rb, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rulebook: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write rulebook temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename rulebook file: %w", err)
	}
	return nil
}
