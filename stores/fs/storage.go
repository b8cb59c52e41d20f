// Package fs provides a file system-based LocalStorage for pocketauth.
package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	pa "github.com/panyam/pocketauth"
	"github.com/panyam/pocketauth/stores"
)

var _ pa.LocalStorage = (*FSStorage)(nil)

// FSStorage stores all entries in a single JSON file. Every write is flushed to
// disk before it returns, like browser local storage.
type FSStorage struct {
	mu       sync.RWMutex
	path     string
	entries  map[string]string
	modified bool
}

// storageFile is the JSON structure stored on disk
type storageFile struct {
	Entries map[string]string `json:"entries"`
}

// NewFSStorage creates a new FS-based store.
// If path is empty, defaults to ~/.config/<appName>/storage.json
func NewFSStorage(path string, appName string) (*FSStorage, error) {
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("could not determine config directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
		if appName == "" {
			appName = "pocketauth"
		}
		path = filepath.Join(configDir, appName, "storage.json")
	}

	s := &FSStorage{
		path:    path,
		entries: make(map[string]string),
	}

	// Load existing entries if file exists
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return s, nil
}

// load reads entries from disk
func (s *FSStorage) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var file storageFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse storage file: %w", err)
	}

	s.entries = file.Entries
	if s.entries == nil {
		s.entries = make(map[string]string)
	}

	return nil
}

// Keys returns all stored keys in lexical order
func (s *FSStorage) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stores.SortedKeys(s.entries), nil
}

// Get retrieves the value stored under key
func (s *FSStorage) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	return v, ok, nil
}

// Set stores value under key and flushes to disk
func (s *FSStorage) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok && old == value {
		return nil
	}
	s.entries[key] = value
	s.modified = true
	return s.saveLocked()
}

// Remove deletes key and flushes to disk
func (s *FSStorage) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return nil
	}
	delete(s.entries, key)
	s.modified = true
	return s.saveLocked()
}

// Save persists pending changes to disk
func (s *FSStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// saveLocked writes the file. Caller must hold s.mu
func (s *FSStorage) saveLocked() error {
	if !s.modified {
		return nil
	}

	// Ensure directory exists with restricted permissions
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	data, err := json.MarshalIndent(storageFile{Entries: s.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize storage: %w", err)
	}

	// owner read/write only, the file holds refresh tokens
	if err := stores.WriteAtomicFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write storage: %w", err)
	}

	s.modified = false
	return nil
}

// Path returns the path to the storage file
func (s *FSStorage) Path() string {
	return s.path
}
