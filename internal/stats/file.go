package stats

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// FileStore persists the statistics record in a single JSON file on disk.
type FileStore struct {
	path string
}

// NewFileStore creates a JSON-backed statistics store.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the record from disk. The second return is false when no file
// exists yet.
func (s *FileStore) Load() (Record, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Save writes the record as indented JSON and creates parent directories.
func (s *FileStore) Save(rec Record) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(s.path, data, 0o644)
}
