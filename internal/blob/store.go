// Package blob implements the filesystem blob store backing
// file-category command output, grounded on
// original_source/apps/behemoth/api/generic.py's
// safe_join(settings.SHARE_DIR, ...) upload path convention.
package blob

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store writes and reads blobs addressed by execution/command id under
// a single root directory.
type Store struct {
	root string
}

// New constructs a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob store dir: %w", err)
	}
	return &Store{root: dir}, nil
}

// path returns the on-disk path for {executionID}/{commandID}.output,
// matching the key shape required for command output blobs.
func (s *Store) path(executionID, commandID string) string {
	return filepath.Join(s.root, executionID, commandID+".output")
}

// Put writes data to the blob addressed by (executionID, commandID) and
// returns the path to store as the Command's output reference.
func (s *Store) Put(executionID, commandID string, data []byte) (string, error) {
	dir := filepath.Join(s.root, executionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	path := s.path(executionID, commandID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return path, nil
}

// Get reads the blob addressed by (executionID, commandID).
func (s *Store) Get(executionID, commandID string) ([]byte, error) {
	return os.ReadFile(s.path(executionID, commandID))
}
