// Package local stores payload blobs on the filesystem under a single
// root directory. References use the file:// scheme and are relative to
// the root, so a blob directory can be moved between hosts.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mreis/archivum/internal/ingest"
)

const scheme = "file://"

// Store is a filesystem ingest.BlobStore.
type Store struct {
	root string
}

// New creates the root directory if needed.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve blob root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Put writes data at path under the root and returns its reference.
func (s *Store) Put(_ context.Context, path string, data []byte) (string, error) {
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create blob directory: %w", err)
	}

	// Write-then-rename so a crashed write never leaves a partial blob
	// under the final name.
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob %s: %w", path, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("finalize blob %s: %w", path, err)
	}
	return scheme + path, nil
}

// Get reads the blob for ref.
func (s *Store) Get(_ context.Context, ref string) ([]byte, error) {
	path := strings.TrimPrefix(ref, scheme)
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, ingest.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", ref, err)
	}
	return data, nil
}

// resolve joins path under the root and rejects escapes.
func (s *Store) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty blob path")
	}
	full := filepath.Join(s.root, filepath.FromSlash(path))
	if !strings.HasPrefix(full, s.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("blob path %q escapes store root", path)
	}
	return full, nil
}

var _ ingest.BlobStore = (*Store)(nil)
