package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/platinummonkey/auditkeep/pkg/observability"
)

// FilesystemFileStore keeps objects as files under a root directory. Keys are
// slash separated and map to nested directories.
type FilesystemFileStore struct {
	rootDir string
	metrics *observability.Metrics
}

// NewFilesystemFileStore creates the root directory if needed
func NewFilesystemFileStore(rootDir string, metrics *observability.Metrics) (*FilesystemFileStore, error) {
	if rootDir == "" {
		return nil, fmt.Errorf("filesystem root is required")
	}
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &FilesystemFileStore{rootDir: rootDir, metrics: metrics}, nil
}

// Put writes body to key. The file appears atomically: it is written to a
// temporary name in the target directory and renamed into place.
func (s *FilesystemFileStore) Put(_ context.Context, key string, body io.ReadSeeker, _ int64, _ string) (err error) {
	start := time.Now()
	defer func() { s.metrics.StorageOperation("put", BackendFilesystem, err, time.Since(start)) }()

	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// Open returns the object at key. The caller closes it.
func (s *FilesystemFileStore) Open(_ context.Context, key string) (_ io.ReadCloser, err error) {
	start := time.Now()
	defer func() { s.metrics.StorageOperation("get", BackendFilesystem, err, time.Since(start)) }()

	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	return f, nil
}

// Delete removes key. Deleting a missing object is not an error.
func (s *FilesystemFileStore) Delete(_ context.Context, key string) (err error) {
	start := time.Now()
	defer func() { s.metrics.StorageOperation("delete", BackendFilesystem, err, time.Since(start)) }()

	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// HealthCheck verifies the root is still a writable directory
func (s *FilesystemFileStore) HealthCheck(_ context.Context) error {
	info, err := os.Stat(s.rootDir)
	if err != nil {
		return fmt.Errorf("filesystem health check failed: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("filesystem health check failed: %s is not a directory", s.rootDir)
	}
	return nil
}

func (s *FilesystemFileStore) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.rootDir, clean), nil
}
