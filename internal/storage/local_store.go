package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ObjectStore is the byte-level storage the gateway writes processed covers
// to. Keys are slash-separated and come from KeyFor / ProvenanceKeyFor.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

// ErrInvalidKey is returned for keys that would resolve outside the store root.
var ErrInvalidKey = errors.New("invalid object key")

// LocalStore keeps objects on disk under a base directory.
// Objects are stored at: {baseDir}/{key}
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates a LocalStore, ensuring the base directory exists.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	// 0755: owner rwx, group rx, others rx.
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating object directory: %w", err)
	}
	return &LocalStore{baseDir: baseDir}, nil
}

// Path returns the filesystem path for key, refusing anything that would
// escape the base directory (absolute keys, "..", empty segments).
func (s *LocalStore) Path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(key)), nil
}

// Put writes data to a temp file next to the target and renames it into
// place, so readers never see a half-written object.
func (s *LocalStore) Put(ctx context.Context, key, _ string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.Path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating object directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing object %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing object %s: %w", key, err)
	}
	// 0644: owner rw, group r, others r.
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming object %s: %w", key, err)
	}
	return nil
}

// Exists checks if an object is present on disk.
func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := s.Path(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking object %s: %w", key, err)
	}
	return !info.IsDir(), nil
}

// Read returns an object's bytes. Used by the CLI and tests; the HTTP read
// path redirects to public URLs instead of streaming bytes.
func (s *LocalStore) Read(key string) ([]byte, error) {
	path, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("object %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading object %s: %w", key, err)
	}
	return data, nil
}
