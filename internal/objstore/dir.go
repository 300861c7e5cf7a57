// Package objstore provides a filesystem-backed object store for local runs
// and tests. Production uses gcp.GCSStore.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DirStore keeps objects as files below a root directory.
type DirStore struct {
	root string
}

// NewDirStore creates root if needed.
func NewDirStore(root string) (*DirStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve object root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object root %s: %w", abs, err)
	}
	return &DirStore{root: abs}, nil
}

func (s *DirStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Put writes src under key unless the object already exists. The write goes
// to a temp file first and is linked into place so readers never see partial objects.
func (s *DirStore) Put(_ context.Context, key string, src io.ReadSeeker, _ string) error {
	dest, err := s.path(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create object dir: %w", err)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("could not rewind source for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".put-*")
	if err != nil {
		return fmt.Errorf("failed to create temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write object %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to finalize object %s: %w", key, err)
	}
	if err := os.Link(tmp.Name(), dest); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("failed to publish object %s: %w", key, err)
	}
	return nil
}

// Get opens the object for reading.
func (s *DirStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open object %s: %w", key, err)
	}
	return f, nil
}

// Presign returns a file URL; local objects need no signature.
func (s *DirStore) Presign(_ context.Context, key string, _ time.Duration) (string, error) {
	p, err := s.path(key)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: p}).String(), nil
}

// URI is empty: local objects cannot be handed to Vertex by reference.
func (s *DirStore) URI(string) string { return "" }

// Count returns the number of stored objects.
func (s *DirStore) Count() (int, error) {
	n := 0
	err := filepath.WalkDir(s.root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && !strings.HasPrefix(d.Name(), ".put-") {
			n++
		}
		return nil
	})
	return n, err
}
