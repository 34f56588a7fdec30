package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// BlobStore holds image bytes by storage key.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	// Get returns ErrBlobNotFound for an unknown key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete returns ErrBlobNotFound for an unknown key; callers treat that as done.
	Delete(ctx context.Context, key string) error
}

// ErrInvalidKey is returned for keys that would escape the blob directory.
var ErrInvalidKey = errors.New("invalid storage key")

// FSBlobStore stores each blob as one file directly under a base directory.
type FSBlobStore struct {
	fs  afero.Fs
	dir string
}

// NewFSBlobStore creates dir on fs when missing.
func NewFSBlobStore(fsys afero.Fs, dir string) (*FSBlobStore, error) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", dir, err)
	}
	return &FSBlobStore{fs: fsys, dir: dir}, nil
}

// Fs exposes the underlying filesystem for the startup rescan.
func (s *FSBlobStore) Fs() afero.Fs { return s.fs }

// Dir returns the base directory.
func (s *FSBlobStore) Dir() string { return s.dir }

func (s *FSBlobStore) path(key string) (string, error) {
	if key == "" || key != filepath.Base(key) || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.dir, key), nil
}

// Put writes to a temporary file and renames it so readers never see partial bytes.
func (s *FSBlobStore) Put(_ context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.dir, ".tmp-"+uuid.NewString())
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("write blob %s: %w", key, err)
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("rename blob %s: %w", key, err)
	}
	return nil
}

func (s *FSBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		if isNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}

func (s *FSBlobStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil {
		if isNotExist(err) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err)
}

var _ BlobStore = (*FSBlobStore)(nil)
