package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"
)

// FileStore keeps each document in its own file under a root directory.
type FileStore struct {
	fs   afero.Fs
	root string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(fs afero.Fs, root string) *FileStore {
	return &FileStore{fs: fs, root: root}
}

func (s *FileStore) path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(name)), nil
}

func (s *FileStore) EnsureContainer(_ context.Context) error {
	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("storage: create data dir %s: %w", s.root, err)
	}
	return nil
}

func (s *FileStore) Exists(_ context.Context, name string) (bool, error) {
	p, err := s.path(name)
	if err != nil {
		return false, err
	}
	return afero.Exists(s.fs, p)
}

func (s *FileStore) Read(_ context.Context, name string) ([]byte, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", name, err)
	}
	return data, nil
}

// Write replaces the file atomically so readers never observe a partial
// snapshot.
func (s *FileStore) Write(ctx context.Context, name string, data []byte) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: create %s: %w", dir, pathConflict(err))
	}

	tmp, err := afero.TempFile(s.fs, dir, "."+path.Base(name)+".*.tmp")
	if err != nil {
		return fmt.Errorf("storage: write %s: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return fmt.Errorf("storage: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return fmt.Errorf("storage: write %s: %w", name, err)
	}
	if err := s.fs.Rename(tmpName, p); err != nil {
		s.fs.Remove(tmpName)
		return fmt.Errorf("storage: write %s: %w", name, pathConflict(err))
	}
	return nil
}

// pathConflict marks errors caused by a file standing where a directory is
// needed or the other way around.
func pathConflict(err error) error {
	for _, target := range []error{syscall.ENOTDIR, syscall.EISDIR, syscall.ENOTEMPTY, os.ErrExist} {
		if errors.Is(err, target) {
			return fmt.Errorf("%w: %w", ErrNameConflict, err)
		}
	}
	return err
}

func (s *FileStore) Close() error {
	return nil
}
