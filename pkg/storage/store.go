// Package storage persists document snapshots by name. Every backend treats
// the payload as opaque bytes and overwrites on write.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	ErrNotFound    = errors.New("storage: document not found")
	ErrInvalidName = errors.New("storage: invalid document name")
	// ErrNameConflict reports a name that collides with another document's
	// path, such as "a" next to "a/b".
	ErrNameConflict = errors.New("storage: document name conflicts with an existing path")
)

type Store interface {
	// EnsureContainer creates the directory, bucket or table documents live in.
	EnsureContainer(ctx context.Context) error
	Exists(ctx context.Context, name string) (bool, error)
	// Read returns ErrNotFound when nothing was stored under name.
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, data []byte) error
	Close() error
}

// ValidateName rejects names that could escape the storage root. Nested names
// such as "notes/a.md" are allowed.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case strings.HasPrefix(name, "/"), strings.Contains(name, "\\"):
		return fmt.Errorf("%w: %q is not a relative path", ErrInvalidName, name)
	case name == ".":
		return fmt.Errorf("%w: %q names the storage root", ErrInvalidName, name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidName, name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %q escapes the storage root", ErrInvalidName, name)
		}
	}
	if path.Clean(name) != name {
		return fmt.Errorf("%w: %q is not in canonical form", ErrInvalidName, name)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
