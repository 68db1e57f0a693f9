package storage_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-essam23/go-docsync/pkg/storage"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestValidateName(t *testing.T) {
	valid := []string{"a.md", "notes/a.md", "deep/er/x", "with space.txt"}
	for _, name := range valid {
		assert.NoError(t, storage.ValidateName(name), name)
	}

	invalid := []string{"", "/etc/passwd", "../secret", "notes/../../x", "a//b", ".", "./a", "dir/", `a\b`, "nul\x00"}
	for _, name := range invalid {
		assert.ErrorIs(t, storage.ValidateName(name), storage.ErrInvalidName, name)
	}
}

// exerciseStore runs the behavior every backend must share.
func exerciseStore(t *testing.T, s storage.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.EnsureContainer(ctx))

	t.Run("absent documents", func(t *testing.T) {
		_, err := s.Read(ctx, "missing.md")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		ok, err := s.Exists(ctx, "missing.md")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("write then read", func(t *testing.T) {
		require.NoError(t, s.Write(ctx, "notes/a.md", []byte("first")))
		require.NoError(t, s.Write(ctx, "notes/a.md", []byte("second")))

		data, err := s.Read(ctx, "notes/a.md")
		require.NoError(t, err)
		assert.Equal(t, "second", string(data))

		ok, err := s.Exists(ctx, "notes/a.md")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("invalid names", func(t *testing.T) {
		assert.ErrorIs(t, s.Write(ctx, "../escape", []byte("x")), storage.ErrInvalidName)
		_, err := s.Read(ctx, "/abs")
		assert.ErrorIs(t, err, storage.ErrInvalidName)
	})
}

func TestFileStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := storage.NewFileStore(fs, "/data")
	exerciseStore(t, s)

	data, err := afero.ReadFile(fs, "/data/notes/a.md")
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := afero.ReadDir(fs, "/data/notes")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestBoltStore(t *testing.T) {
	s, err := storage.OpenBolt(filepath.Join(t.TempDir(), "db", "docs.db"), "documents")
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := storage.NewRedisStore(client, "docsync:doc:")
	defer s.Close()
	exerciseStore(t, s)

	raw, err := mr.Get("docsync:doc:notes/a.md")
	require.NoError(t, err)
	assert.Equal(t, "second", raw)
}

func TestRedisStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := storage.NewRedisStore(client, "")
	defer s.Close()
	mr.Close()

	assert.Error(t, s.EnsureContainer(context.Background()))
	_, err := s.Read(context.Background(), "a.md")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrNotFound)
}
