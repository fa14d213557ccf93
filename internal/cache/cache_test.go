package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/bucketfs/internal/models"
	"github.com/fruitsalade/bucketfs/internal/storage"
	"github.com/fruitsalade/bucketfs/internal/storage/memstore"
)

const scratch = "/scratch"

func newMapper(t *testing.T) (*Mapper, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	m, err := New(afero.NewMemMapFs(), scratch, store)
	require.NoError(t, err)
	return m, store
}

func fileNode(parent, name string) models.Node {
	return *models.NewFile(parent, name, 0, 0, time.Time{})
}

func TestNewWipesScratchDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	stale := filepath.Join(scratch, KeyDigest("old/key"))
	partial := filepath.Join(scratch, KeyDigest("other")+".1234.part")
	require.NoError(t, afero.WriteFile(fs, stale, []byte("old"), 0o600))
	require.NoError(t, afero.WriteFile(fs, partial, []byte("o"), 0o600))

	_, err := New(fs, scratch, memstore.New())
	require.NoError(t, err)

	for _, p := range []string{stale, partial} {
		exists, err := afero.Exists(fs, p)
		require.NoError(t, err)
		assert.False(t, exists, p)
	}

	isDir, err := afero.DirExists(fs, scratch)
	require.NoError(t, err)
	assert.True(t, isDir)
}

func TestNewRefusesForeignDir(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"user file", "notes.txt"},
		{"short hex", "abc123"},
		{"subdirectory", "photos/2024.jpg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			p := filepath.Join("/home/me", tt.path)
			require.NoError(t, afero.WriteFile(fs, p, []byte("keep"), 0o600))

			_, err := New(fs, "/home/me", memstore.New())
			require.Error(t, err)

			data, err := afero.ReadFile(fs, p)
			require.NoError(t, err)
			assert.Equal(t, "keep", string(data))
		})
	}
}

func TestNewRejectsFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cache", []byte("x"), 0o600))
	_, err := New(fs, "/cache", memstore.New())
	assert.Error(t, err)
}

func TestNewCreatesMissingDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := New(fs, "/var/cache/bucketfs", memstore.New())
	require.NoError(t, err)
	isDir, err := afero.DirExists(fs, "/var/cache/bucketfs")
	require.NoError(t, err)
	assert.True(t, isDir)
}

func TestKeyDigest(t *testing.T) {
	d := KeyDigest("dir/file.txt")
	assert.Len(t, d, 40)
	assert.Equal(t, d, KeyDigest("dir/file.txt"))
	assert.NotEqual(t, d, KeyDigest("dir/file.txt2"))
}

func TestCachePathIsDeterministic(t *testing.T) {
	m, _ := newMapper(t)
	a := fileNode("/dir", "file.txt")
	b := fileNode("/dir", "file.txt")

	assert.Equal(t, m.CachePath(a), m.CachePath(b))
	assert.Equal(t, scratch, filepath.Dir(m.CachePath(a)))
	assert.NotEqual(t, m.CachePath(a), m.CachePath(fileNode("/dir", "other.txt")))
}

func TestFetch(t *testing.T) {
	m, store := newMapper(t)
	store.Seed("dir/file.txt", []byte("remote"), time.Now())
	node := fileNode("/dir", "file.txt")

	path, err := m.Fetch(context.Background(), node)
	require.NoError(t, err)
	assert.Equal(t, m.CachePath(node), path)

	got, err := afero.ReadFile(m.Fs(), path)
	require.NoError(t, err)
	assert.Equal(t, "remote", string(got))
}

func TestFetchMissingKeyLeavesNoFile(t *testing.T) {
	m, _ := newMapper(t)
	node := fileNode("/", "ghost.txt")

	_, err := m.Fetch(context.Background(), node)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrObjectStore))
	assert.True(t, errors.Is(err, storage.ErrNoSuchKey))
	assert.False(t, m.Exists(node))

	entries, err := afero.ReadDir(m.Fs(), scratch)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file must be cleaned up")
}

func TestPush(t *testing.T) {
	m, store := newMapper(t)
	node := fileNode("/", "new.txt")
	require.NoError(t, afero.WriteFile(m.Fs(), m.CachePath(node), []byte("hello world"), 0o600))

	size, pushed, err := m.Push(context.Background(), node)
	require.NoError(t, err)
	assert.True(t, pushed)
	assert.Equal(t, int64(11), size)

	got, ok := store.Object("new.txt")
	require.True(t, ok)
	assert.Equal(t, "hello world", string(got))
}

func TestPushWithoutCacheFileIsNoop(t *testing.T) {
	m, store := newMapper(t)

	_, pushed, err := m.Push(context.Background(), fileNode("/", "never-opened"))
	require.NoError(t, err)
	assert.False(t, pushed)
	assert.Zero(t, store.CountOp("put"))
}

func TestPushFailure(t *testing.T) {
	m, store := newMapper(t)
	node := fileNode("/", "f")
	require.NoError(t, afero.WriteFile(m.Fs(), m.CachePath(node), []byte("x"), 0o600))
	store.FailNext("put", errors.New("503"))

	_, pushed, err := m.Push(context.Background(), node)
	assert.False(t, pushed)
	assert.True(t, errors.Is(err, models.ErrObjectStore))
}

func TestRemoveKeepsCacheFile(t *testing.T) {
	m, store := newMapper(t)
	store.Seed("a.txt", []byte("a"), time.Now())
	node := fileNode("/", "a.txt")
	_, err := m.Fetch(context.Background(), node)
	require.NoError(t, err)

	require.NoError(t, m.Remove(context.Background(), node))
	_, ok := store.Object("a.txt")
	assert.False(t, ok)
	assert.True(t, m.Exists(node))
}

func TestRemoveDirectoryUsesMarkerKey(t *testing.T) {
	m, store := newMapper(t)
	dir := *models.NewDirectory("/", "photos", 0)

	require.NoError(t, m.Remove(context.Background(), dir))
	assert.Equal(t, []memstore.Call{{Op: "delete", Key: "photos/"}}, store.Calls())
}

func TestOpenFileAndTruncate(t *testing.T) {
	m, _ := newMapper(t)
	path := m.CachePath(fileNode("/", "t.txt"))

	f, err := m.OpenFile(path, false)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("abcdef"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, m.Truncate(path, 3))
	got, err := afero.ReadFile(m.Fs(), path)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	f, err = m.OpenFile(path, true)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	info, err := m.Fs().Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}
