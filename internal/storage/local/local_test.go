package local

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/bucketfs/internal/models"
	"github.com/fruitsalade/bucketfs/internal/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewWithFs(afero.NewMemMapFs(), Config{RootPath: "/bucket", CreateDirs: true})
	require.NoError(t, err)
	return s
}

func put(t *testing.T, s *Store, key, body string) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), key, strings.NewReader(body), int64(len(body))))
}

func TestNewRequiresRoot(t *testing.T) {
	_, err := NewWithFs(afero.NewMemMapFs(), Config{})
	assert.Error(t, err)

	_, err = NewWithFs(afero.NewMemMapFs(), Config{RootPath: "/missing"})
	assert.Error(t, err)
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	put(t, s, "dir/file.txt", "hello")

	var buf bytes.Buffer
	n, err := s.Get(ctx, "dir/file.txt", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "hello", buf.String())
}

func TestGetMissingKey(t *testing.T) {
	s := newStore(t)

	_, err := s.Get(context.Background(), "nope", &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNoSuchKey))
	assert.True(t, errors.Is(err, models.ErrObjectStore))
}

func TestListDelimited(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	put(t, s, "top.txt", "t")
	put(t, s, "dir/file.txt", strings.Repeat("x", 42))
	put(t, s, "dir/sub/deep.txt", "d")
	put(t, s, "dir/empty/", "")

	root, err := s.List(ctx, "", "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"dir/"}, root.CommonPrefixes)
	require.Len(t, root.Entries, 1)
	assert.Equal(t, "top.txt", root.Entries[0].Key)

	dir, err := s.List(ctx, "dir/", "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"dir/empty/", "dir/sub/"}, dir.CommonPrefixes)

	var file *storage.Entry
	for i := range dir.Entries {
		if dir.Entries[i].Key == "dir/file.txt" {
			file = &dir.Entries[i]
		}
	}
	require.NotNil(t, file)
	assert.Equal(t, int64(42), file.Size)
}

func TestListMissingPrefix(t *testing.T) {
	s := newStore(t)

	listing, err := s.List(context.Background(), "ghost/", "/")
	require.NoError(t, err)
	assert.Empty(t, listing.CommonPrefixes)
	assert.Empty(t, listing.Entries)
}

func TestDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	put(t, s, "a.txt", "a")

	require.NoError(t, s.Delete(ctx, "a.txt"))
	require.NoError(t, s.Delete(ctx, "a.txt"), "deleting a missing key is not an error")

	_, err := s.Get(ctx, "a.txt", &bytes.Buffer{})
	assert.True(t, errors.Is(err, storage.ErrNoSuchKey))
}
