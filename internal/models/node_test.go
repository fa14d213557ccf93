package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodePathAndKey(t *testing.T) {
	tests := []struct {
		parent, name string
		path, key    string
	}{
		{"", "", "/", ""},
		{"/", "a.txt", "/a.txt", "a.txt"},
		{"/dir", "b.txt", "/dir/b.txt", "dir/b.txt"},
		{"/a/b", "c", "/a/b/c", "a/b/c"},
	}
	for _, tt := range tests {
		n := &Node{Parent: tt.parent, Name: tt.name}
		assert.Equal(t, tt.path, n.Path(), "Path(%q, %q)", tt.parent, tt.name)
		assert.Equal(t, tt.key, n.StorageKey(), "StorageKey(%q, %q)", tt.parent, tt.name)
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path, dir, name string
	}{
		{"/", "", ""},
		{"/a.txt", "/", "a.txt"},
		{"/dir/b.txt", "/dir", "b.txt"},
		{"/dir/sub/", "/dir", "sub"},
	}
	for _, tt := range tests {
		dir, name := SplitPath(tt.path)
		assert.Equal(t, tt.dir, dir, "SplitPath(%q) dir", tt.path)
		assert.Equal(t, tt.name, name, "SplitPath(%q) name", tt.path)
	}
}

func TestNewNodesDefaults(t *testing.T) {
	created := time.Unix(100, 0)
	root := NewRoot(created)
	assert.Equal(t, RootIno, root.Ino)
	assert.True(t, root.IsDir())
	assert.Equal(t, "/", root.Path())

	dir := NewDirectory("/", "d", 100)
	assert.True(t, dir.RefreshAt.IsZero(), "directories start stale")

	file := NewFile("/d", "f", 3, 50, created)
	assert.Equal(t, created, file.RefreshAt, "files start at creation time")
	assert.NotEqual(t, dir.Ino, file.Ino)
	assert.Greater(t, file.Ino, RootIno)
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("boom")

	err := fmt.Errorf("fetch: %w", NewObjectStoreError("get", "a/b", cause))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrObjectStore))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrLocalIO))

	wrapped := NewObjectStoreError("put", "x", err)
	var ose *ObjectStoreError
	require.True(t, errors.As(wrapped, &ose))
	assert.Equal(t, "get", ose.Op, "existing ObjectStoreError is not re-wrapped")

	lerr := NewLocalIOError("open", "/tmp/x", cause)
	assert.True(t, errors.Is(lerr, ErrLocalIO))
	assert.Nil(t, NewLocalIOError("open", "/tmp/x", nil))
	assert.Nil(t, NewObjectStoreError("get", "k", nil))
}
