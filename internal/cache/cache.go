// Package cache maps tree nodes to local scratch files and moves their
// content to and from the object store.
package cache

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/spf13/afero"
	"golang.org/x/crypto/blake2b"

	"github.com/fruitsalade/bucketfs/internal/metrics"
	"github.com/fruitsalade/bucketfs/internal/models"
	"github.com/fruitsalade/bucketfs/internal/storage"
)

// digestSize is the cache key length in bytes (160 bits).
const digestSize = 20

// Mapper resolves nodes to content-addressed files under one scratch
// directory it owns exclusively.
type Mapper struct {
	fs    afero.Fs
	dir   string
	store storage.ObjectStore
}

// entryName matches the files a Mapper leaves in its directory: a digest,
// or an unfinished download of one.
var entryName = regexp.MustCompile(fmt.Sprintf(`^[0-9a-f]{%d}(\.[^.]+\.part)?$`, digestSize*2))

// New wipes and recreates dir and returns a Mapper rooted there. A dir
// holding anything other than scratch files is left alone and rejected.
func New(fs afero.Fs, dir string, store storage.ObjectStore) (*Mapper, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if err := checkOwned(fs, dir); err != nil {
		return nil, err
	}
	if err := fs.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("wipe cache dir: %w", err)
	}
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Mapper{fs: fs, dir: dir, store: store}, nil
}

// checkOwned fails unless dir is missing or contains only scratch files.
func checkOwned(fs afero.Fs, dir string) error {
	info, err := fs.Stat(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat cache dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("cache dir %s is not a directory", dir)
	}

	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !entryName.MatchString(e.Name()) {
			return fmt.Errorf("cache dir %s holds %q, which bucketfs did not create; refusing to wipe it", dir, e.Name())
		}
	}
	return nil
}

// Fs returns the filesystem the scratch files live on.
func (m *Mapper) Fs() afero.Fs {
	return m.fs
}

// Dir returns the scratch directory.
func (m *Mapper) Dir() string {
	return m.dir
}

// KeyDigest returns the hex BLAKE2b-160 digest of an object key.
func KeyDigest(key string) string {
	h, err := blake2b.New(digestSize, nil)
	if err != nil {
		panic(err) // only fails for invalid sizes
	}
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

// CachePath returns the scratch file for node.
func (m *Mapper) CachePath(node models.Node) string {
	return filepath.Join(m.dir, KeyDigest(node.StorageKey()))
}

// Exists reports whether node has a scratch file.
func (m *Mapper) Exists(node models.Node) bool {
	_, err := m.fs.Stat(m.CachePath(node))
	return err == nil
}

// Fetch downloads the object for node into its scratch file and returns
// the file's path. The download goes to a temp file that replaces the
// scratch file only on success.
func (m *Mapper) Fetch(ctx context.Context, node models.Node) (string, error) {
	path := m.CachePath(node)
	key := node.StorageKey()

	tmp, err := afero.TempFile(m.fs, m.dir, filepath.Base(path)+".*.part")
	if err != nil {
		return "", models.NewLocalIOError("create", path, err)
	}
	tmpName := tmp.Name()

	n, err := m.store.Get(ctx, key, tmp)
	if err != nil {
		tmp.Close()
		m.fs.Remove(tmpName)
		return "", models.NewObjectStoreError("get", key, err)
	}
	if err := tmp.Close(); err != nil {
		m.fs.Remove(tmpName)
		return "", models.NewLocalIOError("close", tmpName, err)
	}
	if err := m.fs.Rename(tmpName, path); err != nil {
		m.fs.Remove(tmpName)
		return "", models.NewLocalIOError("rename", path, err)
	}

	metrics.RecordFetch(n)
	return path, nil
}

// Push uploads the scratch file of node and returns its byte length.
// pushed is false, with no error, when node has no scratch file.
func (m *Mapper) Push(ctx context.Context, node models.Node) (size int64, pushed bool, err error) {
	path := m.CachePath(node)
	key := node.StorageKey()

	f, err := m.fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, models.NewLocalIOError("open", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, false, models.NewLocalIOError("stat", path, err)
	}
	size = info.Size()

	if err := m.store.Put(ctx, key, f, size); err != nil {
		return 0, false, models.NewObjectStoreError("put", key, err)
	}

	metrics.RecordPush(size)
	return size, true, nil
}

// Remove deletes the object for node. The scratch file is kept.
func (m *Mapper) Remove(ctx context.Context, node models.Node) error {
	key := node.StorageKey()
	if node.IsDir() {
		key += models.Separator
	}
	if err := m.store.Delete(ctx, key); err != nil {
		return models.NewObjectStoreError("delete", key, err)
	}
	return nil
}

// OpenFile opens the scratch file at path for reading and writing,
// creating it if needed.
func (m *Mapper) OpenFile(path string, truncate bool) (afero.File, error) {
	flags := os.O_RDWR | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := m.fs.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, models.NewLocalIOError("open", path, err)
	}
	return f, nil
}

// Truncate resizes the scratch file at path, creating it if needed.
func (m *Mapper) Truncate(path string, size int64) error {
	f, err := m.OpenFile(path, false)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return models.NewLocalIOError("truncate", path, err)
	}
	return nil
}
