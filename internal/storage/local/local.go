// Package local provides an object store backed by a directory tree, for
// development and tests without an S3 endpoint.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/fruitsalade/bucketfs/internal/models"
	"github.com/fruitsalade/bucketfs/internal/storage"
)

const tempPattern = ".bucketfs-*.tmp"

// Config holds local backend settings.
type Config struct {
	RootPath   string `yaml:"root_path"`
	CreateDirs bool   `yaml:"create_dirs"`
}

// Store implements storage.ObjectStore on a directory. Keys map to
// slash-separated paths below the root; directories act as prefixes.
type Store struct {
	fs   afero.Fs
	root string
}

// New creates a Store on the host filesystem.
func New(cfg Config) (*Store, error) {
	return NewWithFs(afero.NewOsFs(), cfg)
}

// NewWithFs creates a Store on an arbitrary afero filesystem.
func NewWithFs(fs afero.Fs, cfg Config) (*Store, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := fs.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := fs.MkdirAll(cfg.RootPath, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &Store{fs: fs, root: cfg.RootPath}, nil
}

func (s *Store) fullPath(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *Store) keyOf(p string) (string, error) {
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// List walks the directory holding prefix and reports its contents with
// S3 delimiter rules. Directories are reported as "name/" marker keys so
// empty directories still surface as common prefixes.
func (s *Store) List(ctx context.Context, prefix, delimiter string) (*storage.Listing, error) {
	base := s.root
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		base = s.fullPath(prefix[:i])
	}

	var objects []storage.Entry
	err := afero.Walk(s.fs, base, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p == s.root {
			return nil
		}
		key, err := s.keyOf(p)
		if err != nil {
			return err
		}
		if info.IsDir() {
			key += "/"
			// A subtree that cannot match prefix is not worth walking.
			if !strings.HasPrefix(key, prefix) && !strings.HasPrefix(prefix, key) {
				return filepath.SkipDir
			}
			objects = append(objects, storage.Entry{Key: key, LastModified: info.ModTime()})
			return nil
		}
		if ok, _ := path.Match(tempPattern, info.Name()); ok {
			return nil
		}
		objects = append(objects, storage.Entry{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, models.NewObjectStoreError("list", prefix, err)
	}

	return storage.ListKeys(objects, prefix, delimiter), nil
}

// Get copies the file stored under key into dst.
func (s *Store) Get(_ context.Context, key string, dst io.Writer) (int64, error) {
	f, err := s.fs.Open(s.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, models.NewObjectStoreError("get", key, storage.ErrNoSuchKey)
		}
		return 0, models.NewObjectStoreError("get", key, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, models.NewObjectStoreError("get", key, err)
	}
	if info.IsDir() {
		return 0, models.NewObjectStoreError("get", key, storage.ErrNoSuchKey)
	}

	n, err := io.Copy(dst, f)
	if err != nil {
		return n, models.NewObjectStoreError("get", key, err)
	}
	return n, nil
}

// Put writes body under key atomically. A key ending in "/" creates a
// directory.
func (s *Store) Put(_ context.Context, key string, body io.Reader, _ int64) error {
	full := s.fullPath(key)
	if strings.HasSuffix(key, "/") {
		if err := s.fs.MkdirAll(full, 0o755); err != nil {
			return models.NewObjectStoreError("put", key, err)
		}
		return nil
	}

	dir := filepath.Dir(full)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return models.NewObjectStoreError("put", key, fmt.Errorf("create dirs: %w", err))
	}

	tmp, err := afero.TempFile(s.fs, dir, tempPattern)
	if err != nil {
		return models.NewObjectStoreError("put", key, fmt.Errorf("create temp: %w", err))
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return models.NewObjectStoreError("put", key, err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return models.NewObjectStoreError("put", key, fmt.Errorf("close temp: %w", err))
	}

	if err := s.fs.Rename(tmpName, full); err != nil {
		s.fs.Remove(tmpName)
		return models.NewObjectStoreError("put", key, fmt.Errorf("rename temp: %w", err))
	}
	return nil
}

// Delete removes the file under key. A key ending in "/" removes the
// directory if it is empty.
func (s *Store) Delete(_ context.Context, key string) error {
	err := s.fs.Remove(s.fullPath(strings.TrimSuffix(key, "/")))
	if err != nil && !os.IsNotExist(err) {
		return models.NewObjectStoreError("delete", key, err)
	}
	return nil
}

// Type returns "local".
func (s *Store) Type() string {
	return "local"
}
