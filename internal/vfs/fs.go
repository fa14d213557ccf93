// Package vfs implements the filesystem operations of the mount on top of
// the path table and the scratch cache. Operations take absolute paths and
// return Go errors; the FUSE backends in internal/mount turn those into
// errno values.
package vfs

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fruitsalade/bucketfs/internal/cache"
	"github.com/fruitsalade/bucketfs/internal/logging"
	"github.com/fruitsalade/bucketfs/internal/models"
	"github.com/fruitsalade/bucketfs/internal/storage"
	"github.com/fruitsalade/bucketfs/internal/tree"
)

// File type and permission bits reported in attributes.
const (
	ModeDir  uint32 = 0o040000 | 0o755
	ModeFile uint32 = 0o100000 | 0o644

	BlockSize = 4096
)

// Attr is the attribute record of one node.
type Attr struct {
	Ino     uint64
	Mode    uint32
	Size    int64
	Mtime   int64
	Nlink   uint32
	Uid     uint32
	Gid     uint32
	Blksize int64
	Blocks  int64
}

// IsDir reports whether the attributes describe a directory.
func (a Attr) IsDir() bool {
	return a.Mode&0o170000 == 0o040000
}

// DirEntry is one name returned by Readdir.
type DirEntry struct {
	Name string
	Attr Attr
}

// StatfsInfo holds filesystem capacity figures.
type StatfsInfo struct {
	Bsize   uint64
	Frsize  uint64
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Namemax uint64
}

// Option configures an FS.
type Option func(*FS)

// WithOwner sets the uid and gid reported for every node.
func WithOwner(uid, gid uint32) Option {
	return func(f *FS) {
		f.uid = uid
		f.gid = gid
	}
}

// FS serves filesystem operations for one mount.
type FS struct {
	tree  *tree.Tree
	cache *cache.Mapper
	uid   uint32
	gid   uint32

	mu      sync.Mutex
	handles map[uint64]*handle
	nextFh  atomic.Uint64
}

// New returns an FS over t. Nodes are owned by the calling user unless
// WithOwner says otherwise.
func New(t *tree.Tree, opts ...Option) *FS {
	f := &FS{
		tree:    t,
		cache:   t.Cache(),
		uid:     uint32(os.Getuid()),
		gid:     uint32(os.Getgid()),
		handles: make(map[uint64]*handle),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Tree returns the path table.
func (f *FS) Tree() *tree.Tree {
	return f.tree
}

func (f *FS) attr(n models.Node) Attr {
	a := Attr{
		Ino:     n.Ino,
		Mtime:   n.Mtime,
		Uid:     f.uid,
		Gid:     f.gid,
		Blksize: BlockSize,
	}
	if n.IsDir() {
		a.Mode = ModeDir
		a.Nlink = 2
		return a
	}
	a.Mode = ModeFile
	a.Nlink = 1
	a.Size = n.Size
	a.Blocks = (n.Size + 511) / 512
	return a
}

// resolve looks path up, listing its parent once if it is not known yet.
func (f *FS) resolve(ctx context.Context, path string) (models.Node, error) {
	if n, ok := f.tree.Lookup(path); ok {
		return n, nil
	}
	parent, _ := models.SplitPath(path)
	if parent == "" {
		return models.Node{}, models.ErrNotFound
	}
	if err := f.tree.Refresh(ctx, parent, true); err != nil {
		return models.Node{}, err
	}
	if n, ok := f.tree.Lookup(path); ok {
		return n, nil
	}
	return models.Node{}, models.ErrNotFound
}

// Getattr returns the attributes of path.
func (f *FS) Getattr(ctx context.Context, path string) (Attr, error) {
	n, err := f.resolve(ctx, path)
	if err != nil {
		return Attr{}, err
	}
	return f.attr(n), nil
}

// Readdir lists the children of the directory at path, refreshing it from
// the object store when its listing is older than the TTL. A directory
// not yet in the table is found by its listing alone.
func (f *FS) Readdir(ctx context.Context, path string) ([]DirEntry, error) {
	if err := f.tree.Refresh(ctx, path, true); err != nil {
		return nil, err
	}
	n, ok := f.tree.Lookup(path)
	if !ok {
		return nil, models.ErrNotFound
	}
	if !n.IsDir() {
		return nil, models.ErrNotDir
	}

	children := f.tree.Children(path)
	entries := make([]DirEntry, 0, len(children))
	for _, c := range children {
		entries = append(entries, DirEntry{Name: c.Name, Attr: f.attr(c)})
	}
	return entries, nil
}

// Open fetches the object behind path into its scratch file and opens it.
// The download is skipped when the local copy is authoritative: the file
// has queued writes, a write-back in progress or another open handle, or
// flags ask for truncation.
func (f *FS) Open(ctx context.Context, path string, flags int) (uint64, error) {
	n, err := f.resolve(ctx, path)
	if err != nil {
		return 0, err
	}
	if n.IsDir() {
		return 0, models.ErrIsDir
	}

	log := logging.WithContext(logging.WithOp(ctx, "open", path))
	truncate := flags&os.O_TRUNC != 0
	cachePath := f.cache.CachePath(n)

	if !truncate && !f.tree.IsDirty(path) && !f.isOpen(path) {
		if _, err := f.cache.Fetch(ctx, n); err != nil {
			if !errors.Is(err, storage.ErrNoSuchKey) || !f.cache.Exists(n) {
				return 0, err
			}
			log.Debug("object not in store yet, using scratch file")
		}
	}

	file, err := f.cache.OpenFile(cachePath, truncate)
	if err != nil {
		return 0, err
	}
	if truncate {
		err := f.tree.SetSize(path, 0)
		if err == nil {
			err = f.tree.MarkDirty(path, 0)
		}
		if err != nil {
			// Unlinked since resolve: the handle still works on the scratch file.
			log.Debug("truncate of removed node", logging.Err(err))
		}
	}

	fh := f.allocHandle(path, file)
	log.Debug("opened", logging.Uint64("fh", fh), logging.String("cache", cachePath))
	return fh, nil
}

// Create makes an empty file at path and opens it. Nothing is fetched.
func (f *FS) Create(ctx context.Context, path string) (uint64, error) {
	n, err := f.tree.Create(path)
	if err != nil {
		return 0, err
	}

	file, err := f.cache.OpenFile(f.cache.CachePath(n), true)
	if err != nil {
		return 0, err
	}

	fh := f.allocHandle(path, file)
	logging.WithContext(logging.WithOp(ctx, "create", path)).Debug("created",
		logging.Uint64("ino", n.Ino), logging.Uint64("fh", fh))
	return fh, nil
}

// Read reads into buf from the scratch file at off. Fewer bytes than
// len(buf) are returned at end of file.
func (f *FS) Read(ctx context.Context, path string, buf []byte, off int64, fh uint64) (int, error) {
	h, err := f.getHandle(fh)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	n, err := h.file.ReadAt(buf, off)
	h.mu.Unlock()

	if err != nil && err != io.EOF {
		return n, models.NewLocalIOError("read", h.file.Name(), err)
	}
	return n, nil
}

// Write writes data to the scratch file at off and queues the file for
// write-back, once per call.
func (f *FS) Write(ctx context.Context, path string, data []byte, off int64, fh uint64) (int, error) {
	h, err := f.getHandle(fh)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	n, err := h.file.WriteAt(data, off)
	h.mu.Unlock()

	if err != nil {
		return n, models.NewLocalIOError("write", h.file.Name(), err)
	}

	if err := f.tree.MarkDirty(h.path, off+int64(n)); err != nil {
		// Unlinked while open: the bytes stay local.
		logging.WithContext(logging.WithOp(ctx, "write", h.path)).Debug("write to removed node", logging.Err(err))
	}
	return n, nil
}

// Truncate resizes the file at path and queues it for write-back. With a
// valid handle the open scratch file is resized; otherwise the object is
// fetched first if there is no local copy.
func (f *FS) Truncate(ctx context.Context, path string, size int64, fh uint64) error {
	n, err := f.resolve(ctx, path)
	if err != nil {
		return err
	}
	if n.IsDir() {
		return models.ErrIsDir
	}

	if h, herr := f.getHandle(fh); herr == nil {
		h.mu.Lock()
		err = h.file.Truncate(size)
		h.mu.Unlock()
		if err != nil {
			return models.NewLocalIOError("truncate", h.file.Name(), err)
		}
	} else {
		if size > 0 && !f.cache.Exists(n) {
			if _, err := f.cache.Fetch(ctx, n); err != nil && !errors.Is(err, storage.ErrNoSuchKey) {
				return err
			}
		}
		if err := f.cache.Truncate(f.cache.CachePath(n), size); err != nil {
			return err
		}
	}

	if err := f.tree.SetSize(path, size); err != nil {
		return err
	}
	return f.tree.MarkDirty(path, size)
}

// Mkdir makes an empty directory at path. Nothing is written to the
// object store until a file is created below it.
func (f *FS) Mkdir(ctx context.Context, path string) error {
	_, err := f.tree.Mkdir(path)
	return err
}

// Unlink deletes the object behind path and drops its node.
func (f *FS) Unlink(ctx context.Context, path string) error {
	n, ok := f.tree.Lookup(path)
	if !ok {
		return models.ErrNotFound
	}
	if n.IsDir() {
		return models.ErrIsDir
	}
	if err := f.cache.Remove(ctx, n); err != nil {
		return err
	}
	f.tree.Delete(path)
	return nil
}

// Rmdir removes an empty directory and its "name/" marker object.
func (f *FS) Rmdir(ctx context.Context, path string) error {
	n, ok := f.tree.Lookup(path)
	if !ok {
		return models.ErrNotFound
	}
	if !n.IsDir() {
		return models.ErrNotDir
	}
	if path == models.RootPath {
		return models.ErrNotEmpty
	}
	if err := f.tree.Refresh(ctx, path, true); err != nil {
		return err
	}
	if f.tree.HasChildren(path) {
		return models.ErrNotEmpty
	}
	if err := f.cache.Remove(ctx, n); err != nil {
		return err
	}
	f.tree.Delete(path)
	return nil
}

// Utimens sets the modification time of path. A path that is still
// unknown after one refresh is silently ignored.
func (f *FS) Utimens(ctx context.Context, path string, mtime int64) error {
	if f.tree.SetMtime(path, mtime) {
		return nil
	}
	if err := f.tree.Refresh(ctx, path, false); err != nil {
		logging.WithContext(logging.WithOp(ctx, "utimens", path)).Debug("refresh failed", logging.Err(err))
		return nil
	}
	f.tree.SetMtime(path, mtime)
	return nil
}

// Release closes the handle and writes back the first queued entry for
// the file.
func (f *FS) Release(ctx context.Context, path string, fh uint64) error {
	if h := f.freeHandle(fh); h != nil {
		h.mu.Lock()
		err := h.file.Close()
		h.mu.Unlock()
		if err != nil {
			logging.WithContext(logging.WithOp(ctx, "release", h.path)).Warn("close scratch file", logging.Err(err))
		}
		path = h.path
	}
	return f.tree.Flush(ctx, path)
}

// Fsync writes back the first queued entry for path.
func (f *FS) Fsync(ctx context.Context, path string) error {
	return f.tree.Flush(ctx, path)
}

// Statfs reports fixed capacity figures; the bucket has no quota.
func (f *FS) Statfs() StatfsInfo {
	const blocks = 1 << 40 / BlockSize
	return StatfsInfo{
		Bsize:   BlockSize,
		Frsize:  BlockSize,
		Blocks:  blocks,
		Bfree:   blocks,
		Bavail:  blocks,
		Files:   1 << 30,
		Ffree:   1 << 30,
		Namemax: 1024,
	}
}

// FlushAll writes back every queued file.
func (f *FS) FlushAll(ctx context.Context) error {
	return f.tree.FlushAll(ctx)
}

// Shutdown closes every open handle and writes back the whole queue.
func (f *FS) Shutdown(ctx context.Context) error {
	f.closeAll()
	return f.tree.FlushAll(ctx)
}
