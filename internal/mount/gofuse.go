package mount

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/fruitsalade/bucketfs/internal/logging"
	"github.com/fruitsalade/bucketfs/internal/models"
	"github.com/fruitsalade/bucketfs/internal/vfs"
)

// attrTimeout bounds how long the kernel caches attributes and entries.
const attrTimeout = time.Second

// GoFuse implements Backend with go-fuse's inode API. Each node derives
// its absolute path from its position in the inode tree and forwards the
// call to vfs.FS.
type GoFuse struct {
	opts   Options
	server *gofuse.Server
}

// NewGoFuse creates a go-fuse backend.
func NewGoFuse(opts Options) *GoFuse {
	return &GoFuse{opts: opts}
}

func (b *GoFuse) Name() string {
	return "gofuse"
}

func (b *GoFuse) Start(ctx context.Context, vfsys *vfs.FS) error {
	if err := os.MkdirAll(b.opts.Mountpoint, 0o755); err != nil {
		return fmt.Errorf("create mountpoint: %w", err)
	}

	root := &goFuseNode{vfs: vfsys}
	timeout := attrTimeout
	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			Debug:  b.opts.Debug,
			FsName: b.opts.FsName,
			Name:   "bucketfs",
		},
		AttrTimeout:  &timeout,
		EntryTimeout: &timeout,
	}

	server, err := fs.Mount(b.opts.Mountpoint, root, opts)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	b.server = server
	logging.Info("mounting", logging.String("backend", b.Name()), logging.String("mountpoint", b.opts.Mountpoint))

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if err := server.Unmount(); err != nil {
			logging.Warn("unmount failed", logging.Err(err))
		}
		<-done
		return ctx.Err()
	}
}

func (b *GoFuse) Stop() error {
	if b.server == nil {
		return nil
	}
	return b.server.Unmount()
}

type goFuseNode struct {
	fs.Inode
	vfs *vfs.FS
}

var _ fs.InodeEmbedder = (*goFuseNode)(nil)
var _ fs.NodeGetattrer = (*goFuseNode)(nil)
var _ fs.NodeLookuper = (*goFuseNode)(nil)
var _ fs.NodeReaddirer = (*goFuseNode)(nil)
var _ fs.NodeOpener = (*goFuseNode)(nil)
var _ fs.NodeCreater = (*goFuseNode)(nil)
var _ fs.NodeMkdirer = (*goFuseNode)(nil)
var _ fs.NodeUnlinker = (*goFuseNode)(nil)
var _ fs.NodeRmdirer = (*goFuseNode)(nil)
var _ fs.NodeSetattrer = (*goFuseNode)(nil)
var _ fs.NodeStatfser = (*goFuseNode)(nil)
var _ fs.NodeFsyncer = (*goFuseNode)(nil)
var _ fs.NodeGetxattrer = (*goFuseNode)(nil)
var _ fs.NodeSetxattrer = (*goFuseNode)(nil)
var _ fs.NodeRemovexattrer = (*goFuseNode)(nil)
var _ fs.NodeListxattrer = (*goFuseNode)(nil)

func (n *goFuseNode) path() string {
	return models.RootPath + n.Path(nil)
}

func (n *goFuseNode) childPath(name string) string {
	return models.BuildChildPath(n.path(), name)
}

func fillAttr(a vfs.Attr, out *gofuse.Attr) {
	out.Ino = a.Ino
	out.Mode = a.Mode
	out.Nlink = a.Nlink
	out.Uid = a.Uid
	out.Gid = a.Gid
	out.Size = uint64(a.Size)
	out.Blocks = uint64(a.Blocks)
	out.Blksize = uint32(a.Blksize)
	out.Mtime = uint64(a.Mtime)
	out.Atime = out.Mtime
	out.Ctime = out.Mtime
}

func (n *goFuseNode) newChild(ctx context.Context, a vfs.Attr) *fs.Inode {
	child := &goFuseNode{vfs: n.vfs}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: a.Mode & unix.S_IFMT, Ino: a.Ino})
}

func (n *goFuseNode) entry(ctx context.Context, path string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	a, err := n.vfs.Getattr(ctx, path)
	if err != nil {
		return nil, fail(ctx, "lookup", path, err)
	}
	fillAttr(a, &out.Attr)
	out.SetEntryTimeout(attrTimeout)
	out.SetAttrTimeout(attrTimeout)
	return n.newChild(ctx, a), 0
}

func (n *goFuseNode) Getattr(ctx context.Context, f fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	path := n.path()
	a, err := n.vfs.Getattr(ctx, path)
	if err != nil {
		return fail(ctx, "getattr", path, err)
	}
	fillAttr(a, &out.Attr)
	out.SetTimeout(attrTimeout)
	return 0
}

func (n *goFuseNode) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return n.entry(ctx, n.childPath(name), out)
}

func (n *goFuseNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	path := n.path()
	entries, err := n.vfs.Readdir(ctx, path)
	if err != nil {
		return nil, fail(ctx, "readdir", path, err)
	}

	list := make([]gofuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		list = append(list, gofuse.DirEntry{
			Name: e.Name,
			Mode: e.Attr.Mode & unix.S_IFMT,
			Ino:  e.Attr.Ino,
		})
	}
	return fs.NewListDirStream(list), 0
}

func (n *goFuseNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	path := n.path()
	fh, err := n.vfs.Open(ctx, path, int(flags))
	if err != nil {
		return nil, 0, fail(ctx, "open", path, err)
	}
	return &goFuseHandle{vfs: n.vfs, path: path, fh: fh}, 0, 0
}

func (n *goFuseNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	path := n.childPath(name)
	fh, err := n.vfs.Create(ctx, path)
	if err != nil {
		return nil, nil, 0, fail(ctx, "create", path, err)
	}

	inode, errno := n.entry(ctx, path, out)
	if errno != 0 {
		n.vfs.Release(ctx, path, fh)
		return nil, nil, 0, errno
	}
	return inode, &goFuseHandle{vfs: n.vfs, path: path, fh: fh}, 0, 0
}

func (n *goFuseNode) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	path := n.childPath(name)
	if err := n.vfs.Mkdir(ctx, path); err != nil {
		return nil, fail(ctx, "mkdir", path, err)
	}
	return n.entry(ctx, path, out)
}

func (n *goFuseNode) Unlink(ctx context.Context, name string) syscall.Errno {
	path := n.childPath(name)
	if err := n.vfs.Unlink(ctx, path); err != nil {
		return fail(ctx, "unlink", path, err)
	}
	return 0
}

func (n *goFuseNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	path := n.childPath(name)
	if err := n.vfs.Rmdir(ctx, path); err != nil {
		return fail(ctx, "rmdir", path, err)
	}
	return 0
}

// Setattr handles truncation and mtime changes; mode and owner changes
// are accepted and ignored.
func (n *goFuseNode) Setattr(ctx context.Context, f fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	path := n.path()

	if size, ok := in.GetSize(); ok {
		fh := ^uint64(0)
		if h, ok := f.(*goFuseHandle); ok {
			fh = h.fh
		}
		if err := n.vfs.Truncate(ctx, path, int64(size), fh); err != nil {
			return fail(ctx, "truncate", path, err)
		}
	}

	if mtime, ok := in.GetMTime(); ok {
		if err := n.vfs.Utimens(ctx, path, mtime.Unix()); err != nil {
			return fail(ctx, "utimens", path, err)
		}
	}

	return n.Getattr(ctx, f, out)
}

func (n *goFuseNode) Statfs(ctx context.Context, out *gofuse.StatfsOut) syscall.Errno {
	s := n.vfs.Statfs()
	out.Bsize = uint32(s.Bsize)
	out.Frsize = uint32(s.Frsize)
	out.Blocks = s.Blocks
	out.Bfree = s.Bfree
	out.Bavail = s.Bavail
	out.Files = s.Files
	out.Ffree = s.Ffree
	out.NameLen = uint32(s.Namemax)
	return 0
}

func (n *goFuseNode) Fsync(ctx context.Context, f fs.FileHandle, flags uint32) syscall.Errno {
	path := n.path()
	if err := n.vfs.Fsync(ctx, path); err != nil {
		return fail(ctx, "fsync", path, err)
	}
	return 0
}

func (n *goFuseNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	return 0, 0
}

func (n *goFuseNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return 0
}

func (n *goFuseNode) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return 0
}

func (n *goFuseNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	return 0, 0
}

// goFuseHandle is an open file: the vfs handle plus the path it was
// opened under.
type goFuseHandle struct {
	vfs  *vfs.FS
	path string
	fh   uint64
}

var _ fs.FileHandle = (*goFuseHandle)(nil)
var _ fs.FileReader = (*goFuseHandle)(nil)
var _ fs.FileWriter = (*goFuseHandle)(nil)
var _ fs.FileFlusher = (*goFuseHandle)(nil)
var _ fs.FileReleaser = (*goFuseHandle)(nil)

func (h *goFuseHandle) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	n, err := h.vfs.Read(ctx, h.path, dest, off, h.fh)
	if err != nil {
		return nil, fail(ctx, "read", h.path, err)
	}
	return gofuse.ReadResultData(dest[:n]), 0
}

func (h *goFuseHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.vfs.Write(ctx, h.path, data, off, h.fh)
	if err != nil {
		return 0, fail(ctx, "write", h.path, err)
	}
	return uint32(n), 0
}

func (h *goFuseHandle) Flush(ctx context.Context) syscall.Errno {
	return 0
}

func (h *goFuseHandle) Release(ctx context.Context) syscall.Errno {
	if err := h.vfs.Release(ctx, h.path, h.fh); err != nil {
		return fail(ctx, "release", h.path, err)
	}
	return 0
}
