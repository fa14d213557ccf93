package mount

import (
	"context"
	"fmt"
	"os"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/fruitsalade/bucketfs/internal/logging"
	"github.com/fruitsalade/bucketfs/internal/vfs"
)

// CgoFuse implements Backend with cgofuse's path-based interface: every
// callback receives the absolute path and is forwarded to vfs.FS.
type CgoFuse struct {
	fuse.FileSystemBase

	opts Options
	fs   *vfs.FS
	host *fuse.FileSystemHost
	ctx  context.Context
}

// NewCgoFuse creates a cgofuse backend.
func NewCgoFuse(opts Options) *CgoFuse {
	return &CgoFuse{opts: opts, ctx: context.Background()}
}

func (b *CgoFuse) Name() string {
	return "cgofuse"
}

func (b *CgoFuse) Start(ctx context.Context, fs *vfs.FS) error {
	b.fs = fs
	b.ctx = ctx

	if err := os.MkdirAll(b.opts.Mountpoint, 0o755); err != nil {
		return fmt.Errorf("create mountpoint: %w", err)
	}

	b.host = fuse.NewFileSystemHost(b)
	b.host.SetCapReaddirPlus(false)

	args := []string{"-o", "fsname=" + b.opts.FsName}
	if b.opts.Debug {
		args = append(args, "-d")
	}

	logging.Info("mounting", logging.String("backend", b.Name()), logging.String("mountpoint", b.opts.Mountpoint))

	// host.Mount blocks until unmounted.
	errCh := make(chan error, 1)
	go func() {
		if ok := b.host.Mount(b.opts.Mountpoint, args); !ok {
			errCh <- fmt.Errorf("cgofuse mount at %s failed", b.opts.Mountpoint)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		b.host.Unmount()
		<-errCh
		return ctx.Err()
	}
}

func (b *CgoFuse) Stop() error {
	if b.host != nil {
		b.host.Unmount()
	}
	return nil
}

func fillStat(a vfs.Attr, st *fuse.Stat_t) {
	st.Ino = a.Ino
	st.Mode = a.Mode
	st.Nlink = a.Nlink
	st.Uid = a.Uid
	st.Gid = a.Gid
	st.Size = a.Size
	st.Blksize = a.Blksize
	st.Blocks = a.Blocks
	mt := fuse.Timespec{Sec: a.Mtime}
	st.Mtim = mt
	st.Atim = mt
	st.Ctim = mt
	st.Birthtim = mt
}

// --- fuse.FileSystemInterface implementation ---

func (b *CgoFuse) Init() {
	logging.Debug("cgofuse: init")
}

func (b *CgoFuse) Destroy() {
	logging.Debug("cgofuse: destroy")
}

func (b *CgoFuse) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	a, err := b.fs.Getattr(b.ctx, path)
	if err != nil {
		return -int(fail(b.ctx, "getattr", path, err))
	}
	fillStat(a, stat)
	return 0
}

func (b *CgoFuse) Opendir(path string) (int, uint64) {
	a, err := b.fs.Getattr(b.ctx, path)
	if err != nil {
		return -int(fail(b.ctx, "opendir", path, err)), ^uint64(0)
	}
	if !a.IsDir() {
		return -fuse.ENOTDIR, ^uint64(0)
	}
	return 0, 0
}

func (b *CgoFuse) Releasedir(path string, fh uint64) int {
	return 0
}

func (b *CgoFuse) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	entries, err := b.fs.Readdir(b.ctx, path)
	if err != nil {
		return -int(fail(b.ctx, "readdir", path, err))
	}

	fill(".", nil, 0)
	fill("..", nil, 0)
	for _, e := range entries {
		var st fuse.Stat_t
		fillStat(e.Attr, &st)
		if !fill(e.Name, &st, 0) {
			break
		}
	}
	return 0
}

func (b *CgoFuse) Open(path string, flags int) (int, uint64) {
	fh, err := b.fs.Open(b.ctx, path, flags)
	if err != nil {
		return -int(fail(b.ctx, "open", path, err)), ^uint64(0)
	}
	return 0, fh
}

func (b *CgoFuse) Create(path string, flags int, mode uint32) (int, uint64) {
	fh, err := b.fs.Create(b.ctx, path)
	if err != nil {
		return -int(fail(b.ctx, "create", path, err)), ^uint64(0)
	}
	return 0, fh
}

func (b *CgoFuse) Read(path string, buff []byte, ofst int64, fh uint64) int {
	n, err := b.fs.Read(b.ctx, path, buff, ofst, fh)
	if err != nil {
		return -int(fail(b.ctx, "read", path, err))
	}
	return n
}

func (b *CgoFuse) Write(path string, buff []byte, ofst int64, fh uint64) int {
	n, err := b.fs.Write(b.ctx, path, buff, ofst, fh)
	if err != nil {
		return -int(fail(b.ctx, "write", path, err))
	}
	return n
}

func (b *CgoFuse) Truncate(path string, size int64, fh uint64) int {
	if err := b.fs.Truncate(b.ctx, path, size, fh); err != nil {
		return -int(fail(b.ctx, "truncate", path, err))
	}
	return 0
}

func (b *CgoFuse) Flush(path string, fh uint64) int {
	return 0
}

func (b *CgoFuse) Release(path string, fh uint64) int {
	if err := b.fs.Release(b.ctx, path, fh); err != nil {
		return -int(fail(b.ctx, "release", path, err))
	}
	return 0
}

func (b *CgoFuse) Fsync(path string, datasync bool, fh uint64) int {
	if err := b.fs.Fsync(b.ctx, path); err != nil {
		return -int(fail(b.ctx, "fsync", path, err))
	}
	return 0
}

func (b *CgoFuse) Fsyncdir(path string, datasync bool, fh uint64) int {
	return 0
}

func (b *CgoFuse) Mkdir(path string, mode uint32) int {
	if err := b.fs.Mkdir(b.ctx, path); err != nil {
		return -int(fail(b.ctx, "mkdir", path, err))
	}
	return 0
}

func (b *CgoFuse) Unlink(path string) int {
	if err := b.fs.Unlink(b.ctx, path); err != nil {
		return -int(fail(b.ctx, "unlink", path, err))
	}
	return 0
}

func (b *CgoFuse) Rmdir(path string) int {
	if err := b.fs.Rmdir(b.ctx, path); err != nil {
		return -int(fail(b.ctx, "rmdir", path, err))
	}
	return 0
}

// Utimens takes [atime, mtime]; a nil slice means "now".
func (b *CgoFuse) Utimens(path string, tmsp []fuse.Timespec) int {
	mtime := fuse.Now().Sec
	if len(tmsp) >= 2 {
		mtime = tmsp[1].Sec
	}
	if err := b.fs.Utimens(b.ctx, path, mtime); err != nil {
		return -int(fail(b.ctx, "utimens", path, err))
	}
	return 0
}

func (b *CgoFuse) Statfs(path string, stat *fuse.Statfs_t) int {
	s := b.fs.Statfs()
	stat.Bsize = s.Bsize
	stat.Frsize = s.Frsize
	stat.Blocks = s.Blocks
	stat.Bfree = s.Bfree
	stat.Bavail = s.Bavail
	stat.Files = s.Files
	stat.Ffree = s.Ffree
	stat.Favail = s.Ffree
	stat.Namemax = s.Namemax
	return 0
}

func (b *CgoFuse) Access(path string, mask uint32) int {
	return 0
}

func (b *CgoFuse) Chmod(path string, mode uint32) int {
	return 0 // no-op
}

func (b *CgoFuse) Chown(path string, uid uint32, gid uint32) int {
	return 0 // no-op
}

func (b *CgoFuse) Setxattr(path string, name string, value []byte, flags int) int {
	return 0
}

func (b *CgoFuse) Getxattr(path string, name string) (int, []byte) {
	return 0, nil
}

func (b *CgoFuse) Removexattr(path string, name string) int {
	return 0
}

func (b *CgoFuse) Listxattr(path string, fill func(name string) bool) int {
	return 0
}
