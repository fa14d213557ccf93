// Package mount attaches the filesystem to the kernel through one of two
// FUSE libraries.
package mount

import (
	"context"
	"fmt"

	"github.com/fruitsalade/bucketfs/internal/vfs"
)

// Backend is the interface that the cgofuse and go-fuse backends implement.
type Backend interface {
	// Start mounts fs. It blocks until ctx is cancelled or the filesystem
	// is unmounted from outside.
	Start(ctx context.Context, fs *vfs.FS) error

	// Stop unmounts the filesystem.
	Stop() error

	// Name returns a human-readable name for the backend.
	Name() string
}

// Options are the mount settings shared by all backends.
type Options struct {
	Mountpoint string
	FsName     string
	Debug      bool
}

// New returns the backend selected by mode: "cgofuse" or "gofuse".
func New(mode string, opts Options) (Backend, error) {
	if opts.FsName == "" {
		opts.FsName = "bucketfs"
	}
	switch mode {
	case "cgofuse", "":
		return NewCgoFuse(opts), nil
	case "gofuse":
		return NewGoFuse(opts), nil
	default:
		return nil, fmt.Errorf("unknown mount mode %q (want cgofuse or gofuse)", mode)
	}
}
