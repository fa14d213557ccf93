package mount

import (
	"context"
	"errors"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/fruitsalade/bucketfs/internal/logging"
	"github.com/fruitsalade/bucketfs/internal/metrics"
	"github.com/fruitsalade/bucketfs/internal/models"
)

// errnoOf maps a handler error onto the errno reported to the kernel.
// Object-store and scratch-file failures, and anything unrecognised,
// become EIO.
func errnoOf(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, models.ErrNotFound):
		return unix.ENOENT
	case errors.Is(err, models.ErrExists):
		return unix.EEXIST
	case errors.Is(err, models.ErrNotEmpty):
		return unix.ENOTEMPTY
	case errors.Is(err, models.ErrNotDir):
		return unix.ENOTDIR
	case errors.Is(err, models.ErrIsDir):
		return unix.EISDIR
	default:
		return unix.EIO
	}
}

// kindOf names the error class for metrics.
func kindOf(err error) string {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrObjectStore):
		return "object_store"
	case errors.Is(err, models.ErrLocalIO):
		return "local_io"
	case errors.Is(err, models.ErrBadHandle):
		return "bad_handle"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

// fail records a failed operation and returns its errno. Lookups of
// missing names are routine and only counted.
func fail(ctx context.Context, op, path string, err error) syscall.Errno {
	errno := errnoOf(err)
	kind := kindOf(err)
	metrics.RecordHandlerError(op, kind)

	log := logging.WithContext(logging.WithOp(ctx, op, path))
	switch errno {
	case unix.EIO:
		log.Error("operation failed", logging.String("kind", kind), logging.Err(err))
	case unix.ENOENT:
	default:
		log.Debug("operation rejected", logging.String("errno", errno.Error()), logging.Err(err))
	}
	return errno
}
