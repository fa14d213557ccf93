package vfs

import (
	"sync"

	"github.com/spf13/afero"

	"github.com/fruitsalade/bucketfs/internal/models"
)

// handle is one open scratch file.
type handle struct {
	path string
	file afero.File
	mu   sync.Mutex
}

func (f *FS) allocHandle(path string, file afero.File) uint64 {
	fh := f.nextFh.Add(1)
	f.mu.Lock()
	f.handles[fh] = &handle{path: path, file: file}
	f.mu.Unlock()
	return fh
}

func (f *FS) getHandle(fh uint64) (*handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[fh]
	if !ok {
		return nil, models.ErrBadHandle
	}
	return h, nil
}

func (f *FS) freeHandle(fh uint64) *handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.handles[fh]
	delete(f.handles, fh)
	return h
}

// isOpen reports whether any handle refers to path.
func (f *FS) isOpen(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.handles {
		if h.path == path {
			return true
		}
	}
	return false
}

// OpenHandles returns the number of open handles.
func (f *FS) OpenHandles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

func (f *FS) closeAll() {
	f.mu.Lock()
	handles := f.handles
	f.handles = make(map[uint64]*handle)
	f.mu.Unlock()

	for _, h := range handles {
		h.mu.Lock()
		h.file.Close()
		h.mu.Unlock()
	}
}
