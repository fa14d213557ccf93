package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no node exists at the requested path, even after a
	// refresh from the object store.
	ErrNotFound = errors.New("no such entry")

	// ErrObjectStore marks failures of list, get, put or delete.
	ErrObjectStore = errors.New("object store error")

	// ErrLocalIO marks failures reading or writing a local cache file.
	ErrLocalIO = errors.New("local cache i/o error")

	ErrExists    = errors.New("entry exists")
	ErrNotDir    = errors.New("not a directory")
	ErrIsDir     = errors.New("is a directory")
	ErrNotEmpty  = errors.New("directory not empty")
	ErrBadHandle = errors.New("unknown file handle")
)

// ObjectStoreError wraps a failed object-store call.
type ObjectStoreError struct {
	Op  string
	Key string
	Err error
}

func (e *ObjectStoreError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Key, e.Err)
}

func (e *ObjectStoreError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrObjectStore) hold for every ObjectStoreError.
func (e *ObjectStoreError) Is(target error) bool {
	return target == ErrObjectStore
}

// NewObjectStoreError wraps err unless it already is an ObjectStoreError.
func NewObjectStoreError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var ose *ObjectStoreError
	if errors.As(err, &ose) {
		return err
	}
	return &ObjectStoreError{Op: op, Key: key, Err: err}
}

// LocalIOError wraps a failed operation on a local cache file.
type LocalIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *LocalIOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *LocalIOError) Unwrap() error {
	return e.Err
}

func (e *LocalIOError) Is(target error) bool {
	return target == ErrLocalIO
}

// NewLocalIOError wraps err as a LocalIOError.
func NewLocalIOError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &LocalIOError{Op: op, Path: path, Err: err}
}
