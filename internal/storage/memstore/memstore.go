// Package memstore is an in-memory object store. It backs the "memory"
// backend and records every call so tests can assert on traffic.
package memstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/fruitsalade/bucketfs/internal/models"
	"github.com/fruitsalade/bucketfs/internal/storage"
)

// Call is one recorded store invocation.
type Call struct {
	Op  string
	Key string
}

type object struct {
	data  []byte
	mtime time.Time
}

// Store implements storage.ObjectStore in memory.
type Store struct {
	mu      sync.Mutex
	objects map[string]object
	calls   []Call
	fail    map[string]error
	now     func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		objects: make(map[string]object),
		fail:    make(map[string]error),
		now:     time.Now,
	}
}

// Seed stores an object without recording a call.
func (s *Store) Seed(key string, data []byte, mtime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = object{data: append([]byte(nil), data...), mtime: mtime}
}

// Object returns a copy of the stored bytes for key.
func (s *Store) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// FailNext makes the next call of op return err.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = err
}

// Calls returns the recorded calls in order.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CountOp returns how many calls of op were recorded.
func (s *Store) CountOp(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// record logs the call and returns an injected failure, if any.
// Callers hold s.mu.
func (s *Store) record(op, key string) error {
	s.calls = append(s.calls, Call{Op: op, Key: key})
	if err, ok := s.fail[op]; ok {
		delete(s.fail, op)
		return models.NewObjectStoreError(op, key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix, delimiter string) (*storage.Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.NewObjectStoreError("list", prefix, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("list", prefix); err != nil {
		return nil, err
	}

	objects := make([]storage.Entry, 0, len(s.objects))
	for key, obj := range s.objects {
		objects = append(objects, storage.Entry{
			Key:          key,
			Size:         int64(len(obj.data)),
			LastModified: obj.mtime,
		})
	}
	return storage.ListKeys(objects, prefix, delimiter), nil
}

func (s *Store) Get(ctx context.Context, key string, dst io.Writer) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, models.NewObjectStoreError("get", key, err)
	}
	s.mu.Lock()
	if err := s.record("get", key); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	obj, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return 0, models.NewObjectStoreError("get", key, storage.ErrNoSuchKey)
	}

	n, err := io.Copy(dst, bytes.NewReader(obj.data))
	if err != nil {
		return n, models.NewObjectStoreError("get", key, err)
	}
	return n, nil
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return models.NewObjectStoreError("put", key, err)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return models.NewObjectStoreError("put", key, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return models.NewObjectStoreError("put", key, errors.New("body length does not match size"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("put", key); err != nil {
		return err
	}
	s.objects[key] = object{data: data, mtime: s.now()}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return models.NewObjectStoreError("delete", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("delete", key); err != nil {
		return err
	}
	delete(s.objects, key)
	return nil
}

// Type returns "memory".
func (s *Store) Type() string {
	return "memory"
}
