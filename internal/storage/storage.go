// Package storage defines the object-store contract consumed by the
// filesystem and an instrumenting wrapper around it.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/fruitsalade/bucketfs/internal/logging"
	"github.com/fruitsalade/bucketfs/internal/metrics"
)

// ErrNoSuchKey is wrapped by Get when the key does not exist.
var ErrNoSuchKey = errors.New("no such key")

// Entry is one object returned by a listing.
type Entry struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Listing is the result of a delimited prefix listing: CommonPrefixes
// hold one level of "subdirectories" (each ending with the delimiter),
// Entries the objects directly under the prefix.
type Listing struct {
	CommonPrefixes []string
	Entries        []Entry
}

// ObjectStore is the interface for object storage backends.
// Implementations return models.ObjectStoreError for failed calls.
type ObjectStore interface {
	// List returns the common prefixes and objects directly under prefix.
	List(ctx context.Context, prefix, delimiter string) (*Listing, error)

	// Get writes the whole object to dst. Missing keys wrap ErrNoSuchKey.
	Get(ctx context.Context, key string, dst io.Writer) (int64, error)

	// Put uploads size bytes read from body under key.
	Put(ctx context.Context, key string, body io.Reader, size int64) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Type returns the backend type identifier ("s3", "local", "memory").
	Type() string
}

// Instrument wraps store so every call is timed, counted and logged.
func Instrument(store ObjectStore) ObjectStore {
	return &instrumentedStore{store: store}
}

type instrumentedStore struct {
	store ObjectStore
}

func (i *instrumentedStore) observe(ctx context.Context, op, key string, start time.Time, err error) {
	d := time.Since(start)
	metrics.RecordStoreOperation(op, d, err == nil)
	log := logging.WithContext(ctx)
	if err != nil {
		log.Warn("object store call failed",
			logging.String("store_op", op),
			logging.String("key", key),
			logging.Duration("duration", d),
			logging.Err(err))
		return
	}
	log.Debug("object store call",
		logging.String("store_op", op),
		logging.String("key", key),
		logging.Duration("duration", d))
}

func (i *instrumentedStore) List(ctx context.Context, prefix, delimiter string) (*Listing, error) {
	start := time.Now()
	listing, err := i.store.List(ctx, prefix, delimiter)
	i.observe(ctx, "list", prefix, start, err)
	return listing, err
}

func (i *instrumentedStore) Get(ctx context.Context, key string, dst io.Writer) (int64, error) {
	start := time.Now()
	n, err := i.store.Get(ctx, key, dst)
	i.observe(ctx, "get", key, start, err)
	return n, err
}

func (i *instrumentedStore) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()
	err := i.store.Put(ctx, key, body, size)
	i.observe(ctx, "put", key, start, err)
	return err
}

func (i *instrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := i.store.Delete(ctx, key)
	i.observe(ctx, "delete", key, start, err)
	return err
}

func (i *instrumentedStore) Type() string {
	return i.store.Type()
}
