// Package tree holds the in-memory path table of the mounted bucket, keeps
// it in step with the object store through TTL-bounded listings, and owns
// the dirty queue of files waiting to be written back.
package tree

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/fruitsalade/bucketfs/internal/cache"
	"github.com/fruitsalade/bucketfs/internal/logging"
	"github.com/fruitsalade/bucketfs/internal/metrics"
	"github.com/fruitsalade/bucketfs/internal/models"
	"github.com/fruitsalade/bucketfs/internal/storage"
)

// DefaultTTL is the minimum interval between two listings of one path.
const DefaultTTL = 6 * time.Second

// Option configures a Tree.
type Option func(*Tree)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(t *Tree) {
		t.ttl = ttl
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tree) {
		t.now = now
	}
}

// Tree is the path table plus the dirty queue. All state is guarded by mu,
// which is never held across object-store or scratch-file I/O.
type Tree struct {
	store storage.ObjectStore
	cache *cache.Mapper
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	nodes    map[string]*models.Node
	dirty    []*models.Node
	inflight map[*models.Node]int // write-backs taken off the queue, not finished
}

// New returns a Tree holding only the root directory.
func New(store storage.ObjectStore, mapper *cache.Mapper, opts ...Option) *Tree {
	t := &Tree{
		store: store,
		cache: mapper,
		ttl:   DefaultTTL,
		now:   time.Now,
		nodes:    make(map[string]*models.Node),
		inflight: make(map[*models.Node]int),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.nodes[models.RootPath] = models.NewRoot(t.now())
	metrics.SetTreeNodes(len(t.nodes))
	return t
}

// Now returns the tree's clock reading.
func (t *Tree) Now() time.Time {
	return t.now()
}

// Cache returns the mapper used for write-back.
func (t *Tree) Cache() *cache.Mapper {
	return t.cache
}

// Lookup returns a copy of the node at path.
func (t *Tree) Lookup(path string) (models.Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[path]
	if !ok {
		return models.Node{}, false
	}
	return *n, true
}

// Len returns the number of nodes in the table.
func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}

// Children returns copies of the nodes whose parent is path, by name.
func (t *Tree) Children(path string) []models.Node {
	t.mu.Lock()
	var children []models.Node
	for p, n := range t.nodes {
		if p != models.RootPath && n.Parent == path {
			children = append(children, *n)
		}
	}
	t.mu.Unlock()

	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	return children
}

// HasChildren reports whether any node lists path as its parent.
func (t *Tree) HasChildren(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p, n := range t.nodes {
		if p != models.RootPath && n.Parent == path {
			return true
		}
	}
	return false
}

// listingPrefix derives the object-store prefix for path.
func listingPrefix(path string, isDir bool) string {
	prefix := strings.TrimPrefix(path, models.Separator)
	if prefix == "" {
		return ""
	}
	if isDir && !strings.HasSuffix(prefix, models.Separator) {
		prefix += models.Separator
	}
	return prefix
}

// Refresh lists path from the object store unless it was listed less than
// the TTL ago. Listed subdirectories and objects are inserted or updated
// under path; nodes missing from the listing are kept.
//
// For a directory the listing covers its children, and a non-empty listing
// creates the directory and any missing ancestors so that every node has
// a parent. For a non-directory only an exact key match counts, and it
// updates the node at path itself.
func (t *Tree) Refresh(ctx context.Context, path string, isDir bool) error {
	t.mu.Lock()
	if n, ok := t.nodes[path]; ok && t.now().Sub(n.RefreshAt) < t.ttl {
		t.mu.Unlock()
		metrics.RecordRefresh(true)
		return nil
	}
	t.mu.Unlock()

	prefix := listingPrefix(path, isDir)
	listing, err := t.store.List(ctx, prefix, models.Separator)
	if err != nil {
		return models.NewObjectStoreError("list", prefix, err)
	}
	metrics.RecordRefresh(false)

	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	parent, name := models.SplitPath(path)
	if isDir && (len(listing.CommonPrefixes) > 0 || len(listing.Entries) > 0) {
		t.ensureDirLocked(path)
	}
	for _, cp := range listing.CommonPrefixes {
		rel := strings.TrimSuffix(strings.TrimPrefix(cp, prefix), models.Separator)
		switch {
		case isDir && rel != "":
			t.upsertLocked(path, rel, models.KindDirectory, 0, 0)
		case !isDir && rel == "" && name != "":
			t.ensureDirLocked(parent)
			t.upsertLocked(parent, name, models.KindDirectory, 0, 0)
		}
	}
	for _, e := range listing.Entries {
		rel := strings.TrimPrefix(e.Key, prefix)
		mtime := e.LastModified.Unix()
		switch {
		case isDir && rel != "":
			t.upsertLocked(path, rel, models.KindFile, e.Size, mtime)
		case !isDir && rel == "" && name != "":
			t.ensureDirLocked(parent)
			t.upsertLocked(parent, name, models.KindFile, e.Size, mtime)
		}
	}

	if n, ok := t.nodes[path]; ok && now.After(n.RefreshAt) {
		n.RefreshAt = now
	}

	metrics.SetTreeNodes(len(t.nodes))
	logging.WithContext(ctx).Debug("refreshed",
		logging.String("prefix", prefix),
		logging.Int("prefixes", len(listing.CommonPrefixes)),
		logging.Int("entries", len(listing.Entries)))
	return nil
}

// ensureDirLocked inserts a directory at path, and at each missing
// ancestor, unless a node is already there. Callers hold t.mu.
func (t *Tree) ensureDirLocked(path string) {
	if _, ok := t.nodes[path]; ok || path == models.RootPath || path == "" {
		return
	}
	parent, name := models.SplitPath(path)
	t.ensureDirLocked(parent)
	t.upsertLocked(parent, name, models.KindDirectory, 0, 0)
}

// upsertLocked creates or updates the node parent/name from a listing.
// An existing node keeps its inode number and refresh stamp. A file with
// queued writes keeps its local size and mtime. Callers hold t.mu.
func (t *Tree) upsertLocked(parent, name string, kind models.Kind, size, mtime int64) {
	path := models.BuildChildPath(parent, name)
	existing, ok := t.nodes[path]

	if ok && existing.Kind == kind {
		if kind == models.KindFile {
			if t.busyLocked(existing) {
				return
			}
			existing.Size = size
			existing.Mtime = mtime
		}
		return
	}

	var n *models.Node
	if kind == models.KindDirectory {
		n = models.NewDirectory(parent, name, mtime)
		if mtime == 0 {
			n.Mtime = t.now().Unix()
		}
	} else {
		n = models.NewFile(parent, name, size, mtime, t.now())
	}
	if ok {
		n.Ino = existing.Ino
		if existing.RefreshAt.After(n.RefreshAt) {
			n.RefreshAt = existing.RefreshAt
		}
		t.dropDirtyLocked(existing)
	}
	t.nodes[path] = n
}

// Create inserts an empty file at path, or empties the file already there.
func (t *Tree) Create(path string) (models.Node, error) {
	parent, name := models.SplitPath(path)
	if name == "" {
		return models.Node{}, models.ErrIsDir
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkParentLocked(parent); err != nil {
		return models.Node{}, err
	}
	if existing, ok := t.nodes[path]; ok {
		if existing.IsDir() {
			return models.Node{}, models.ErrIsDir
		}
		existing.Size = 0
		existing.Mtime = now.Unix()
		return *existing, nil
	}

	n := models.NewFile(parent, name, 0, now.Unix(), now)
	t.nodes[path] = n
	metrics.SetTreeNodes(len(t.nodes))
	return *n, nil
}

// Mkdir inserts an empty directory at path.
func (t *Tree) Mkdir(path string) (models.Node, error) {
	parent, name := models.SplitPath(path)
	if name == "" {
		return models.Node{}, models.ErrExists
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkParentLocked(parent); err != nil {
		return models.Node{}, err
	}
	if _, ok := t.nodes[path]; ok {
		return models.Node{}, models.ErrExists
	}

	n := models.NewDirectory(parent, name, now.Unix())
	t.nodes[path] = n
	metrics.SetTreeNodes(len(t.nodes))
	return *n, nil
}

func (t *Tree) checkParentLocked(parent string) error {
	p, ok := t.nodes[parent]
	if !ok {
		return models.ErrNotFound
	}
	if !p.IsDir() {
		return models.ErrNotDir
	}
	return nil
}

// Delete drops the node at path together with its queued writes.
func (t *Tree) Delete(path string) {
	if path == models.RootPath {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[path]; ok {
		t.dropDirtyLocked(n)
		delete(t.nodes, path)
	}
	metrics.SetTreeNodes(len(t.nodes))
}

// SetMtime sets the modification time of path and reports whether a node
// was found.
func (t *Tree) SetMtime(path string, mtime int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[path]
	if ok {
		n.Mtime = mtime
	}
	return ok
}

// SetSize records a new local length for the file at path.
func (t *Tree) SetSize(path string, size int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[path]
	if !ok {
		return models.ErrNotFound
	}
	if n.IsDir() {
		return models.ErrIsDir
	}
	n.Size = size
	n.Mtime = t.now().Unix()
	return nil
}

// MarkDirty appends the node at path to the dirty queue. end is the offset
// just past the written bytes; the node grows to cover it.
func (t *Tree) MarkDirty(path string, end int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[path]
	if !ok {
		return models.ErrNotFound
	}
	if end > n.Size {
		n.Size = end
	}
	n.Mtime = t.now().Unix()
	t.dirty = append(t.dirty, n)
	metrics.SetDirtyQueueDepth(len(t.dirty))
	return nil
}

// IsDirty reports whether path has queued writes or a write-back in
// progress. Until it turns false the scratch file is newer than the object.
func (t *Tree) IsDirty(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[path]
	return ok && t.busyLocked(n)
}

// DirtyLen returns the dirty queue length.
func (t *Tree) DirtyLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dirty)
}

// DirtyPaths returns the queued paths, front first.
func (t *Tree) DirtyPaths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	paths := make([]string, 0, len(t.dirty))
	for _, n := range t.dirty {
		paths = append(paths, n.Path())
	}
	return paths
}

func (t *Tree) isDirtyLocked(n *models.Node) bool {
	for _, d := range t.dirty {
		if d == n {
			return true
		}
	}
	return false
}

func (t *Tree) busyLocked(n *models.Node) bool {
	return t.inflight[n] > 0 || t.isDirtyLocked(n)
}

// takeLocked removes entry i from the queue and marks its node in flight.
func (t *Tree) takeLocked(i int) *models.Node {
	n := t.dirty[i]
	copy(t.dirty[i:], t.dirty[i+1:])
	t.dirty[len(t.dirty)-1] = nil
	t.dirty = t.dirty[:len(t.dirty)-1]
	t.inflight[n]++
	metrics.SetDirtyQueueDepth(len(t.dirty))
	return n
}

// done ends the write-back of n, putting it back at the tail of the queue
// if it failed and the node is still in the table.
func (t *Tree) done(n *models.Node, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inflight[n]--; t.inflight[n] <= 0 {
		delete(t.inflight, n)
	}
	if failed && t.nodes[n.Path()] == n {
		t.dirty = append(t.dirty, n)
	}
	metrics.SetDirtyQueueDepth(len(t.dirty))
}

func (t *Tree) dropDirtyLocked(n *models.Node) {
	kept := t.dirty[:0]
	for _, d := range t.dirty {
		if d != n {
			kept = append(kept, d)
		}
	}
	for i := len(kept); i < len(t.dirty); i++ {
		t.dirty[i] = nil
	}
	t.dirty = kept
	metrics.SetDirtyQueueDepth(len(t.dirty))
}

// Flush writes back the first queued entry for path. A failed write-back
// puts the entry back at the tail of the queue and returns the error.
func (t *Tree) Flush(ctx context.Context, path string) error {
	t.mu.Lock()
	var n *models.Node
	for i, d := range t.dirty {
		if d.Path() == path {
			n = t.takeLocked(i)
			break
		}
	}
	if n == nil {
		metrics.SetDirtyQueueDepth(len(t.dirty))
	}
	t.mu.Unlock()

	if n == nil {
		return nil
	}
	err := t.push(ctx, n)
	t.done(n, err != nil)
	return err
}

// FlushAll writes back the whole queue front to back. Entries that fail
// are queued again, in order, once the pass is over.
func (t *Tree) FlushAll(ctx context.Context) error {
	var failed []*models.Node
	var errs error

	for {
		t.mu.Lock()
		if len(t.dirty) == 0 {
			t.mu.Unlock()
			break
		}
		n := t.takeLocked(0)
		t.mu.Unlock()

		if err := t.push(ctx, n); err != nil {
			failed = append(failed, n)
			errs = multierr.Append(errs, err)
			continue
		}
		t.done(n, false)
	}

	for _, n := range failed {
		t.done(n, true)
	}
	return errs
}

// push uploads the scratch file of n and records the uploaded length.
func (t *Tree) push(ctx context.Context, n *models.Node) error {
	t.mu.Lock()
	snapshot := *n
	t.mu.Unlock()

	log := logging.WithContext(ctx).With(logging.String("path", snapshot.Path()))

	size, pushed, err := t.cache.Push(ctx, snapshot)
	if err != nil {
		metrics.RecordFlush(false)
		log.Error("write-back failed", logging.Err(err))
		return err
	}
	metrics.RecordFlush(true)
	if !pushed {
		log.Debug("write-back skipped, no scratch file")
		return nil
	}

	t.mu.Lock()
	n.Size = size
	t.mu.Unlock()

	log.Debug("written back", logging.Int64("size", size))
	return nil
}
