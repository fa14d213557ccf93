// Package models contains the data types shared by the tree, the cache and
// the filesystem handlers.
package models

import (
	"strings"
	"sync/atomic"
	"time"
)

// Separator is the path separator used both for filesystem paths and for
// object-store keys.
const Separator = "/"

// RootPath is the path of the mount root.
const RootPath = "/"

// RootIno is the inode number reserved for the root directory.
const RootIno uint64 = 1

// Kind distinguishes files from directories.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// Node represents a file or directory in the virtual filesystem.
//
// Mtime is in epoch seconds. RefreshAt records when the children of a
// directory were last listed from the object store; files carry it for
// uniformity. It keeps full clock precision so sub-second TTL checks work.
type Node struct {
	Ino       uint64
	Name      string
	Parent    string
	Kind      Kind
	Size      int64
	Mtime     int64
	RefreshAt time.Time
}

var lastIno atomic.Uint64

func init() {
	lastIno.Store(RootIno)
}

// NextIno hands out a process-unique inode number.
func NextIno() uint64 {
	return lastIno.Add(1)
}

// NewRoot returns the root directory node.
func NewRoot(now time.Time) *Node {
	return &Node{
		Ino:   RootIno,
		Kind:  KindDirectory,
		Mtime: now.Unix(),
	}
}

// NewFile returns a file node. Files start with RefreshAt set to their
// creation time.
func NewFile(parent, name string, size, mtime int64, now time.Time) *Node {
	return &Node{
		Ino:       NextIno(),
		Name:      name,
		Parent:    parent,
		Kind:      KindFile,
		Size:      size,
		Mtime:     mtime,
		RefreshAt: now,
	}
}

// NewDirectory returns a directory node. Directories start stale
// (zero RefreshAt) so the first lookup always lists them.
func NewDirectory(parent, name string, mtime int64) *Node {
	return &Node{
		Ino:    NextIno(),
		Name:   name,
		Parent: parent,
		Kind:   KindDirectory,
		Mtime:  mtime,
	}
}

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool {
	return n.Kind == KindDirectory
}

// Path returns the absolute path of the node.
func (n *Node) Path() string {
	if n.Parent == "" && n.Name == "" {
		return RootPath
	}
	return BuildChildPath(n.Parent, n.Name)
}

// StorageKey returns the object-store key for the node: its path without
// the leading separator.
func (n *Node) StorageKey() string {
	return strings.TrimPrefix(n.Path(), Separator)
}

// BuildChildPath constructs a child path from parent + name.
func BuildChildPath(parentPath, name string) string {
	if parentPath == RootPath || parentPath == "" {
		return RootPath + name
	}
	return parentPath + Separator + name
}

// SplitPath splits a path into its parent directory and base name.
func SplitPath(path string) (string, string) {
	if path == RootPath || path == "" {
		return "", ""
	}
	path = strings.TrimSuffix(path, Separator)
	idx := strings.LastIndex(path, Separator)
	if idx <= 0 {
		return RootPath, path[idx+1:]
	}
	return path[:idx], path[idx+1:]
}
