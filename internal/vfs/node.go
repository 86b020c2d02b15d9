// Package vfs implements the in-memory node tree: path resolution, the
// POSIX-like directory/file operations, and the typed error used throughout.
//
// Struct layout and locking discipline are grounded on
// GoogleCloudPlatform-gcsfuse's fs/inode package (dir.go, file.go,
// inode.go, lookup_count.go): the "Dependencies / Constant data / Mutable
// state" comment grouping, GUARDED_BY annotations, and syncutil.InvariantMutex
// locking all come from there. Path-based (rather than GCS-object-name-based)
// resolution is new domain logic per the spec.
package vfs

import (
	"os"
	"time"

	"github.com/jacobsa/syncutil"

	"github.com/chenzhuoyu/sandbox-fs/internal/buffer"
)

// Stat mirrors the POSIX attribute record every Node carries. Mode uses the
// same encoding as fuseops.InodeAttributes.Mode (os.FileMode, with os.ModeDir
// set for directories), so the façade can pass it through unchanged.
type Stat struct {
	Mode  os.FileMode
	Nlink uint32
	Uid   uint32
	Gid   uint32
	Size  uint64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// TimeSpec models one field of a utimens(2) call: omit it, set it to the
// current time, or set it to a literal value. Mirrors UTIME_OMIT/UTIME_NOW
// from the raw syscall, which jacobsa/fuse itself resolves before handing us
// a *time.Time — this type exists so Tree.Utimens stays testable without
// going through the façade.
type TimeSpec struct {
	omit    bool
	setNow  bool
	literal time.Time
}

func OmitTime() TimeSpec           { return TimeSpec{omit: true} }
func NowTime() TimeSpec            { return TimeSpec{setNow: true} }
func LiteralTime(t time.Time) TimeSpec { return TimeSpec{literal: t} }

func (ts TimeSpec) resolve(now time.Time, current time.Time) time.Time {
	switch {
	case ts.omit:
		return current
	case ts.setNow:
		return now
	default:
		return ts.literal
	}
}

// DirEntry is one entry returned by Node.Entries, for readdir.
type DirEntry struct {
	Name string
	Mode os.FileMode
}

// Node is a single tree node: a directory or a regular file.
//
// Directories have a non-nil children map and a nil buffer. Regular files
// have a non-nil buffer and a nil children map. Exactly one of the two holds
// at all times (see checkInvariants).
type Node struct {
	// Mu guards every field below. A single per-node lock is sufficient per
	// the spec's own concurrency note: "a single mutex around a plain map is
	// acceptable so long as readers do not block writers excessively."
	Mu syncutil.InvariantMutex

	// GUARDED_BY(Mu)
	name string

	// GUARDED_BY(Mu)
	stat Stat

	// GUARDED_BY(Mu)
	buf *buffer.ByteBuffer

	// GUARDED_BY(Mu)
	children map[string]*Node
}

func (n *Node) checkInvariants() {
	isDir := n.children != nil
	isFile := n.buf != nil

	if isDir == isFile {
		panic("Node: exactly one of children/buf must be set")
	}
	if isDir && n.stat.Mode&os.ModeDir == 0 {
		panic("Node: directory without ModeDir bit")
	}
	if isFile && n.stat.Mode&os.ModeDir != 0 {
		panic("Node: regular file with ModeDir bit")
	}
}

// NewDir returns a fresh, empty directory node.
func NewDir(name string, perm os.FileMode, uid, gid uint32, now time.Time) *Node {
	n := &Node{
		name:     name,
		children: make(map[string]*Node),
		stat: Stat{
			Mode:  os.ModeDir | perm,
			Nlink: 1,
			Uid:   uid,
			Gid:   gid,
			Atime: now,
			Ctime: now,
			Mtime: now,
		},
	}
	n.Mu = syncutil.NewInvariantMutex(n.checkInvariants)
	return n
}

// NewFile returns a fresh, empty regular-file node.
func NewFile(name string, perm os.FileMode, uid, gid uint32, now time.Time) *Node {
	n := &Node{
		name: name,
		buf:  buffer.New(),
		stat: Stat{
			Mode:  perm &^ os.ModeDir,
			Nlink: 1,
			Uid:   uid,
			Gid:   gid,
			Atime: now,
			Ctime: now,
			Mtime: now,
		},
	}
	n.Mu = syncutil.NewInvariantMutex(n.checkInvariants)
	return n
}

// IsDir reports whether n is a directory. Safe to call without holding Mu
// since the directory/file distinction never changes after creation.
func (n *Node) IsDir() bool {
	return n.children != nil
}

// Name returns n's local name (empty for the root).
func (n *Node) Name() string {
	n.Mu.RLock()
	defer n.Mu.RUnlock()

	return n.name
}

func (n *Node) setName(name string) {
	n.Mu.Lock()
	n.name = name
	n.Mu.Unlock()
}

// Stat returns a copy of n's attribute record, with Size mirroring the
// buffer's current length for regular files.
func (n *Node) Stat() Stat {
	n.Mu.RLock()
	defer n.Mu.RUnlock()

	st := n.stat
	if n.buf != nil {
		st.Size = uint64(n.buf.Len())
	}
	return st
}

// Access sets st_atime to now.
func (n *Node) Access(now time.Time) {
	n.Mu.Lock()
	n.stat.Atime = now
	n.Mu.Unlock()
}

// Utimens applies atime/mtime per their TimeSpec, each independently omitted,
// set to now, or set to a literal value.
func (n *Node) Utimens(atime, mtime TimeSpec, now time.Time) {
	n.Mu.Lock()
	defer n.Mu.Unlock()

	n.stat.Atime = atime.resolve(now, n.stat.Atime)
	n.stat.Mtime = mtime.resolve(now, n.stat.Mtime)
}

// Resize truncates or extends a regular file's contents, zero-filling any
// newly exposed range. Fails EISDIR on a directory.
func (n *Node) Resize(size uint64, now time.Time) error {
	n.Mu.Lock()
	defer n.Mu.Unlock()

	if n.buf == nil {
		return errIsDir(n.name)
	}

	n.buf.Resize(int(size))
	n.stat.Size = uint64(n.buf.Len())
	n.stat.Mtime = now
	return nil
}

// EnsureCapacity pre-reserves n bytes of backing capacity without changing
// the file's reported size, letting a caller that already knows an upcoming
// write's total length (e.g. an archive entry's declared size) avoid the
// buffer's own incremental growth.
func (n *Node) EnsureCapacity(size int) error {
	n.Mu.Lock()
	defer n.Mu.Unlock()

	if n.buf == nil {
		return errIsDir(n.name)
	}

	n.buf.Ensure(size)
	return nil
}

// ReadAt reads from the file's contents, updating atime first.
func (n *Node) ReadAt(dst []byte, off int64, now time.Time) (int, error) {
	n.Mu.Lock()
	if n.buf == nil {
		n.Mu.Unlock()
		return 0, errIsDir(n.name)
	}
	n.stat.Atime = now
	buf := n.buf
	n.Mu.Unlock()

	return buf.ReadAt(dst, int(off)), nil
}

// WriteAt writes into the file's contents, updating size and mtime.
func (n *Node) WriteAt(src []byte, off int64, now time.Time) (int, error) {
	n.Mu.Lock()
	defer n.Mu.Unlock()

	if n.buf == nil {
		return 0, errIsDir(n.name)
	}

	written := n.buf.WriteAt(src, int(off))
	n.stat.Size = uint64(n.buf.Len())
	n.stat.Mtime = now
	return written, nil
}

// Entries returns a snapshot of the directory's children for readdir. Fails
// ENOTDIR on a regular file.
func (n *Node) Entries() ([]DirEntry, error) {
	n.Mu.RLock()
	defer n.Mu.RUnlock()

	if n.children == nil {
		return nil, errNotDir(n.name)
	}

	entries := make([]DirEntry, 0, len(n.children))
	for name, child := range n.children {
		entries = append(entries, DirEntry{Name: name, Mode: child.Stat().Mode})
	}
	return entries, nil
}

// childLocked returns the named child, or nil. Requires Mu held (read or
// write) by the caller.
func (n *Node) childLocked(name string) *Node {
	return n.children[name]
}

// GraftChild attaches subtree as root's child named alias — used by the
// controller's MOUNT command to splice a cloned, previously-loaded archive
// subtree onto the live tree root. Fails ENOTDIR if root is not a directory,
// EEXIST if alias is already taken.
func GraftChild(root *Node, alias string, subtree *Node) error {
	root.Mu.Lock()
	defer root.Mu.Unlock()

	if root.children == nil {
		return errNotDir(root.name)
	}
	if _, exists := root.children[alias]; exists {
		return errExist(alias)
	}

	subtree.setName(alias)
	root.children[alias] = subtree
	return nil
}

// Ungraft removes root's child named alias — used by the controller's
// UNMOUNT command. Fails ENOENT if alias is not currently mounted.
func Ungraft(root *Node, alias string) error {
	root.Mu.Lock()
	defer root.Mu.Unlock()

	if root.children == nil {
		return errNotDir(root.name)
	}
	if _, exists := root.children[alias]; !exists {
		return errNotExist(alias)
	}

	delete(root.children, alias)
	return nil
}

// Clone returns a structurally independent deep copy of the subtree rooted
// at n. Every child is recursively cloned; buffers use ByteBuffer.Clone so
// file bytes share storage copy-on-write until either copy is written.
func (n *Node) Clone() *Node {
	n.Mu.RLock()
	defer n.Mu.RUnlock()

	clone := &Node{
		name: n.name,
		stat: n.stat,
	}

	if n.buf != nil {
		clone.buf = n.buf.Clone()
	}
	if n.children != nil {
		clone.children = make(map[string]*Node, len(n.children))
		for name, child := range n.children {
			clone.children[name] = child.Clone()
		}
	}

	clone.Mu = syncutil.NewInvariantMutex(clone.checkInvariants)
	return clone
}
