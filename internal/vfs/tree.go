package vfs

import (
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/chenzhuoyu/sandbox-fs/internal/clock"
)

// Tree is the path-addressed namespace rooted at a single directory Node.
// All mutating operations are linearizable with respect to the single path
// they touch; composing two operations across different paths is not
// transactional, mirroring ordinary POSIX filesystem semantics under
// concurrent access.
type Tree struct {
	root     *Node
	uid, gid uint32
	clk      clock.Clock
}

// NewTree returns a Tree containing only an empty root directory.
func NewTree(uid, gid uint32, clk clock.Clock) *Tree {
	return &Tree{
		root: NewDir("", os.FileMode(0755), uid, gid, clk.Now()),
		uid:  uid,
		gid:  gid,
		clk:  clk,
	}
}

// Root returns the tree's root node.
func (t *Tree) Root() *Node {
	return t.root
}

// splitPath breaks a slash-separated path into its non-empty components, so
// "", "/", "//a//b/" and "a/b" all normalize the way a caller expects: the
// empty path and "/" both denote the root.
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// lookupChild returns the named child of dir, or nil if dir is not a
// directory or has no such child.
func lookupChild(dir *Node, name string) *Node {
	dir.Mu.RLock()
	defer dir.Mu.RUnlock()

	if dir.children == nil {
		return nil
	}
	return dir.children[name]
}

// walkFrom resolves all but the final component of parts, starting at start,
// returning the directory that should contain parts[len(parts)-1]. Every
// intermediate component must exist and be a directory.
func walkFrom(start *Node, parts []string) (*Node, error) {
	cur := start

	for _, name := range parts {
		next := lookupChild(cur, name)
		if next == nil {
			if !cur.IsDir() {
				return nil, errNotDir(name)
			}
			return nil, errNotExist(name)
		}
		if !next.IsDir() {
			return nil, errNotDir(name)
		}
		cur = next
	}

	return cur, nil
}

func (t *Tree) walk(parts []string) (*Node, error) {
	return walkFrom(t.root, parts)
}

// resolveParent splits path and walks to the parent directory of its final
// component, returning that parent and the leaf's name. An empty path (the
// root itself) has no parent and returns errInvalid.
func (t *Tree) resolveParent(path string) (*Node, string, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, "", errInvalid("path has no parent: %q", path)
	}

	parent, err := t.walk(parts[:len(parts)-1])
	if err != nil {
		return nil, "", err
	}
	return parent, parts[len(parts)-1], nil
}

// Resolve resolves path relative to an arbitrary directory node rather than
// a Tree's own root. Used by the controller to find a grafted subtree's
// nodes, and to locate a mount point's parent directory, without needing a
// full Tree wrapper around an already-detached node.
func Resolve(root *Node, path string) (*Node, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return root, nil
	}

	parent, err := walkFrom(root, parts[:len(parts)-1])
	if err != nil {
		return nil, err
	}

	leaf := lookupChild(parent, parts[len(parts)-1])
	if leaf == nil {
		return nil, errNotExist(path)
	}
	return leaf, nil
}

// Get resolves path to its node. The empty path and "/" resolve to the root.
func (t *Tree) Get(path string) (*Node, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return t.root, nil
	}

	parent, err := t.walk(parts[:len(parts)-1])
	if err != nil {
		return nil, err
	}

	leaf := lookupChild(parent, parts[len(parts)-1])
	if leaf == nil {
		return nil, errNotExist(path)
	}
	return leaf, nil
}

// insertChild adds child under parent, requiring parent to be a directory
// and the name to be free.
func insertChild(parent *Node, name string, child *Node, now time.Time) error {
	parent.Mu.Lock()
	defer parent.Mu.Unlock()

	if parent.children == nil {
		return errNotDir(parent.name)
	}
	if _, exists := parent.children[name]; exists {
		return errExist(name)
	}

	parent.children[name] = child
	parent.stat.Mtime = now
	return nil
}

// CreateChildDir creates a new, empty directory named name under parent.
// Used both by Tree.Mkdir (parent resolved by path) and directly by the
// façade, which already holds the parent *Node from an earlier inode
// lookup and has no path to resolve.
func CreateChildDir(parent *Node, name string, perm os.FileMode, uid, gid uint32, now time.Time) (*Node, error) {
	child := NewDir(name, perm, uid, gid, now)
	if err := insertChild(parent, name, child, now); err != nil {
		return nil, err
	}
	return child, nil
}

// CreateChildFile creates a new, empty regular file named name under parent.
func CreateChildFile(parent *Node, name string, perm os.FileMode, uid, gid uint32, now time.Time) (*Node, error) {
	child := NewFile(name, perm, uid, gid, now)
	if err := insertChild(parent, name, child, now); err != nil {
		return nil, err
	}
	return child, nil
}

// Mkdir creates a new, empty directory at path. Fails ENOENT if the parent
// doesn't exist, ENOTDIR if the parent isn't a directory, EEXIST if the name
// is already taken.
func (t *Tree) Mkdir(path string, perm os.FileMode) (*Node, error) {
	parent, name, err := t.resolveParent(path)
	if err != nil {
		return nil, err
	}

	return CreateChildDir(parent, name, perm, t.uid, t.gid, t.clk.Now())
}

// MkdirAll behaves like Mkdir but creates any missing intermediate
// directories along the way, in the style of os.MkdirAll. If path already
// exists and is a directory, it is returned with no error; if it exists and
// is a regular file, ENOTDIR is returned.
func (t *Tree) MkdirAll(path string, perm os.FileMode) (*Node, error) {
	cur := t.root

	for _, name := range splitPath(path) {
		next := lookupChild(cur, name)
		if next == nil {
			child := NewDir(name, perm, t.uid, t.gid, t.clk.Now())
			if err := insertChild(cur, name, child, t.clk.Now()); err != nil {
				// Lost a race with a concurrent creator; re-resolve instead
				// of failing, matching os.MkdirAll's tolerance of EEXIST.
				next = lookupChild(cur, name)
				if next == nil {
					return nil, err
				}
			} else {
				next = child
			}
		}
		if !next.IsDir() {
			return nil, errNotDir(name)
		}
		cur = next
	}

	return cur, nil
}

// CreateFile creates a new, empty regular file at path.
func (t *Tree) CreateFile(path string, perm os.FileMode) (*Node, error) {
	parent, name, err := t.resolveParent(path)
	if err != nil {
		return nil, err
	}

	return CreateChildFile(parent, name, perm, t.uid, t.gid, t.clk.Now())
}

// RemoveChildFile removes the regular file named name under parent. Fails
// ENOENT if missing, EISDIR if name names a directory.
func RemoveChildFile(parent *Node, name string, now time.Time) error {
	parent.Mu.Lock()
	defer parent.Mu.Unlock()

	if parent.children == nil {
		return errNotDir(parent.name)
	}
	target, ok := parent.children[name]
	if !ok {
		return errNotExist(name)
	}
	if target.IsDir() {
		return errIsDir(name)
	}

	delete(parent.children, name)
	parent.stat.Mtime = now
	return nil
}

// Unlink removes a regular file. Fails ENOENT if missing, EISDIR if path
// names a directory.
func (t *Tree) Unlink(path string) error {
	parent, name, err := t.resolveParent(path)
	if err != nil {
		return err
	}

	return RemoveChildFile(parent, name, t.clk.Now())
}

// RemoveChildDir removes the empty directory named name under parent. Fails
// ENOENT if missing, ENOTDIR if name names a regular file, ENOTEMPTY if the
// directory has children.
func RemoveChildDir(parent *Node, name string, now time.Time) error {
	parent.Mu.Lock()
	defer parent.Mu.Unlock()

	if parent.children == nil {
		return errNotDir(parent.name)
	}
	target, ok := parent.children[name]
	if !ok {
		return errNotExist(name)
	}
	if !target.IsDir() {
		return errNotDir(name)
	}

	target.Mu.RLock()
	empty := len(target.children) == 0
	target.Mu.RUnlock()
	if !empty {
		return errNotEmpty(name)
	}

	delete(parent.children, name)
	parent.stat.Mtime = now
	return nil
}

// Rmdir removes an empty directory. Fails ENOENT if missing, ENOTDIR if path
// names a regular file, ENOTEMPTY if the directory has children.
func (t *Tree) Rmdir(path string) error {
	parent, name, err := t.resolveParent(path)
	if err != nil {
		return err
	}

	return RemoveChildDir(parent, name, t.clk.Now())
}

// RenameChild moves oldParent's child oldName to newParent as newName,
// atomically with respect to both parent directories. If newName already
// names a node under newParent, it is unconditionally overwritten: src
// simply replaces whatever was there, regardless of either node's type.
func RenameChild(oldParent *Node, oldName string, newParent *Node, newName string, now time.Time) error {
	// Lock order: always by pointer identity, to avoid deadlock when two
	// renames cross directories in opposite order.
	first, second := oldParent, newParent
	sameParent := oldParent == newParent
	if !sameParent && nodeLess(newParent, oldParent) {
		first, second = newParent, oldParent
	}

	first.Mu.Lock()
	defer first.Mu.Unlock()
	if !sameParent {
		second.Mu.Lock()
		defer second.Mu.Unlock()
	}

	if oldParent.children == nil {
		return errNotDir(oldParent.name)
	}
	src, ok := oldParent.children[oldName]
	if !ok {
		return errNotExist(oldName)
	}

	if newParent.children == nil {
		return errNotDir(newParent.name)
	}

	delete(oldParent.children, oldName)
	src.setName(newName)
	newParent.children[newName] = src

	oldParent.stat.Mtime = now
	newParent.stat.Mtime = now
	return nil
}

// Rename moves the node at oldPath to newPath, atomically with respect to
// both parent directories. If newPath already names a node, it is
// unconditionally overwritten.
func (t *Tree) Rename(oldPath, newPath string) error {
	oldParent, oldName, err := t.resolveParent(oldPath)
	if err != nil {
		return err
	}
	newParent, newName, err := t.resolveParent(newPath)
	if err != nil {
		return err
	}

	return RenameChild(oldParent, oldName, newParent, newName, t.clk.Now())
}

// nodeLess gives any total, stable order over two distinct *Node pointers so
// Rename can always lock in a consistent order regardless of call direction.
func nodeLess(a, b *Node) bool {
	return reflect.ValueOf(a).Pointer() < reflect.ValueOf(b).Pointer()
}
