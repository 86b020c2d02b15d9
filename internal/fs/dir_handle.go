package fs

import (
	"os"
	"sort"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"

	"github.com/chenzhuoyu/sandbox-fs/internal/vfs"
)

// dirHandle buffers one snapshot of a directory's entries for ReadDir's
// offset-paginated protocol. Grounded on gcsfuse's fs/dir_handle.go
// dirHandle: that type re-fetches pages from GCS as the kernel advances
// past what it has buffered, tolerating an out-of-order or repeated
// rewinddir by resetting on offset zero. Listing an in-memory Node never
// needs repeated fetches, so this type takes one full snapshot on first use
// (or on a rewind to offset zero) and serves every subsequent page from it.
type dirHandle struct {
	mu syncutil.InvariantMutex

	node *vfs.Node

	// addCtlEntry is set for the handle opened on the mount root: the
	// control file is not a child of the root Node, so it is spliced into
	// the snapshot by name here instead.
	addCtlEntry bool
	ctlName     string
	ctlInodeID  fuseops.InodeID

	// GUARDED_BY(mu)
	entries []fuseutil.Dirent

	// GUARDED_BY(mu)
	loaded bool
}

func newDirHandle(node *vfs.Node, isRoot bool, ctlName string, ctlInodeID fuseops.InodeID) *dirHandle {
	dh := &dirHandle{
		node:        node,
		addCtlEntry: isRoot,
		ctlName:     ctlName,
		ctlInodeID:  ctlInodeID,
	}
	dh.mu = syncutil.NewInvariantMutex(dh.checkInvariants)
	return dh
}

func (dh *dirHandle) checkInvariants() {}

// loadLocked takes a fresh snapshot of the directory's entries. Requires
// mu held. The façade's own inode IDs are not resolved here — each
// fuseutil.Dirent reports InodeID(0), which the jacobsa/fuse client
// treats as "look it up yourself" and which matches the common,
// kernel-sanctioned practice of leaving readdir's inode numbers advisory.
func (dh *dirHandle) loadLocked() error {
	children, err := dh.node.Entries()
	if err != nil {
		return err
	}

	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })

	entries := make([]fuseutil.Dirent, 0, len(children)+1)
	var offset fuseops.DirOffset = 1
	for _, c := range children {
		entries = append(entries, fuseutil.Dirent{
			Offset: offset,
			Inode:  0,
			Name:   c.Name,
			Type:   direntType(c.Mode),
		})
		offset++
	}

	if dh.addCtlEntry {
		entries = append(entries, fuseutil.Dirent{
			Offset: offset,
			Inode:  dh.ctlInodeID,
			Name:   dh.ctlName,
			Type:   fuseutil.DT_File,
		})
	}

	dh.entries = entries
	dh.loaded = true
	return nil
}

func direntType(mode os.FileMode) fuseutil.DirentType {
	if mode.IsDir() {
		return fuseutil.DT_Dir
	}
	return fuseutil.DT_File
}

// readDir serves one ReadDir call from the current (or freshly loaded)
// snapshot. Requires mu held.
func (dh *dirHandle) readDir(op *fuseops.ReadDirOp) error {
	if op.Offset == 0 || !dh.loaded {
		if err := dh.loadLocked(); err != nil {
			return err
		}
	}

	index := int(op.Offset)
	if index > len(dh.entries) {
		return nil
	}

	n := 0
	for _, d := range dh.entries[index:] {
		written := fuseutil.WriteDirent(op.Dst[n:], d)
		if written == 0 {
			break
		}
		n += written
	}
	op.BytesRead = n
	return nil
}
