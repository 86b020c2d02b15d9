// Package fs implements the filesystem façade: the adapter between
// jacobsa/fuse's inode-ID-addressed fuseutil.FileSystem interface and this
// system's path-addressed core (internal/vfs, internal/controller,
// internal/control).
//
// Struct layout, the inode-minting/lookup-count discipline, and the lock
// ordering comment are grounded directly on GoogleCloudPlatform-gcsfuse's
// fs/fs.go fileSystem type: its "Dependencies / Constant data / Mutable
// state" grouping, its inodes map keyed by fuseops.InodeID with a parallel
// reverse index, and its mintInode/lookUpOrCreateChildInode/
// unlockAndDecrementLookupCount helpers all have direct counterparts here.
// The GCS generation-number staleness handling in the teacher has no
// counterpart: a *vfs.Node pointer never goes stale the way a GCS object
// generation can, so inodes are minted once per distinct Node pointer and
// never replaced.
package fs

import (
	"fmt"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"

	"github.com/chenzhuoyu/sandbox-fs/internal/clock"
	"github.com/chenzhuoyu/sandbox-fs/internal/control"
	"github.com/chenzhuoyu/sandbox-fs/internal/logger"
	"github.com/chenzhuoyu/sandbox-fs/internal/vfs"
)

// Config collects everything NewServer needs to build the façade.
type Config struct {
	// Root is the live tree root that Controller.Mount/Unmount grafts onto.
	Root *vfs.Node

	// Dispatcher runs the LOAD/MOUNT/UNLOAD/UNMOUNT commands a client writes
	// to the control file. In production this is the *controller.Controller
	// sharing Root.
	Dispatcher control.Dispatcher

	// CtlName is the control pseudo-file's name at the mount root, e.g.
	// "_fsctl". Must not be empty.
	CtlName string

	Uid, Gid uint32

	Clock clock.Clock
}

// NewServer builds a fuse.Server implementing Config's filesystem.
func NewServer(cfg *Config) (fuse.Server, error) {
	f, err := newFileSystem(cfg)
	if err != nil {
		return nil, err
	}
	return fuseutil.NewFileSystemServer(f), nil
}

// newFileSystem builds the façade itself, split out from NewServer so tests
// can drive its fuseutil.FileSystem methods directly without going through
// a real kernel mount — the same technique gcsfuse's own fs_test.go uses.
func newFileSystem(cfg *Config) (*fileSystem, error) {
	if cfg.CtlName == "" {
		return nil, fmt.Errorf("fs: CtlName must not be empty")
	}

	now := cfg.Clock.Now()

	f := &fileSystem{
		dispatcher: cfg.Dispatcher,
		ctlName:    cfg.CtlName,
		uid:        cfg.Uid,
		gid:        cfg.Gid,
		clk:        cfg.Clock,

		nodes:        make(map[fuseops.InodeID]*nodeRecord),
		nodeIDs:      make(map[*vfs.Node]fuseops.InodeID),
		nextInodeID:  fuseops.RootInodeID + 1,
		handles:      make(map[fuseops.HandleID]interface{}),
		nextHandleID: 1,

		ctlAttr: fuseops.InodeAttributes{
			Size:  0,
			Nlink: 1,
			Mode:  0644,
			Uid:   cfg.Uid,
			Gid:   cfg.Gid,
			Atime: now,
			Mtime: now,
			Ctime: now,
		},
	}

	f.nodes[fuseops.RootInodeID] = &nodeRecord{node: cfg.Root, lookupCount: 1}
	f.nodeIDs[cfg.Root] = fuseops.RootInodeID

	f.ctlInodeID = f.nextInodeID
	f.nextInodeID++

	f.mu = syncutil.NewInvariantMutex(f.checkInvariants)

	return f, nil
}

// nodeRecord is one entry in fileSystem.nodes: the Node it names and the
// kernel's current lookup count on it, mirroring gcsfuse's
// inode.lookupCount exactly (see unlockAndDecrementLookupCount below).
type nodeRecord struct {
	node        *vfs.Node
	lookupCount uint64
}

// fileHandle is an opened regular file: a strong reference to the Node plus
// the mode it was opened with, enforced on every Read/Write.
type fileHandle struct {
	node     *vfs.Node
	readable bool
	writable bool
}

// fileSystem implements fuseutil.FileSystem.
//
// LOCK ORDERING
//
// Let FS be fileSystem.mu and N be a *vfs.Node's own Mu. We follow gcsfuse's
// rule: for any node lock N, N < FS is never required — instead the façade
// only ever holds FS long enough to resolve an inode ID to a *vfs.Node or to
// mint/release one, then releases FS before calling into vfs, which takes
// its own node locks internally. FS and a Node's Mu are therefore never
// held nested in either order; only one is held at a time.
type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	/////////////////////////
	// Dependencies
	/////////////////////////

	dispatcher control.Dispatcher
	clk        clock.Clock

	/////////////////////////
	// Constant data
	/////////////////////////

	ctlName  string
	uid, gid uint32

	// ctlInodeID is minted once at construction and never reused; ctlAttr is
	// its fixed attribute record (the control file has no backing Node, so
	// it is kept out of the nodes/nodeIDs maps entirely).
	ctlInodeID fuseops.InodeID
	ctlAttr    fuseops.InodeAttributes

	// GUARDED_BY(mu): the control inode's own lookup count, tracked
	// separately from nodes since it has no *vfs.Node to key nodeIDs by.
	ctlLookupCount uint64

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	nodes map[fuseops.InodeID]*nodeRecord

	// GUARDED_BY(mu): reverse index of nodes, so the same Node pointer always
	// maps back to the same inode ID instead of minting a new one per lookup.
	nodeIDs map[*vfs.Node]fuseops.InodeID

	// GUARDED_BY(mu)
	nextInodeID fuseops.InodeID

	// GUARDED_BY(mu): values are *fileHandle or *control.File.
	handles map[fuseops.HandleID]interface{}

	// GUARDED_BY(mu)
	nextHandleID fuseops.HandleID
}

func (f *fileSystem) checkInvariants() {
	for id := range f.nodes {
		if id < fuseops.RootInodeID || id >= f.nextInodeID {
			panic(fmt.Sprintf("fileSystem: inode id %v out of range", id))
		}
	}
	if _, ok := f.nodes[fuseops.RootInodeID]; !ok {
		panic("fileSystem: root inode missing")
	}
}

// mintInodeLocked returns the inode ID for n, minting a fresh one and
// recording a lookup count of 1 if this is the first time n has been seen.
// Otherwise it increments the existing record's lookup count. Requires mu
// held.
func (f *fileSystem) mintInodeLocked(n *vfs.Node) fuseops.InodeID {
	if id, ok := f.nodeIDs[n]; ok {
		f.nodes[id].lookupCount++
		return id
	}

	id := f.nextInodeID
	f.nextInodeID++

	f.nodes[id] = &nodeRecord{node: n, lookupCount: 1}
	f.nodeIDs[n] = id
	return id
}

// nodeForLocked returns the Node for id. Requires mu held.
func (f *fileSystem) nodeForLocked(id fuseops.InodeID) *vfs.Node {
	rec, ok := f.nodes[id]
	if !ok {
		panic(fmt.Sprintf("fileSystem: unknown inode id %v", id))
	}
	return rec.node
}

// unlockAndDecrementLookupCountLocked decrements id's lookup count by n,
// deleting the record (and its reverse index entry) once the count reaches
// zero, then unlocks mu. Mirrors gcsfuse's
// fileSystem.unlockAndDecrementLookupCount exactly, without the GCS
// "dispose of inode" step since a Node has no backing resource to release.
func (f *fileSystem) unlockAndDecrementLookupCountLocked(id fuseops.InodeID, n uint64) {
	defer f.mu.Unlock()

	// Never forget the root: the kernel addresses "/" by fuseops.RootInodeID
	// for the life of the mount.
	if id == fuseops.RootInodeID {
		return
	}

	rec, ok := f.nodes[id]
	if !ok {
		return
	}
	if n > rec.lookupCount {
		panic(fmt.Sprintf("fileSystem: forget count %d exceeds lookup count %d", n, rec.lookupCount))
	}

	rec.lookupCount -= n
	if rec.lookupCount == 0 {
		delete(f.nodes, id)
		delete(f.nodeIDs, rec.node)
	}
}

func attrsFromStat(st vfs.Stat) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  st.Size,
		Nlink: st.Nlink,
		Mode:  st.Mode,
		Uid:   st.Uid,
		Gid:   st.Gid,
		Atime: st.Atime,
		Mtime: st.Mtime,
		Ctime: st.Ctime,
	}
}

// toErrno converts a core error to the syscall.Errno jacobsa/fuse expects a
// FileSystem method to return. *vfs.FsError carries its errno directly;
// anything else (a bug, or an unexpected I/O failure from the importer) is
// logged and reported as EIO.
func toErrno(err error) error {
	if err == nil {
		return nil
	}
	if fsErr, ok := err.(*vfs.FsError); ok {
		return fsErr.Errno
	}
	logger.Errorf("fs: unmapped error: %v", err)
	return syscall.EIO
}

// isCtlPath reports whether name, looked up under the root, names the
// control file.
func (f *fileSystem) isCtlPath(parent fuseops.InodeID, name string) bool {
	return parent == fuseops.RootInodeID && name == f.ctlName
}

////////////////////////////////////////////////////////////////////////
// fuseutil.FileSystem methods
////////////////////////////////////////////////////////////////////////

func (f *fileSystem) Init(op *fuseops.InitOp) error {
	return nil
}

func (f *fileSystem) StatFS(op *fuseops.StatFSOp) error {
	return nil
}

func (f *fileSystem) LookUpInode(op *fuseops.LookUpInodeOp) error {
	if f.isCtlPath(op.Parent, op.Name) {
		f.mu.Lock()
		f.ctlLookupCount++
		f.mu.Unlock()

		op.Entry.Child = f.ctlInodeID
		op.Entry.Attributes = f.ctlAttr
		return nil
	}

	f.mu.Lock()
	parent := f.nodeForLocked(op.Parent)
	f.mu.Unlock()

	child, err := vfs.Resolve(parent, op.Name)
	if err != nil {
		return toErrno(err)
	}

	f.mu.Lock()
	op.Entry.Child = f.mintInodeLocked(child)
	f.mu.Unlock()

	op.Entry.Attributes = attrsFromStat(child.Stat())
	return nil
}

func (f *fileSystem) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) error {
	if op.Inode == f.ctlInodeID {
		op.Attributes = f.ctlAttr
		return nil
	}

	f.mu.Lock()
	n := f.nodeForLocked(op.Inode)
	f.mu.Unlock()

	op.Attributes = attrsFromStat(n.Stat())
	return nil
}

func (f *fileSystem) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) error {
	if op.Inode == f.ctlInodeID {
		return syscall.EPERM
	}

	f.mu.Lock()
	n := f.nodeForLocked(op.Inode)
	f.mu.Unlock()

	now := f.clk.Now()

	if op.Size != nil {
		if err := n.Resize(*op.Size, now); err != nil {
			return toErrno(err)
		}
	}

	atime, mtime := vfs.OmitTime(), vfs.OmitTime()
	if op.Atime != nil {
		atime = vfs.LiteralTime(*op.Atime)
	}
	if op.Mtime != nil {
		mtime = vfs.LiteralTime(*op.Mtime)
	}
	n.Utimens(atime, mtime, now)

	op.Attributes = attrsFromStat(n.Stat())
	return nil
}

func (f *fileSystem) ForgetInode(op *fuseops.ForgetInodeOp) error {
	if op.Inode == f.ctlInodeID {
		f.mu.Lock()
		if op.N > f.ctlLookupCount {
			panic(fmt.Sprintf("fileSystem: forget count %d exceeds lookup count %d", op.N, f.ctlLookupCount))
		}
		f.ctlLookupCount -= op.N
		f.mu.Unlock()
		return nil
	}

	f.mu.Lock()
	f.unlockAndDecrementLookupCountLocked(op.Inode, op.N)
	return nil
}

func (f *fileSystem) MkDir(op *fuseops.MkDirOp) error {
	if f.isCtlPath(op.Parent, op.Name) {
		return syscall.EEXIST
	}

	f.mu.Lock()
	parent := f.nodeForLocked(op.Parent)
	f.mu.Unlock()

	child, err := vfs.CreateChildDir(parent, op.Name, op.Mode, f.uid, f.gid, f.clk.Now())
	if err != nil {
		return toErrno(err)
	}

	f.mu.Lock()
	op.Entry.Child = f.mintInodeLocked(child)
	f.mu.Unlock()

	op.Entry.Attributes = attrsFromStat(child.Stat())
	return nil
}

func (f *fileSystem) CreateFile(op *fuseops.CreateFileOp) error {
	if f.isCtlPath(op.Parent, op.Name) {
		return syscall.EEXIST
	}

	f.mu.Lock()
	parent := f.nodeForLocked(op.Parent)
	f.mu.Unlock()

	child, err := vfs.CreateChildFile(parent, op.Name, op.Mode, f.uid, f.gid, f.clk.Now())
	if err != nil {
		return toErrno(err)
	}

	f.mu.Lock()
	op.Entry.Child = f.mintInodeLocked(child)
	f.mu.Unlock()

	op.Entry.Attributes = attrsFromStat(child.Stat())
	return nil
}

func (f *fileSystem) RmDir(op *fuseops.RmDirOp) error {
	if f.isCtlPath(op.Parent, op.Name) {
		return syscall.EPERM
	}

	f.mu.Lock()
	parent := f.nodeForLocked(op.Parent)
	f.mu.Unlock()

	return toErrno(vfs.RemoveChildDir(parent, op.Name, f.clk.Now()))
}

func (f *fileSystem) Unlink(op *fuseops.UnlinkOp) error {
	if f.isCtlPath(op.Parent, op.Name) {
		return syscall.EPERM
	}

	f.mu.Lock()
	parent := f.nodeForLocked(op.Parent)
	f.mu.Unlock()

	return toErrno(vfs.RemoveChildFile(parent, op.Name, f.clk.Now()))
}

func (f *fileSystem) Rename(op *fuseops.RenameOp) error {
	if f.isCtlPath(op.OldParent, op.OldName) || f.isCtlPath(op.NewParent, op.NewName) {
		return syscall.EPERM
	}

	f.mu.Lock()
	oldParent := f.nodeForLocked(op.OldParent)
	newParent := f.nodeForLocked(op.NewParent)
	f.mu.Unlock()

	return toErrno(vfs.RenameChild(oldParent, op.OldName, newParent, op.NewName, f.clk.Now()))
}

func (f *fileSystem) OpenDir(op *fuseops.OpenDirOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.nodeForLocked(op.Inode)
	if !n.IsDir() {
		return syscall.ENOTDIR
	}

	handleID := f.nextHandleID
	f.nextHandleID++
	f.handles[handleID] = newDirHandle(n, op.Inode == fuseops.RootInodeID, f.ctlName, f.ctlInodeID)
	op.Handle = handleID
	return nil
}

func (f *fileSystem) ReadDir(op *fuseops.ReadDirOp) error {
	f.mu.Lock()
	dh, ok := f.handles[op.Handle].(*dirHandle)
	f.mu.Unlock()
	if !ok {
		return syscall.EINVAL
	}

	dh.mu.Lock()
	defer dh.mu.Unlock()
	return dh.readDir(op)
}

func (f *fileSystem) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.handles, op.Handle)
	return nil
}

func (f *fileSystem) OpenFile(op *fuseops.OpenFileOp) error {
	if op.Inode == f.ctlInodeID {
		f.mu.Lock()
		handleID := f.nextHandleID
		f.nextHandleID++
		f.handles[handleID] = control.New(f.dispatcher)
		f.mu.Unlock()

		op.Handle = handleID
		op.KeepPageCache = false
		op.UseDirectIO = true
		return nil
	}

	flags := uint32(op.OpenFlags)
	accessMode := flags & uint32(syscall.O_ACCMODE)

	f.mu.Lock()
	n := f.nodeForLocked(op.Inode)
	handleID := f.nextHandleID
	f.nextHandleID++
	f.handles[handleID] = &fileHandle{
		node:     n,
		readable: accessMode != uint32(syscall.O_WRONLY),
		writable: accessMode == uint32(syscall.O_WRONLY) || accessMode == uint32(syscall.O_RDWR),
	}
	f.mu.Unlock()

	op.Handle = handleID
	return nil
}

func (f *fileSystem) ReadFile(op *fuseops.ReadFileOp) error {
	f.mu.Lock()
	h := f.handles[op.Handle]
	f.mu.Unlock()

	switch handle := h.(type) {
	case *control.File:
		n, err := handle.Read(op.Dst)
		if err != nil {
			return toErrno(err)
		}
		op.BytesRead = n
		return nil

	case *fileHandle:
		if !handle.readable {
			return syscall.EBADF
		}
		n, err := handle.node.ReadAt(op.Dst, op.Offset, f.clk.Now())
		if err != nil {
			return toErrno(err)
		}
		op.BytesRead = n
		return nil

	default:
		return syscall.EINVAL
	}
}

func (f *fileSystem) WriteFile(op *fuseops.WriteFileOp) error {
	f.mu.Lock()
	h := f.handles[op.Handle]
	f.mu.Unlock()

	switch handle := h.(type) {
	case *control.File:
		_, err := handle.Write(op.Data)
		return toErrno(err)

	case *fileHandle:
		if !handle.writable {
			return syscall.EBADF
		}
		_, err := handle.node.WriteAt(op.Data, op.Offset, f.clk.Now())
		return toErrno(err)

	default:
		return syscall.EINVAL
	}
}

func (f *fileSystem) SyncFile(op *fuseops.SyncFileOp) error {
	return nil
}

func (f *fileSystem) FlushFile(op *fuseops.FlushFileOp) error {
	return nil
}

func (f *fileSystem) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.handles, op.Handle)
	return nil
}
