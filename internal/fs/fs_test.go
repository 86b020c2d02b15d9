package fs

import (
	"encoding/json"
	"syscall"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chenzhuoyu/sandbox-fs/internal/clock"
	"github.com/chenzhuoyu/sandbox-fs/internal/vfs"
)

// stubDispatcher lets tests drive the control file without a real
// *controller.Controller.
type stubDispatcher struct {
	reply interface{}
	err   error
}

func (d *stubDispatcher) Dispatch(cmd string, args json.RawMessage) (interface{}, error) {
	return d.reply, d.err
}

func newTestFS(t *testing.T) (*fileSystem, *vfs.Node) {
	t.Helper()

	root := vfs.NewDir("", 0755, 1000, 1000, clock.RealClock{}.Now())
	f, err := newFileSystem(&Config{
		Root:       root,
		Dispatcher: &stubDispatcher{},
		CtlName:    "_fsctl",
		Uid:        1000,
		Gid:        1000,
		Clock:      clock.RealClock{},
	})
	require.NoError(t, err)
	return f, root
}

func TestNewFileSystemRejectsEmptyCtlName(t *testing.T) {
	_, err := newFileSystem(&Config{
		Root:       vfs.NewDir("", 0755, 0, 0, clock.RealClock{}.Now()),
		Dispatcher: &stubDispatcher{},
		Clock:      clock.RealClock{},
	})
	require.Error(t, err)
}

func TestLookUpInodeAndGetAttributes(t *testing.T) {
	f, root := newTestFS(t)
	_, err := vfs.CreateChildFile(root, "a.txt", 0644, 1000, 1000, clock.RealClock{}.Now())
	require.NoError(t, err)

	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "a.txt"}
	require.NoError(t, f.LookUpInode(op))
	assert.NotZero(t, op.Entry.Child)
	assert.False(t, op.Entry.Attributes.Mode.IsDir())

	attrOp := &fuseops.GetInodeAttributesOp{Inode: op.Entry.Child}
	require.NoError(t, f.GetInodeAttributes(attrOp))
	assert.Equal(t, uint64(0), attrOp.Attributes.Size)
}

func TestLookUpInodeMissingFailsENOENT(t *testing.T) {
	f, _ := newTestFS(t)

	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "nope"}
	err := f.LookUpInode(op)
	require.Error(t, err)
	assert.Equal(t, syscall.ENOENT, err)
}

func TestLookUpInodeControlFile(t *testing.T) {
	f, _ := newTestFS(t)

	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "_fsctl"}
	require.NoError(t, f.LookUpInode(op))
	assert.Equal(t, f.ctlInodeID, op.Entry.Child)
	assert.EqualValues(t, 1, f.ctlLookupCount)
}

func TestMkDirCreateFileRmDirUnlink(t *testing.T) {
	f, _ := newTestFS(t)

	mkOp := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "sub", Mode: 0755}
	require.NoError(t, f.MkDir(mkOp))
	assert.True(t, mkOp.Entry.Attributes.Mode.IsDir())
	subInode := mkOp.Entry.Child

	cfOp := &fuseops.CreateFileOp{Parent: subInode, Name: "f.txt", Mode: 0644}
	require.NoError(t, f.CreateFile(cfOp))

	require.NoError(t, f.Unlink(&fuseops.UnlinkOp{Parent: subInode, Name: "f.txt"}))
	require.NoError(t, f.RmDir(&fuseops.RmDirOp{Parent: fuseops.RootInodeID, Name: "sub"}))

	err := f.LookUpInode(&fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "sub"})
	require.Error(t, err)
	assert.Equal(t, syscall.ENOENT, err)
}

func TestMkDirOverCtlNameFailsEEXIST(t *testing.T) {
	f, _ := newTestFS(t)

	err := f.MkDir(&fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "_fsctl", Mode: 0755})
	require.Error(t, err)
	assert.Equal(t, syscall.EEXIST, err)
}

func TestRename(t *testing.T) {
	f, root := newTestFS(t)
	_, err := vfs.CreateChildFile(root, "old.txt", 0644, 1000, 1000, clock.RealClock{}.Now())
	require.NoError(t, err)

	require.NoError(t, f.Rename(&fuseops.RenameOp{
		OldParent: fuseops.RootInodeID, OldName: "old.txt",
		NewParent: fuseops.RootInodeID, NewName: "new.txt",
	}))

	err = f.LookUpInode(&fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "new.txt"})
	require.NoError(t, err)
}

func TestRenameOntoCtlNameFailsEPERM(t *testing.T) {
	f, root := newTestFS(t)
	_, err := vfs.CreateChildFile(root, "old.txt", 0644, 1000, 1000, clock.RealClock{}.Now())
	require.NoError(t, err)

	err = f.Rename(&fuseops.RenameOp{
		OldParent: fuseops.RootInodeID, OldName: "old.txt",
		NewParent: fuseops.RootInodeID, NewName: "_fsctl",
	})
	require.Error(t, err)
	assert.Equal(t, syscall.EPERM, err)
}

func TestOpenDirReadDirListsEntriesAndCtlFileAtRoot(t *testing.T) {
	f, root := newTestFS(t)
	_, err := vfs.CreateChildFile(root, "a.txt", 0644, 1000, 1000, clock.RealClock{}.Now())
	require.NoError(t, err)
	_, err = vfs.CreateChildDir(root, "b", 0755, 1000, 1000, clock.RealClock{}.Now())
	require.NoError(t, err)

	openOp := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID}
	require.NoError(t, f.OpenDir(openOp))

	dst := make([]byte, 4096)
	readOp := &fuseops.ReadDirOp{Handle: openOp.Handle, Offset: 0, Dst: dst}
	require.NoError(t, f.ReadDir(readOp))
	assert.Greater(t, readOp.BytesRead, 0)

	require.NoError(t, f.ReleaseDirHandle(&fuseops.ReleaseDirHandleOp{Handle: openOp.Handle}))
}

func TestOpenDirOnFileFailsENOTDIR(t *testing.T) {
	f, root := newTestFS(t)
	_, err := vfs.CreateChildFile(root, "a.txt", 0644, 1000, 1000, clock.RealClock{}.Now())
	require.NoError(t, err)

	lookupOp := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "a.txt"}
	require.NoError(t, f.LookUpInode(lookupOp))

	err = f.OpenDir(&fuseops.OpenDirOp{Inode: lookupOp.Entry.Child})
	require.Error(t, err)
	assert.Equal(t, syscall.ENOTDIR, err)
}

func TestOpenFileReadWriteRoundTrip(t *testing.T) {
	f, root := newTestFS(t)
	_, err := vfs.CreateChildFile(root, "a.txt", 0644, 1000, 1000, clock.RealClock{}.Now())
	require.NoError(t, err)

	lookupOp := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "a.txt"}
	require.NoError(t, f.LookUpInode(lookupOp))

	openOp := &fuseops.OpenFileOp{Inode: lookupOp.Entry.Child, OpenFlags: fuseops.OpenFlags(syscall.O_RDWR)}
	require.NoError(t, f.OpenFile(openOp))

	writeOp := &fuseops.WriteFileOp{Handle: openOp.Handle, Data: []byte("hello"), Offset: 0}
	require.NoError(t, f.WriteFile(writeOp))

	dst := make([]byte, 5)
	readOp := &fuseops.ReadFileOp{Handle: openOp.Handle, Dst: dst, Offset: 0}
	require.NoError(t, f.ReadFile(readOp))
	assert.Equal(t, "hello", string(dst[:readOp.BytesRead]))

	require.NoError(t, f.ReleaseFileHandle(&fuseops.ReleaseFileHandleOp{Handle: openOp.Handle}))
}

func TestOpenFileReadOnlyRejectsWriteEBADF(t *testing.T) {
	f, root := newTestFS(t)
	_, err := vfs.CreateChildFile(root, "a.txt", 0644, 1000, 1000, clock.RealClock{}.Now())
	require.NoError(t, err)

	lookupOp := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "a.txt"}
	require.NoError(t, f.LookUpInode(lookupOp))

	openOp := &fuseops.OpenFileOp{Inode: lookupOp.Entry.Child, OpenFlags: fuseops.OpenFlags(syscall.O_RDONLY)}
	require.NoError(t, f.OpenFile(openOp))

	err = f.WriteFile(&fuseops.WriteFileOp{Handle: openOp.Handle, Data: []byte("x"), Offset: 0})
	require.Error(t, err)
	assert.Equal(t, syscall.EBADF, err)
}

func TestOpenFileWriteOnlyRejectsReadEBADF(t *testing.T) {
	f, root := newTestFS(t)
	_, err := vfs.CreateChildFile(root, "a.txt", 0644, 1000, 1000, clock.RealClock{}.Now())
	require.NoError(t, err)

	lookupOp := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "a.txt"}
	require.NoError(t, f.LookUpInode(lookupOp))

	openOp := &fuseops.OpenFileOp{Inode: lookupOp.Entry.Child, OpenFlags: fuseops.OpenFlags(syscall.O_WRONLY)}
	require.NoError(t, f.OpenFile(openOp))

	err = f.ReadFile(&fuseops.ReadFileOp{Handle: openOp.Handle, Dst: make([]byte, 1), Offset: 0})
	require.Error(t, err)
	assert.Equal(t, syscall.EBADF, err)
}

func TestOpenFileControlFileDispatchesThroughHandle(t *testing.T) {
	root := vfs.NewDir("", 0755, 1000, 1000, clock.RealClock{}.Now())
	disp := &stubDispatcher{reply: map[string]string{"token": "deadbeef"}}
	f, err := newFileSystem(&Config{
		Root:       root,
		Dispatcher: disp,
		CtlName:    "_fsctl",
		Uid:        1000,
		Gid:        1000,
		Clock:      clock.RealClock{},
	})
	require.NoError(t, err)

	lookupOp := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "_fsctl"}
	require.NoError(t, f.LookUpInode(lookupOp))

	openOp := &fuseops.OpenFileOp{Inode: lookupOp.Entry.Child, OpenFlags: fuseops.OpenFlags(syscall.O_RDWR)}
	require.NoError(t, f.OpenFile(openOp))
	assert.True(t, openOp.UseDirectIO)

	req := []byte(`{"cmd":"LOAD","args":{"path":"/tmp/a.zip"}}` + "\n")
	require.NoError(t, f.WriteFile(&fuseops.WriteFileOp{Handle: openOp.Handle, Data: req, Offset: 0}))

	dst := make([]byte, 256)
	readOp := &fuseops.ReadFileOp{Handle: openOp.Handle, Dst: dst, Offset: 0}
	require.NoError(t, f.ReadFile(readOp))
	assert.Contains(t, string(dst[:readOp.BytesRead]), "deadbeef")
}

func TestSetInodeAttributesOnControlFileFailsEPERM(t *testing.T) {
	f, _ := newTestFS(t)

	err := f.SetInodeAttributes(&fuseops.SetInodeAttributesOp{Inode: f.ctlInodeID})
	require.Error(t, err)
	assert.Equal(t, syscall.EPERM, err)
}

func TestSetInodeAttributesResizesFile(t *testing.T) {
	f, root := newTestFS(t)
	child, err := vfs.CreateChildFile(root, "a.txt", 0644, 1000, 1000, clock.RealClock{}.Now())
	require.NoError(t, err)
	_, err = child.WriteAt([]byte("hello"), 0, clock.RealClock{}.Now())
	require.NoError(t, err)

	lookupOp := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "a.txt"}
	require.NoError(t, f.LookUpInode(lookupOp))

	size := uint64(2)
	setOp := &fuseops.SetInodeAttributesOp{Inode: lookupOp.Entry.Child, Size: &size}
	require.NoError(t, f.SetInodeAttributes(setOp))
	assert.EqualValues(t, 2, setOp.Attributes.Size)
}

func TestForgetInodeDropsRecordAtZero(t *testing.T) {
	f, root := newTestFS(t)
	_, err := vfs.CreateChildFile(root, "a.txt", 0644, 1000, 1000, clock.RealClock{}.Now())
	require.NoError(t, err)

	lookupOp := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "a.txt"}
	require.NoError(t, f.LookUpInode(lookupOp))
	id := lookupOp.Entry.Child

	require.NoError(t, f.ForgetInode(&fuseops.ForgetInodeOp{Inode: id, N: 1}))

	f.mu.Lock()
	_, stillPresent := f.nodes[id]
	f.mu.Unlock()
	assert.False(t, stillPresent)
}

func TestForgetInodeNeverDropsRoot(t *testing.T) {
	f, _ := newTestFS(t)

	require.NoError(t, f.ForgetInode(&fuseops.ForgetInodeOp{Inode: fuseops.RootInodeID, N: 1}))

	f.mu.Lock()
	_, stillPresent := f.nodes[fuseops.RootInodeID]
	f.mu.Unlock()
	assert.True(t, stillPresent)
}

func TestForgetInodeOnControlFileDecrementsDedicatedCounter(t *testing.T) {
	f, _ := newTestFS(t)

	require.NoError(t, f.LookUpInode(&fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "_fsctl"}))
	require.EqualValues(t, 1, f.ctlLookupCount)

	require.NoError(t, f.ForgetInode(&fuseops.ForgetInodeOp{Inode: f.ctlInodeID, N: 1}))
	assert.EqualValues(t, 0, f.ctlLookupCount)
}
