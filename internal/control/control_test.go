package control

import (
	"encoding/json"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chenzhuoyu/sandbox-fs/internal/vfs"
)

type fakeDispatcher struct {
	replies map[string]interface{}
	errs    map[string]error
	calls   []string
}

func (d *fakeDispatcher) Dispatch(cmd string, args json.RawMessage) (interface{}, error) {
	d.calls = append(d.calls, cmd)
	if err, ok := d.errs[cmd]; ok {
		return nil, err
	}
	return d.replies[cmd], nil
}

func TestWriteDispatchesCompleteLine(t *testing.T) {
	d := &fakeDispatcher{replies: map[string]interface{}{"LOAD": map[string]string{"token": "abc"}}}
	f := New(d)

	n, err := f.Write([]byte(`{"cmd":"LOAD","args":{"file":"x.zip"}}` + "\n"))
	require.NoError(t, err)
	assert.Equal(t, len(`{"cmd":"LOAD","args":{"file":"x.zip"}}`+"\n"), n)
	assert.Equal(t, []string{"LOAD"}, d.calls)

	dst := make([]byte, 256)
	nRead, err := f.Read(dst)
	require.NoError(t, err)
	assert.Contains(t, string(dst[:nRead]), `"token":"abc"`)
}

func TestWriteBuffersPartialLine(t *testing.T) {
	d := &fakeDispatcher{}
	f := New(d)

	_, err := f.Write([]byte(`{"cmd":"LOAD"`))
	require.NoError(t, err)
	assert.Empty(t, d.calls)

	_, err = f.Write([]byte(`,"args":{}}` + "\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"LOAD"}, d.calls)
}

func TestReadOnEmptyStreamReturnsZeroNil(t *testing.T) {
	f := New(&fakeDispatcher{})

	n, err := f.Read(make([]byte, 16))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMalformedJSONReturnsEINVALAndIsDiscarded(t *testing.T) {
	d := &fakeDispatcher{}
	f := New(d)

	_, err := f.Write([]byte("not json\n"))
	require.Error(t, err)

	fsErr, ok := err.(*vfs.FsError)
	require.True(t, ok)
	assert.Equal(t, syscall.EINVAL, fsErr.Errno)
	assert.Empty(t, d.calls)
}

func TestDispatcherErrorSurfacesErrnoAndStillRepliesOnStream(t *testing.T) {
	d := &fakeDispatcher{errs: map[string]error{
		"MOUNT": &vfs.FsError{Errno: syscall.ENOENT, Message: "unknown token"},
	}}
	f := New(d)

	_, err := f.Write([]byte(`{"cmd":"MOUNT","args":{}}` + "\n"))
	require.Error(t, err)
	fsErr, ok := err.(*vfs.FsError)
	require.True(t, ok)
	assert.Equal(t, syscall.ENOENT, fsErr.Errno)

	dst := make([]byte, 256)
	n, err := f.Read(dst)
	require.NoError(t, err)
	assert.Contains(t, string(dst[:n]), `"errno":2`)
}

func TestMultipleLinesInOneWriteAllDispatch(t *testing.T) {
	d := &fakeDispatcher{replies: map[string]interface{}{}}
	f := New(d)

	_, err := f.Write([]byte(`{"cmd":"UNMOUNT","args":{}}` + "\n" + `{"cmd":"UNLOAD","args":{}}` + "\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"UNMOUNT", "UNLOAD"}, d.calls)
}
