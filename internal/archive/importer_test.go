package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chenzhuoyu/sandbox-fs/internal/clock"
	"github.com/chenzhuoyu/sandbox-fs/internal/vfs"
)

func writeTempZip(t *testing.T, entries map[string]string) string {
	t.Helper()

	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for name, content := range entries {
		fw, err := zw.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "archive.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func writeTempTar(t *testing.T, entries map[string]string) string {
	t.Helper()

	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for name, content := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Size: int64(len(content)),
			Mode: 0644,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	path := filepath.Join(t.TempDir(), "archive.tar")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func lookup(t *testing.T, root *vfs.Node, path string) *vfs.Node {
	t.Helper()

	n, err := vfs.Resolve(root, path)
	require.NoError(t, err)
	return n
}

func TestImportZipCreatesTreeAndFiles(t *testing.T) {
	entries := map[string]string{
		"file.txt":           "content",
		"dir/subfile1":       "content2",
		"dir/subdir/subfile": "content3",
	}
	path := writeTempZip(t, entries)

	root, err := Import(path, 1000, 1000, clock.RealClock{})
	require.NoError(t, err)
	require.True(t, root.IsDir())

	for name, content := range entries {
		n := lookup(t, root, name)
		assert.False(t, n.IsDir())

		dst := make([]byte, len(content))
		nRead, err := n.ReadAt(dst, 0, n.Stat().Mtime)
		require.NoError(t, err)
		assert.Equal(t, content, string(dst[:nRead]))
	}
}

func TestImportTarCreatesTreeAndFiles(t *testing.T) {
	entries := map[string]string{
		"a.txt":     "aaa",
		"sub/b.txt": "bbb",
	}
	path := writeTempTar(t, entries)

	root, err := Import(path, 1000, 1000, clock.RealClock{})
	require.NoError(t, err)

	n := lookup(t, root, "sub/b.txt")
	dst := make([]byte, 3)
	nRead, err := n.ReadAt(dst, 0, n.Stat().Mtime)
	require.NoError(t, err)
	assert.Equal(t, "bbb", string(dst[:nRead]))
}

func TestImportUnrecognizedFormatFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.bin")
	require.NoError(t, os.WriteFile(path, []byte("not an archive"), 0644))

	_, err := Import(path, 1000, 1000, clock.RealClock{})
	require.Error(t, err)
}
