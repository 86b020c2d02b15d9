// Package archive imports a tar or zip archive file into a detached vfs.Tree,
// ready to be grafted into a running filesystem by the controller.
//
// The walk itself — split each entry's path on "/", walk-or-create
// intermediate directories, attach the leaf — is grounded on go-fuse's
// zip-backed sample filesystem (zipRoot.OnAdd in
// other_examples/32af22da_hanwen-go-fuse__nodefs-zip_test.go.go), generalized
// from building live go-fuse Inodes to building detached vfs.Nodes, and
// extended to also accept archive/tar streams.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"syscall"

	"github.com/chenzhuoyu/sandbox-fs/internal/clock"
	"github.com/chenzhuoyu/sandbox-fs/internal/vfs"
)

// defaultDirPerm and defaultFilePerm are applied to every node created from
// an archive entry; archive formats' own permission bits are not trusted
// as-is since they may be absent (zip) or attacker-controlled (both).
const (
	defaultDirPerm  = 0755
	defaultFilePerm = 0644
)

// Import reads the archive at path and returns a detached tree containing
// its contents, rooted at an unnamed directory node. The format is
// determined by sniffing, not by file extension: zip is tried first (it has
// a reliable trailing central-directory signature), then tar.
func Import(path string, uid, gid uint32, clk clock.Clock) (*vfs.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapDecodeErr(err, "reading archive %q", path)
	}

	tree := vfs.NewTree(uid, gid, clk)

	if zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data))); err == nil {
		if err := importZip(tree, zr); err != nil {
			return nil, wrapDecodeErr(err, "importing zip archive %q", path)
		}
		return tree.Root(), nil
	}

	if err := importTar(tree, bytes.NewReader(data)); err == nil {
		return tree.Root(), nil
	}

	return nil, &vfs.FsError{Errno: syscall.EIO, Message: fmt.Sprintf("unrecognized archive format: %q", path)}
}

// wrapDecodeErr wraps a decoder/system failure as a *vfs.FsError with EIO,
// per the archive decoder error-handling contract, unless err already names
// a more specific errno (e.g. a core operation's ENOTDIR/EEXIST bubbling up
// out of the tree-building walk), in which case it passes through unchanged.
func wrapDecodeErr(err error, format string, args ...interface{}) error {
	var fsErr *vfs.FsError
	if errors.As(err, &fsErr) {
		return err
	}
	return &vfs.FsError{Errno: syscall.EIO, Message: fmt.Sprintf(format, args...) + ": " + err.Error()}
}

func importZip(tree *vfs.Tree, zr *zip.Reader) error {
	for _, f := range zr.File {
		if isDirEntry(f.Name, f.FileInfo().IsDir()) {
			if _, err := tree.MkdirAll(f.Name, defaultDirPerm); err != nil {
				return err
			}
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return wrapDecodeErr(err, "opening %q", f.Name)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return wrapDecodeErr(err, "reading %q", f.Name)
		}

		if err := writeEntry(tree, f.Name, content); err != nil {
			return err
		}
	}
	return nil
}

func importTar(tree *vfs.Tree, r io.Reader) error {
	tr := tar.NewReader(r)

	entries := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if entries {
				return fmt.Errorf("reading tar stream: %w", err)
			}
			// Nothing parsed yet; treat as "not a tar file" so Import can
			// report the combined zip/tar sniff failure instead.
			return err
		}
		entries = true

		switch hdr.Typeflag {
		case tar.TypeDir:
			if _, err := tree.MkdirAll(hdr.Name, defaultDirPerm); err != nil {
				return err
			}
		case tar.TypeReg, tar.TypeRegA:
			content, err := io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("reading %q: %w", hdr.Name, err)
			}
			if err := writeEntry(tree, hdr.Name, content); err != nil {
				return err
			}
		default:
			// Symlinks, devices, etc. have no place in this in-memory tree;
			// skip silently, matching the spec's "regular files and
			// directories only" scope for imported content.
		}
	}

	return nil
}

// writeEntry creates (or reuses) the directories leading up to name, then
// creates the leaf file and writes its content.
func writeEntry(tree *vfs.Tree, name string, content []byte) error {
	dir, base := path.Split(strings.TrimSuffix(name, "/"))

	if dir != "" {
		if _, err := tree.MkdirAll(dir, defaultDirPerm); err != nil {
			return err
		}
	}

	node, err := tree.CreateFile(path.Join(dir, base), defaultFilePerm)
	if err != nil {
		return err
	}

	if err := node.EnsureCapacity(len(content)); err != nil {
		return err
	}

	if _, err := node.WriteAt(content, 0, node.Stat().Mtime); err != nil {
		return err
	}
	return nil
}

func isDirEntry(name string, isDir bool) bool {
	return isDir || strings.HasSuffix(name, "/")
}
