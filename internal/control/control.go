// Package control implements the control pseudo-file: a per-open handle
// that accepts a line-delimited JSON request stream and produces a
// line-delimited JSON reply stream, dispatching each parsed request to a
// Dispatcher (the Controller, component F).
//
// The general shape — a synthetic file backed by an in-memory byte buffer
// that a read drains from an offset — is grounded on the "ctl" pseudo-file
// convention in nicolagi-muscle's cmd/musclefs/control.go, generalized here
// from a read-only status dump to a read/write JSON command channel with
// its own line-framing and dispatch loop, which has no analogue in the
// pack and is new domain logic.
package control

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"syscall"

	"github.com/chenzhuoyu/sandbox-fs/internal/logger"
	"github.com/chenzhuoyu/sandbox-fs/internal/vfs"
)

// Dispatcher executes one parsed command and returns either a JSON-encodable
// reply value or an error (typically a *vfs.FsError).
type Dispatcher interface {
	Dispatch(cmd string, args json.RawMessage) (reply interface{}, err error)
}

// request is the wire shape of one line of client input.
type request struct {
	Cmd  string          `json:"cmd"`
	Args json.RawMessage `json:"args"`
}

// errorReply is the wire shape of a failed command's reply line.
type errorReply struct {
	Error string `json:"error"`
	Errno int    `json:"errno"`
}

// File is one open handle on the control pseudo-file. Each open gets its own
// write-stream (bytes received, not yet parsed) and read-stream (reply
// bytes, not yet delivered).
type File struct {
	mu sync.Mutex

	// GUARDED_BY(mu)
	writeBuf bytes.Buffer
	// GUARDED_BY(mu)
	readBuf bytes.Buffer

	dispatcher Dispatcher
}

// New returns a fresh control handle dispatching through d.
func New(d Dispatcher) *File {
	return &File{dispatcher: d}
}

// Write appends p to the write-stream and parses/dispatches every complete
// ("\n"-terminated) line it now contains. It always consumes the full
// length of p — per the control file's never-block contract — but if any
// line dispatched during this call was malformed or named an unknown
// command, it returns EINVAL after still dispatching whichever other lines
// in the batch were well-formed.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writeBuf.Write(p)

	var firstErr error
	for {
		buf := f.writeBuf.Bytes()
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}

		line := append([]byte(nil), buf[:idx]...)
		f.writeBuf.Next(idx + 1)

		if err := f.dispatchLine(line); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return len(p), firstErr
}

// dispatchLine parses one line as a request, dispatches it, and appends the
// reply (success or error) to the read-stream. Requires f.mu held.
func (f *File) dispatchLine(line []byte) error {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		logger.Warnf("control: malformed request: %v", err)
		f.appendReply(errorReply{Error: "malformed request", Errno: int(syscall.EINVAL)})
		return &vfs.FsError{Errno: syscall.EINVAL, Message: "malformed control request"}
	}

	reply, err := f.dispatcher.Dispatch(req.Cmd, req.Args)
	if err != nil {
		errno := syscall.EINVAL
		if fsErr, ok := err.(*vfs.FsError); ok {
			errno = fsErr.Errno
		}
		logger.Warnf("control: %s failed: %v", req.Cmd, err)
		f.appendReply(errorReply{Error: err.Error(), Errno: int(errno)})
		return &vfs.FsError{Errno: errno, Message: fmt.Sprintf("%s failed", req.Cmd)}
	}

	logger.Infof("control: %s succeeded", req.Cmd)
	f.appendReply(reply)
	return nil
}

// appendReply marshals v as one JSON line and appends it to the
// read-stream. Requires f.mu held.
func (f *File) appendReply(v interface{}) {
	encoded, err := json.Marshal(v)
	if err != nil {
		// v is always one of our own known-marshalable reply types.
		panic(fmt.Sprintf("control: reply does not marshal: %v", err))
	}
	f.readBuf.Write(encoded)
	f.readBuf.WriteByte('\n')
}

// Read drains up to len(dst) bytes from the read-stream. An empty
// read-stream yields (0, nil): a non-blocking "no data yet," never a
// terminal EOF, so the handle remains usable for further write/read cycles.
func (f *File) Read(dst []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readBuf.Len() == 0 {
		return 0, nil
	}

	n, _ := f.readBuf.Read(dst)
	return n, nil
}
