// Package controller implements the process-wide archive registry and the
// four control commands (LOAD, MOUNT, UNLOAD, UNMOUNT) that mutate it and
// the live filesystem tree.
//
// The registry's two maps and its insert-if-absent-under-lock discipline are
// grounded on gcsfuse's fs/fs.go fileSystem.inodes/generationBackedInodes
// maps and lookUpOrCreateInodeIfNotStale: there, a racing pair of lookups
// for the same GCS object name must mint exactly one inode; here, a racing
// pair of LOADs for the same archive path must mint exactly one token.
package controller

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/singleflight"

	"github.com/chenzhuoyu/sandbox-fs/internal/archive"
	"github.com/chenzhuoyu/sandbox-fs/internal/clock"
	"github.com/chenzhuoyu/sandbox-fs/internal/logger"
	"github.com/chenzhuoyu/sandbox-fs/internal/vfs"
)

const tokenAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
const tokenLength = 32

// entry is one loaded archive: the path it was loaded from and the detached
// subtree root produced by the importer.
type entry struct {
	file string
	root *vfs.Node
}

// Controller owns the process-wide registry and the live filesystem root it
// grafts mounts onto and unmounts from.
type Controller struct {
	mu     sync.RWMutex
	tokens map[string]string // GUARDED_BY(mu): archive path -> token
	files  map[string]*entry // GUARDED_BY(mu): token -> entry

	loadGroup singleflight.Group

	root *vfs.Node
	uid  uint32
	gid  uint32
	clk  clock.Clock
}

// New returns a Controller grafting mounts onto root.
func New(root *vfs.Node, uid, gid uint32, clk clock.Clock) *Controller {
	return &Controller{
		tokens: make(map[string]string),
		files:  make(map[string]*entry),
		root:   root,
		uid:    uid,
		gid:    gid,
		clk:    clk,
	}
}

// mintToken returns a fresh 32-character token drawn from tokenAlphabet
// using a cryptographically seeded source, avoiding the data race a shared
// math/rand.Rand would introduce under concurrent LOADs.
func mintToken() (string, error) {
	raw := make([]byte, tokenLength)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}

	b := make([]byte, tokenLength)
	for i, v := range raw {
		b[i] = tokenAlphabet[int(v)%len(tokenAlphabet)]
	}
	return string(b), nil
}

func validateAlias(alias string) error {
	if alias == "" || strings.ContainsAny(alias, "/\x00") {
		return &vfs.FsError{Errno: syscall.EINVAL, Message: fmt.Sprintf("invalid alias: %q", alias)}
	}
	return nil
}

// Load runs the archive importer against file, registering a fresh token
// for it. Concurrent Loads of the same path are coalesced via singleflight
// so only one importer run happens per path; every racing caller after the
// first still observes EEXIST once the winner's registry insert lands.
func (c *Controller) Load(file string) (token string, err error) {
	v, err, _ := c.loadGroup.Do(file, func() (interface{}, error) {
		return c.load(file)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Controller) load(file string) (string, error) {
	token, err := mintToken()
	if err != nil {
		return "", fmt.Errorf("minting token: %w", err)
	}

	c.mu.Lock()
	if _, exists := c.tokens[file]; exists {
		c.mu.Unlock()
		return "", &vfs.FsError{Errno: syscall.EEXIST, Message: fmt.Sprintf("already loaded: %q", file)}
	}
	c.tokens[file] = token
	c.mu.Unlock()

	root, err := archive.Import(file, c.uid, c.gid, c.clk)
	if err != nil {
		// The token/file mapping is deliberately left in place on import
		// failure, blocking re-LOAD of this path until process restart —
		// preserved as specified, not a bug.
		logger.Errorf("controller: import of %q failed: %v", file, err)
		return "", err
	}

	c.mu.Lock()
	c.files[token] = &entry{file: file, root: root}
	c.mu.Unlock()

	logger.Infof("controller: loaded %q as token %s", file, token)
	return token, nil
}

// Mount grafts a clone of the subtree registered under token onto the live
// root as alias.
func (c *Controller) Mount(token, alias string) error {
	if err := validateAlias(alias); err != nil {
		return err
	}

	c.mu.RLock()
	e, ok := c.files[token]
	c.mu.RUnlock()
	if !ok {
		return &vfs.FsError{Errno: syscall.ENOENT, Message: fmt.Sprintf("unknown token: %q", token)}
	}

	if err := vfs.GraftChild(c.root, alias, e.root.Clone()); err != nil {
		return err
	}

	logger.Infof("controller: mounted %s as %q", token, alias)
	return nil
}

// Unload removes the registry entries for token and its associated file.
// Any subtrees already grafted under the live root via Mount survive,
// since they are independent clones.
func (c *Controller) Unload(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.files[token]
	if !ok {
		return &vfs.FsError{Errno: syscall.ENOENT, Message: fmt.Sprintf("unknown token: %q", token)}
	}

	delete(c.files, token)
	delete(c.tokens, e.file)

	logger.Infof("controller: unloaded %s (%q)", token, e.file)
	return nil
}

// Unmount removes alias from the live root's children.
func (c *Controller) Unmount(alias string) error {
	if err := validateAlias(alias); err != nil {
		return err
	}

	if err := vfs.Ungraft(c.root, alias); err != nil {
		return err
	}

	logger.Infof("controller: unmounted %q", alias)
	return nil
}

// loadArgs/mountArgs/unloadArgs/unmountArgs are the per-command argument
// shapes unmarshaled from a control request's "args" field.
type loadArgs struct {
	File string `json:"file"`
}

type mountArgs struct {
	Token string `json:"token"`
	Alias string `json:"alias"`
}

type unloadArgs struct {
	Token string `json:"token"`
}

type unmountArgs struct {
	Alias string `json:"alias"`
}

// loadReply/emptyReply are the per-command success reply shapes.
type loadReply struct {
	Token string `json:"token"`
}

type emptyReply struct{}

// Dispatch implements control.Dispatcher, routing a parsed command to the
// matching registry operation above.
func (c *Controller) Dispatch(cmd string, rawArgs json.RawMessage) (interface{}, error) {
	switch cmd {
	case "LOAD":
		var args loadArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, badArgs(cmd, err)
		}
		token, err := c.Load(args.File)
		if err != nil {
			return nil, err
		}
		return loadReply{Token: token}, nil

	case "MOUNT":
		var args mountArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, badArgs(cmd, err)
		}
		if err := c.Mount(args.Token, args.Alias); err != nil {
			return nil, err
		}
		return emptyReply{}, nil

	case "UNLOAD":
		var args unloadArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, badArgs(cmd, err)
		}
		if err := c.Unload(args.Token); err != nil {
			return nil, err
		}
		return emptyReply{}, nil

	case "UNMOUNT":
		var args unmountArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, badArgs(cmd, err)
		}
		if err := c.Unmount(args.Alias); err != nil {
			return nil, err
		}
		return emptyReply{}, nil

	default:
		return nil, &vfs.FsError{Errno: syscall.EINVAL, Message: fmt.Sprintf("unknown command: %q", cmd)}
	}
}

func badArgs(cmd string, err error) error {
	return &vfs.FsError{Errno: syscall.EINVAL, Message: fmt.Sprintf("%s: bad args: %v", cmd, err)}
}
