// Package main is the sandbox-fs command-line entry point: a single cobra
// command mounting an initially empty, in-memory tree at the given mount
// point and serving it until SIGINT/SIGTERM triggers a clean unmount.
//
// Grounded on gcsfuse's cmd/root.go (cobra.Command + RunE + Args shape) and
// cmd/legacy_main.go (registerSIGINTHandler's signal channel + fuse.Unmount
// retry loop, and mountWithStorageHandle's fuse.Mount/MountConfig/mfs.Join
// sequence). Unlike gcsfuse, there is no bucket argument and no storage
// handle to build — the tree starts empty and is populated only via the
// control file at runtime, per SPEC_FULL.md §1/§6.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/spf13/cobra"

	"github.com/chenzhuoyu/sandbox-fs/internal/clock"
	"github.com/chenzhuoyu/sandbox-fs/internal/controller"
	fsfacade "github.com/chenzhuoyu/sandbox-fs/internal/fs"
	"github.com/chenzhuoyu/sandbox-fs/internal/logger"
	"github.com/chenzhuoyu/sandbox-fs/internal/vfs"
)

const defaultCtlName = "_fsctl"

var (
	optionsFlag []string
	ctlNameFlag string
	logFileFlag string
	logFormat   string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "sandbox-fs [OPTIONS] mountpoint",
	Short: "Mount an in-memory virtual filesystem controllable via a control pseudo-file",
	Long: `sandbox-fs mounts an empty, in-memory directory tree at mountpoint.
Archives (tar or zip) are loaded and grafted into the tree at runtime by
writing LOAD/MOUNT/UNLOAD/UNMOUNT commands, one JSON object per line, to the
control pseudo-file at the mount root (default name "_fsctl").`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(args[0])
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringArrayVarP(&optionsFlag, "options", "o", nil, "mount option, may be repeated (e.g. -o allow_other)")
	rootCmd.Flags().StringVar(&ctlNameFlag, "ctl-name", defaultCtlName, "name of the control pseudo-file at the mount root")
	rootCmd.Flags().StringVar(&logFileFlag, "log-file", "", "path to a log file (rotated); default logs to stderr")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "json", "log output format: text or json")
	rootCmd.Flags().StringVar(&logLevel, "log-level", logger.INFO, "minimum log severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF")
}

// parseMountOptions turns repeated "-o key=value" / "-o key" flags into the
// map jacobsa/fuse's MountConfig.Options expects, splitting comma-joined
// option groups the way mount(8)'s "-o a,b=c" convention allows.
func parseMountOptions(raw []string) map[string]string {
	opts := make(map[string]string)
	for _, group := range raw {
		for _, opt := range strings.Split(group, ",") {
			if opt == "" {
				continue
			}
			if key, value, found := strings.Cut(opt, "="); found {
				opts[key] = value
			} else {
				opts[opt] = ""
			}
		}
	}
	return opts
}

func run(mountPoint string) error {
	if err := configureLogging(); err != nil {
		return err
	}

	if ctlNameFlag == "" {
		return fmt.Errorf("--ctl-name must not be empty")
	}

	uid := uint32(os.Getuid())
	gid := uint32(os.Getgid())
	clk := clock.RealClock{}

	tree := vfs.NewTree(uid, gid, clk)
	ctl := controller.New(tree.Root(), uid, gid, clk)

	server, err := fsfacade.NewServer(&fsfacade.Config{
		Root:       tree.Root(),
		Dispatcher: ctl,
		CtlName:    ctlNameFlag,
		Uid:        uid,
		Gid:        gid,
		Clock:      clk,
	})
	if err != nil {
		return err
	}

	mountCfg := &fuse.MountConfig{
		FSName:     "sandbox-fs",
		Subtype:    "sandboxfs",
		VolumeName: "sandbox-fs",
		Options:    parseMountOptions(optionsFlag),
	}

	logger.Infof("mounting sandbox-fs at %q", mountPoint)
	mfs, err := fuse.Mount(mountPoint, server, mountCfg)
	if err != nil {
		return asExitError(fmt.Errorf("mount: %w", err))
	}

	registerSignalHandler(mfs.Dir())

	if err := mfs.Join(context.Background()); err != nil {
		return asExitError(fmt.Errorf("MountedFileSystem.Join: %w", err))
	}

	logger.Infof("sandbox-fs unmounted cleanly")
	return nil
}

// registerSignalHandler unmounts dir in response to SIGINT or SIGTERM,
// retrying until fuse.Unmount succeeds. Grounded on gcsfuse's
// cmd/legacy_main.go registerSIGINTHandler, extended to also catch SIGTERM.
func registerSignalHandler(dir string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		for range signalChan {
			logger.Infof("received shutdown signal, attempting to unmount %q...", dir)

			if err := fuse.Unmount(dir); err != nil {
				logger.Errorf("failed to unmount in response to signal: %v", err)
				continue
			}
			logger.Infof("successfully unmounted %q in response to signal", dir)
			return
		}
	}()
}

func configureLogging() error {
	logger.SetLogFormat(logFormat)
	logger.SetLoggingLevel(logLevel)

	if logFileFlag != "" {
		if err := logger.InitLogFile(logFileFlag, logFormat, logLevel, logger.DefaultLogRotateConfig()); err != nil {
			return fmt.Errorf("initializing log file: %w", err)
		}
	}
	return nil
}

// exitError carries a concrete process exit code alongside the underlying
// error, per SPEC_FULL.md §6: a fatal mount/runtime error exits with its
// errno rather than the generic code 1 reserved for argument/flag failures.
type exitError struct {
	err  error
	code int
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// asExitError maps a fatal error to its POSIX errno when it (or something it
// wraps) names one, falling back to exit code 1 otherwise.
func asExitError(err error) *exitError {
	var fsErr *vfs.FsError
	if errors.As(err, &fsErr) {
		return &exitError{err: err, code: int(fsErr.Errno)}
	}
	return &exitError{err: err, code: 1}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}
