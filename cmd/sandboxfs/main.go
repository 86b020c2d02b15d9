package main

import (
	"fmt"
	"os"

	"github.com/chenzhuoyu/sandbox-fs/internal/logger"
)

// main wires cobra's own argument/flag-parsing failures to exit code 1 (per
// SPEC_FULL.md §6) and anything run returns via asExitError to that error's
// own errno. A panic anywhere below is recovered here rather than crashing
// the process uncleanly, so the root Node and the Controller's registries
// (both process-only state with nothing to flush) are released the same way
// on every exit path — normal return, signal-triggered unmount, or a bug.
func main() {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("sandbox-fs: recovered from panic: %v", r)
			os.Exit(1)
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
