package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version of the binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// String renders the build information as a single line.
func String() string {
	return fmt.Sprintf("signalwatch %s (commit %s, built %s, %s)", Version, Commit, BuildDate, runtime.Version())
}
