// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import "fmt"

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

// String returns a one-line summary for logging and "-version" output.
func String() string {
	return fmt.Sprintf("gatewayd %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
