// Package version carries build metadata stamped in with -ldflags -X.
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build metadata for startup logs and -version output.
func String() string {
	return fmt.Sprintf("cs %s (commit %s, built %s)", Version, GitSHA, BuildTime)
}
