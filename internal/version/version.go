// Package version carries build metadata injected via -ldflags.
package version

import "fmt"

var (
	// Version is the release version, "dev" for local builds.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String returns a single-line description for logs and -version.
func String() string {
	return fmt.Sprintf("dashd %s (%s, built %s)", Version, GitSHA, BuildTime)
}
