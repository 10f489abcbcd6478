// Package version reports build information for the concierge binaries.
package version

import (
	"fmt"
	"runtime"

	"github.com/containerd/log"
)

// Set with -ldflags "-X github.com/spin-stack/concierge/internal/version.Version=v1.0.0".
var (
	// Version is the release, "dev" for local builds.
	Version = "dev"

	// GitCommit is the commit SHA the binary was built from.
	GitCommit = "unknown"

	// BuildDate is the RFC3339 build timestamp.
	BuildDate = "unknown"
)

// Info returns a one-line description of the build.
func Info() string {
	return fmt.Sprintf("%s (commit: %s, built: %s, go: %s)",
		Version, GitCommit, BuildDate, runtime.Version())
}

// Short returns just the version string.
func Short() string {
	return Version
}

// Fields returns the build information as log fields.
func Fields() log.Fields {
	return log.Fields{
		"version":    Version,
		"commit":     GitCommit,
		"build_date": BuildDate,
		"go":         runtime.Version(),
	}
}
