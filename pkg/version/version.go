// Package version holds build-time version information, injected via
// -ldflags at build time and defaulting to "dev" values otherwise.
package version

import (
	"fmt"
	"runtime"
)

// These are overridden at build time via:
//
//	go build -ldflags "-X github.com/catacombing/charon/pkg/version.BuildVersion=..."
var (
	BuildVersion = "dev"
	BuildCommit  = "unknown"
	BuildDate    = "unknown"
)

// Info returns the build information as a string map, suitable for
// Prometheus label values or JSON health responses.
func Info() map[string]string {
	return map[string]string{
		"version":    BuildVersion,
		"commit":     BuildCommit,
		"build_date": BuildDate,
		"go_version": runtime.Version(),
	}
}

// String returns a human-readable, multi-line version banner.
func String() string {
	return fmt.Sprintf("charon %s\n  commit:     %s\n  build date: %s\n  go version: %s",
		BuildVersion, BuildCommit, BuildDate, runtime.Version())
}
