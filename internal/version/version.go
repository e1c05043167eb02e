// Package version holds build metadata injected at link time.
package version

import "fmt"

// Set via -ldflags at build time, e.g.:
//
//	go build -ldflags "-X github.com/ensembleworks/ensemble/internal/version.Version=v0.3.0"
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// String returns a human-readable version string.
func String() string {
	return fmt.Sprintf("ensemble %s (commit %s, built %s)", Version, Commit, Date)
}
