// Package version carries build metadata stamped at link time.
package version

import "runtime"

// Overridden with -ldflags "-X github.com/rbright/parlo/internal/version.Version=...".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return "parlo " + Version + " (commit=" + Commit + ", date=" + Date + ", go=" + runtime.Version() + ")"
}
