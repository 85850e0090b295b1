// Package version carries build metadata injected via -ldflags.
package version

var (
	Version = "dev"
	Commit  = "unknown"
)
