// Package version provides version information for Quill.
package version

// These variables are set at build time via ldflags.
var (
	// Version is the semantic version of Quill.
	Version = "0.1.0-dev"

	// Commit is the git commit hash.
	Commit = "unknown"

	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)
