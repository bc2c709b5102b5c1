// Package version holds the build-stamped release version. The CLI, the
// /status command, and the self-upgrade checker all read the same value.
package version

// Version is overridden at build time via
// -ldflags "-X github.com/nextlevelbuilder/omniclaw/internal/version.Version=v1.2.3".
var Version = "dev"
