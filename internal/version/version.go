// Package version carries the build version, injected via ldflags.
package version

// Version is "dev" unless overridden at build time with
// -ldflags "-X github.com/dbredin/switchboard/internal/version.Version=...".
var Version = "dev"
