// Package version exposes build metadata for the agent and the acceptance runner.
//
// Variables Version, Commit, and BuildTime are injected at build time via
// Go ldflags and default to sensible values for local builds.
package version
