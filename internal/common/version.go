package common

import "fmt"

// Build information, injected at build time via -ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// VersionString returns the full version string for the -version flag
func VersionString() string {
	return fmt.Sprintf("smartstore-gateway %s (commit %s, built %s)", Version, GitCommit, BuildTime)
}
