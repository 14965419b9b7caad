package hub

// Set at build time:
//
//	go build -ldflags "-X github.com/markus-barta/agenthub/internal/hub.Version=$(cat VERSION)"
var (
	// Version defaults to "dev" for local builds.
	Version = "dev"

	// GitCommit is the commit hash the binary was built from.
	GitCommit = "unknown"
)

// VersionInfo returns the version with a short commit suffix when known.
func VersionInfo() string {
	if GitCommit != "unknown" && len(GitCommit) > 7 {
		return Version + " (" + GitCommit[:7] + ")"
	}
	return Version
}
