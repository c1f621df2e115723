package version

import "fmt"

// Set with -ldflags "-X coinwatch/internal/version.Version=..." at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("coinwatch %s (commit %s, built %s)", Version, Commit, BuildDate)
}
