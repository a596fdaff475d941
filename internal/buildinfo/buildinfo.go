package buildinfo

import "fmt"

// Set with -ldflags "-X shadow-server/internal/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return fmt.Sprintf("shadow-server version %s (git %s, built %s)", Version, Commit, Date)
}
