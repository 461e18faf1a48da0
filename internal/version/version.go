package version

// Name is the service name reported by health checks and logs.
const Name = "botguard"

// Set via -ldflags "-X github.com/sitegrid/botguard/internal/version.GitCommit=..." at build time.
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Info is the build metadata exposed on the health endpoint.
type Info struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
}

// Current returns the metadata of the running binary.
func Current() Info {
	return Info{Service: Name, Version: Version, GitCommit: GitCommit, BuildTime: BuildTime}
}

// Full returns the version with commit and build time when both were stamped.
func Full() string {
	if BuildTime != "unknown" && GitCommit != "unknown" {
		return Version + " (commit: " + GitCommit + ", built: " + BuildTime + ")"
	}
	return Version
}
