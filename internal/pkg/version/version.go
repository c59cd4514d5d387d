package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version (injected at build time via ldflags)
	Version = "dev"

	// GitCommit is the git commit hash (injected at build time via ldflags)
	GitCommit = "unknown"

	// BuildDate is the build date (injected at build time via ldflags)
	BuildDate = "unknown"

	// GoVersion is the Go compiler version
	GoVersion = runtime.Version()
)

// Info is the structured form printed by `wdpool version --json`.
type Info struct {
	Version        string `json:"version"`
	GitCommit      string `json:"git_commit"`
	BuildDate      string `json:"build_date"`
	GoVersion      string `json:"go_version"`
	Platform       string `json:"platform"`
	DecoderVersion string `json:"decoder_version,omitempty"`
	DecoderProfile string `json:"decoder_profile,omitempty"`
}

// GetVersion returns the full version string
func GetVersion() string {
	return Version
}

// GetFullVersion returns a detailed version string with build info
func GetFullVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s, %s %s/%s)",
		Version, GitCommit, BuildDate, GoVersion, runtime.GOOS, runtime.GOARCH)
}

// GetShortVersion returns a short version string
func GetShortVersion() string {
	if GitCommit != "unknown" && len(GitCommit) > 7 {
		return fmt.Sprintf("%s-%s", Version, GitCommit[:7])
	}
	return Version
}

// Collect returns build info together with the decoder library's version
// and profile.
func Collect(decoderVersion, decoderProfile string) Info {
	return Info{
		Version:        GetShortVersion(),
		GitCommit:      GitCommit,
		BuildDate:      BuildDate,
		GoVersion:      GoVersion,
		Platform:       runtime.GOOS + "/" + runtime.GOARCH,
		DecoderVersion: decoderVersion,
		DecoderProfile: decoderProfile,
	}
}
