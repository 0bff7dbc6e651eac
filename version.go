package campaign

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// ModulePath is the import path of this library.
const ModulePath = "github.com/lattiq/campaign"

// Version information injected at build time via ldflags.
var (
	// Version is the semantic version of the library.
	Version = "dev"

	// GitCommit is the git commit hash when the binary was built.
	GitCommit = "unknown"

	// BuildDate is the date when the binary was built.
	BuildDate = "unknown"
)

// VersionInfo contains detailed version information.
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo returns the version of the library. When no version was
// injected, the module version recorded in the binary build info is used.
func GetVersionInfo() *VersionInfo {
	info := &VersionInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if info.Version == "dev" {
		if v := moduleVersion(buildInfo); v != "" && v != "(devel)" {
			info.Version = v
		}
	}
	for _, setting := range buildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			if info.GitCommit == "unknown" && buildInfo.Main.Path == ModulePath {
				info.GitCommit = setting.Value
			}
		case "vcs.modified":
			if setting.Value == "true" && buildInfo.Main.Path == ModulePath && !strings.HasSuffix(info.GitCommit, "-dirty") {
				info.GitCommit += "-dirty"
			}
		}
	}
	return info
}

func moduleVersion(buildInfo *debug.BuildInfo) string {
	if buildInfo.Main.Path == ModulePath {
		return buildInfo.Main.Version
	}
	for _, dep := range buildInfo.Deps {
		if dep.Path == ModulePath {
			if dep.Replace != nil {
				return dep.Replace.Version
			}
			return dep.Version
		}
	}
	return ""
}

// String returns a human-readable version string.
func (v *VersionInfo) String() string {
	parts := []string{"Version: " + v.Version}
	if v.GitCommit != "unknown" && v.GitCommit != "" {
		parts = append(parts, "Commit: "+v.GitCommit)
	}
	if v.BuildDate != "unknown" && v.BuildDate != "" {
		parts = append(parts, "Built: "+v.BuildDate)
	}
	parts = append(parts, "Go: "+v.GoVersion, "Platform: "+v.Platform)
	return strings.Join(parts, ", ")
}

// UserAgent returns the User-Agent sent with provider API calls.
func (v *VersionInfo) UserAgent() string {
	return fmt.Sprintf("lattiq-campaign/%s (%s)", v.Version, v.Platform)
}

// IsDevBuild returns true if this is a development build.
func (v *VersionInfo) IsDevBuild() bool {
	return strings.Contains(v.Version, "dev") ||
		strings.HasSuffix(v.GitCommit, "-dirty") ||
		v.GitCommit == "unknown"
}
