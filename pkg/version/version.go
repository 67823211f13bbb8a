package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Build information, overridden with -ldflags "-X" at release time
var (
	// Version in string format
	Version = "0.1.0"
	// GitCommit is the git commit that was compiled
	GitCommit = ""
	// BuildDate is the date of the build
	BuildDate = ""
	// AppName is the name of the application
	AppName = "reqpanel"
	// Description of the application
	Description = "A terminal control panel for a single-threaded HTTP listener"
)

// Commit returns the commit the binary was built from. The linker value wins;
// otherwise the VCS stamp embedded by the go tool is used.
func Commit() string {
	if GitCommit != "" {
		return GitCommit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

// GetVersionInfo returns a formatted version string with additional build information
func GetVersionInfo() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s version %s", AppName, Version)
	if commit := Commit(); commit != "" {
		fmt.Fprintf(&sb, "\nGit commit: %s", commit)
	}
	if BuildDate != "" {
		fmt.Fprintf(&sb, "\nBuild date: %s", BuildDate)
	}
	fmt.Fprintf(&sb, "\nGo version: %s", runtime.Version())
	fmt.Fprintf(&sb, "\nPlatform: %s/%s", runtime.GOOS, runtime.GOARCH)

	return sb.String()
}
