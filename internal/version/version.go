// Package version resolves the build version of the running binary.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "github.com/docuvault/doclease"

// buildVersion is set via -ldflags "-X github.com/docuvault/doclease/internal/version.buildVersion=...".
var buildVersion = ""

// Current returns the release version when one was stamped at build
// time, the module version from build info otherwise, and a VCS
// pseudo-version as a last resort.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "v0.0.0-unknown"
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if v := pseudoVersion(info); v != "" {
		return v
	}
	return "v0.0.0-unknown"
}

// Module returns the module path from build info when available.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

// pseudoVersion derives a v0.0.0-<timestamp>-<rev> string from the VCS
// settings Go embeds into binaries built inside a checkout.
func pseudoVersion(info *debug.BuildInfo) string {
	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	rev := settings["vcs.revision"]
	stamp, err := time.Parse(time.RFC3339, settings["vcs.time"])
	if rev == "" || err != nil {
		return ""
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + stamp.UTC().Format("20060102150405") + "-" + rev
	if settings["vcs.modified"] == "true" {
		v += "+dirty"
	}
	return v
}
