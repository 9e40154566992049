// Package version reports the build version of the moorage binary.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const (
	defaultModule = "pkt.systems/moorage"
	unknown       = "v0.0.0-unknown"
)

// buildVersion is set with -ldflags "-X pkt.systems/moorage/internal/version.buildVersion=v1.2.3".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Module    string    `json:"module"`
	Version   string    `json:"version"`
	Revision  string    `json:"revision,omitempty"`
	Time      time.Time `json:"time,omitzero"`
	Modified  bool      `json:"modified,omitempty"`
	GoVersion string    `json:"go_version,omitempty"`
}

// Get returns the build information of the current binary.
func Get() Info {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info, buildVersion)
}

// Current returns the release version, or a pseudo-version derived from
// the VCS stamp when the binary was built from a checkout.
func Current() string {
	return Get().Version
}

// Module returns the main module path.
func Module() string {
	return Get().Module
}

func fromBuildInfo(bi *debug.BuildInfo, override string) Info {
	out := Info{Module: defaultModule, Version: unknown}
	if bi != nil {
		if p := strings.TrimSpace(bi.Main.Path); p != "" {
			out.Module = p
		}
		out.GoVersion = bi.GoVersion
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				out.Revision = s.Value
			case "vcs.time":
				out.Time, _ = time.Parse(time.RFC3339, s.Value)
			case "vcs.modified":
				out.Modified = s.Value == "true"
			}
		}
	}
	switch {
	case strings.TrimSpace(override) != "":
		out.Version = strings.TrimSpace(override)
	case bi != nil && bi.Main.Version != "" && bi.Main.Version != "(devel)":
		out.Version = bi.Main.Version
	case out.Revision != "" && !out.Time.IsZero():
		out.Version = pseudoVersion(out.Time, out.Revision)
	}
	out.Version = strings.TrimSuffix(out.Version, "+dirty")
	return out
}

// pseudoVersion formats a Go module pseudo-version for a commit.
func pseudoVersion(at time.Time, revision string) string {
	if len(revision) > 12 {
		revision = revision[:12]
	}
	return "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + revision
}
