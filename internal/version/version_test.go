package version

import (
	"runtime/debug"
	"testing"
	"time"
)

func TestOverrideWins(t *testing.T) {
	bi := &debug.BuildInfo{Main: debug.Module{Path: "example.com/x", Version: "v9.9.9"}}
	got := fromBuildInfo(bi, " v1.2.3 ")
	if got.Version != "v1.2.3" || got.Module != "example.com/x" {
		t.Fatalf("unexpected info: %+v", got)
	}
}

func TestModuleVersionStripsDirty(t *testing.T) {
	bi := &debug.BuildInfo{Main: debug.Module{Path: "example.com/x", Version: "v1.0.0+dirty"}}
	if got := fromBuildInfo(bi, "").Version; got != "v1.0.0" {
		t.Fatalf("version = %q", got)
	}
}

func TestPseudoVersionFromVCS(t *testing.T) {
	ts := time.Date(2025, time.January, 2, 3, 4, 5, 0, time.UTC)
	bi := &debug.BuildInfo{
		Main: debug.Module{Path: "example.com/x", Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "1234567890abcdef"},
			{Key: "vcs.time", Value: ts.Format(time.RFC3339)},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	got := fromBuildInfo(bi, "")
	if got.Version != "v0.0.0-20250102030405-1234567890ab" {
		t.Fatalf("version = %q", got.Version)
	}
	if !got.Modified || got.Revision != "1234567890abcdef" {
		t.Fatalf("unexpected vcs fields: %+v", got)
	}
}

func TestNoBuildInfo(t *testing.T) {
	got := fromBuildInfo(nil, "")
	if got.Module != defaultModule || got.Version != unknown {
		t.Fatalf("unexpected info: %+v", got)
	}
}
