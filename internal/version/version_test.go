package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestShortRevision(t *testing.T) {
	tests := []struct {
		rev   string
		dirty bool
		want  string
	}{
		{"0123456789abcdef", false, "0123456"},
		{"0123456789abcdef", true, "0123456-dirty"},
		{"abc", false, "abc"},
	}
	for _, tt := range tests {
		if got := shortRevision(tt.rev, tt.dirty); got != tt.want {
			t.Errorf("shortRevision(%q, %v) = %v, want %v", tt.rev, tt.dirty, got, tt.want)
		}
	}
}

func TestFillFromBuildInfo(t *testing.T) {
	oldVersion, oldCommit := Version, Commit
	t.Cleanup(func() { Version, Commit = oldVersion, oldCommit })

	Version, Commit = "", ""
	fillFromBuildInfo(&debug.BuildInfo{
		Main: debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "deadbeefcafe"},
			{Key: "vcs.modified", Value: "true"},
			{Key: "vcs.time", Value: "2026-03-01T10:00:00Z"},
		},
	}, true)

	if Commit != "deadbee-dirty" {
		t.Errorf("Commit = %v, want deadbee-dirty", Commit)
	}
	if Version != "dev-20260301" {
		t.Errorf("Version = %v, want dev-20260301", Version)
	}
}

func TestFull(t *testing.T) {
	if !strings.Contains(Full(), Commit) {
		t.Errorf("Full() = %v, should contain commit %v", Full(), Commit)
	}
	if Get().Version != Version {
		t.Errorf("Get().Version = %v, want %v", Get().Version, Version)
	}
}
