package buildinfo

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestResolve(t *testing.T) {
	vcs := &debug.BuildInfo{
		Main: debug.Module{Path: "github.com/nugget/localbridge", Version: "v0.4.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "3f9c2a7e5b1d4c6f8a0e2b4d6f8a1c3e5b7d9f0a"},
			{Key: "vcs.time", Value: "2026-09-30T18:04:11Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	fromVCS := func() (*debug.BuildInfo, bool) { return vcs, true }
	none := func() (*debug.BuildInfo, bool) { return nil, false }
	devel := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}}, true
	}

	tests := []struct {
		name                   string
		read                   func() (*debug.BuildInfo, bool)
		stamped                [3]string
		version, commit, built string
		modified               bool
	}{
		{"embedded vcs data", fromVCS, [3]string{}, "v0.4.1", vcs.Settings[0].Value, "2026-09-30T18:04:11Z", true},
		{"ldflags win", fromVCS, [3]string{"v1.0.0", "abc123", "today"}, "v1.0.0", "abc123", "today", true},
		{"no build info", none, [3]string{}, "dev", "unknown", "unknown", false},
		{"devel build", devel, [3]string{}, "dev", "unknown", "unknown", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Version, GitCommit, BuildTime = tt.stamped[0], tt.stamped[1], tt.stamped[2]
			t.Cleanup(func() { Version, GitCommit, BuildTime = "", "", "" })

			b := resolve(tt.read)
			if b.Version != tt.version || b.Commit != tt.commit || b.BuildTime != tt.built || b.Modified != tt.modified {
				t.Errorf("resolve() = %+v", b)
			}
			if b.GoVersion == "" || !strings.Contains(b.Platform, "/") {
				t.Errorf("runtime fields missing: %+v", b)
			}
		})
	}
}

func TestBuild_ShortCommit(t *testing.T) {
	tests := []struct {
		b    Build
		want string
	}{
		{Build{Commit: "3f9c2a7e5b1d4c6f8a0e"}, "3f9c2a7e5b1d"},
		{Build{Commit: "3f9c2a7e5b1d4c6f8a0e", Modified: true}, "3f9c2a7e5b1d+dirty"},
		{Build{Commit: "unknown"}, "unknown"},
	}
	for _, tt := range tests {
		if got := tt.b.ShortCommit(); got != tt.want {
			t.Errorf("ShortCommit(%q) = %q, want %q", tt.b.Commit, got, tt.want)
		}
	}
}

func TestBuild_Strings(t *testing.T) {
	b := Build{Version: "v0.4.1", Commit: "abc", BuildTime: "now", Platform: "linux/arm64"}
	if got, want := b.String(), "localbridge v0.4.1 (abc) built now"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got, want := b.UserAgent(), "localbridge/v0.4.1 (linux/arm64)"; got != want {
		t.Errorf("UserAgent() = %q, want %q", got, want)
	}
	if Current().Version == "" {
		t.Error("Current().Version is empty")
	}
}
