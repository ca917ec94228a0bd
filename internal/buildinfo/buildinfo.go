// Package buildinfo reports which localbridge binary is running. Values
// stamped with -ldflags win; anything left blank is filled from the
// module and VCS data the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Set with -ldflags "-X github.com/nugget/localbridge/internal/buildinfo.Version=v1.2.0".
var (
	Version   string
	GitCommit string
	BuildTime string
)

// Build describes the running binary.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	Modified  bool   `json:"modified,omitempty"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

var current = sync.OnceValue(func() Build {
	return resolve(debug.ReadBuildInfo)
})

// Current returns the metadata of this process's binary.
func Current() Build {
	return current()
}

func resolve(readBuildInfo func() (*debug.BuildInfo, bool)) Build {
	b := Build{
		Version:   Version,
		Commit:    GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := readBuildInfo(); ok && bi != nil {
		if b.Version == "" && bi.Main.Version != "(devel)" {
			b.Version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if b.Commit == "" {
					b.Commit = s.Value
				}
			case "vcs.time":
				if b.BuildTime == "" {
					b.BuildTime = s.Value
				}
			case "vcs.modified":
				b.Modified = s.Value == "true"
			}
		}
	}
	if b.Version == "" {
		b.Version = "dev"
	}
	if b.Commit == "" {
		b.Commit = "unknown"
	}
	if b.BuildTime == "" {
		b.BuildTime = "unknown"
	}
	return b
}

// ShortCommit abbreviates the commit hash and marks a dirty tree.
func (b Build) ShortCommit() string {
	c := b.Commit
	if len(c) > 12 {
		c = c[:12]
	}
	if b.Modified {
		c += "+dirty"
	}
	return c
}

func (b Build) String() string {
	return fmt.Sprintf("localbridge %s (%s) built %s", b.Version, b.ShortCommit(), b.BuildTime)
}

// UserAgent identifies localbridge in outbound HTTP requests.
func (b Build) UserAgent() string {
	return fmt.Sprintf("localbridge/%s (%s)", b.Version, b.Platform)
}
