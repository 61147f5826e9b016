// Package buildinfo identifies the ctfagent binary: its release version,
// the commit it was built from, and the toolchain that built it.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Release builds set these with -ldflags "-X". Plain go build and go
// install leave them empty and Get falls back to the VCS stamp the
// toolchain embeds.
var (
	Version   = ""
	GitCommit = ""
	BuildTime = ""
)

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

var (
	once   sync.Once
	cached Info
)

// Get returns the build identity, resolved once per process.
func Get() Info {
	once.Do(func() { cached = resolve(Version, GitCommit, BuildTime, readBuildInfo()) })
	return cached
}

func readBuildInfo() *debug.BuildInfo {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	return bi
}

// resolve prefers ldflags values and fills the gaps from bi.
func resolve(version, commit, built string, bi *debug.BuildInfo) Info {
	info := Info{
		Version:   version,
		GitCommit: commit,
		BuildTime: built,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi != nil {
		if info.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.GitCommit == "" {
					info.GitCommit = s.Value
				}
			case "vcs.time":
				if info.BuildTime == "" {
					info.BuildTime = s.Value
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	if info.GitCommit == "" {
		info.GitCommit = "unknown"
	}
	return info
}

// String is the first line of "ctfagent version".
func (i Info) String() string {
	commit := i.GitCommit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if i.Modified {
		commit += "+dirty"
	}
	return fmt.Sprintf("ctfagent %s (%s, %s, %s)", i.Version, commit, i.GoVersion, i.Platform)
}

// UserAgent identifies ctfagent to target services and model APIs.
func UserAgent() string {
	return "ctfagent/" + Get().Version
}
