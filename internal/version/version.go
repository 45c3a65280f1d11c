// Package version carries build metadata injected with -ldflags and filled in
// from runtime/debug build info when absent.
package version

import (
	"fmt"
	"runtime/debug"
	"strconv"
)

// Link-time overrides, e.g.
// -X github.com/keithlinneman/readiness-proxy/internal/version.Version=v1.2.0
var (
	AppName    = "readiness-proxy"
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	AppName    string `json:"app"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

// Get returns the link-time values completed from the binary's build info.
func Get() Info {
	out := Info{
		AppName:    AppName,
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		out = out.withBuildInfo(bi)
	}
	return out
}

// withBuildInfo fills commit, dates and dirty state from the VCS stamps Go
// records. Link-time commit and build date win when set.
func (i Info) withBuildInfo(bi *debug.BuildInfo) Info {
	if bi.GoVersion != "" {
		i.GoVersion = bi.GoVersion
	}
	vcs := make(map[string]string, len(bi.Settings))
	for _, s := range bi.Settings {
		vcs[s.Key] = s.Value
	}
	if rev := vcs["vcs.revision"]; rev != "" && i.Commit == "none" {
		i.Commit = rev
	}
	if ts := vcs["vcs.time"]; ts != "" {
		i.CommitDate = ts
		if i.BuildDate == "" {
			i.BuildDate = ts
		}
	}
	if b, err := strconv.ParseBool(vcs["vcs.modified"]); err == nil {
		i.VCSDirty = &b
	}
	return i
}

// ShortCommit is the first 12 characters of the commit.
func (i Info) ShortCommit() string {
	if len(i.Commit) > 12 {
		return i.Commit[:12]
	}
	return i.Commit
}

// KV returns the build fields as logger key/value pairs.
func (i Info) KV() []any {
	return []any{
		"version", i.Version,
		"commit", i.Commit,
		"commit_date", i.CommitDate,
		"build_id", i.BuildId,
		"build_date", i.BuildDate,
		"go_version", i.GoVersion,
		"vcs_dirty", i.VCSDirty,
	}
}

// String is the one-line summary printed by -version.
func (i Info) String() string {
	dirty := ""
	if i.VCSDirty != nil && *i.VCSDirty {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s %s (commit %s%s, built %s, %s)",
		i.AppName, i.Version, i.ShortCommit(), dirty, orUnknown(i.BuildDate), orUnknown(i.GoVersion))
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
