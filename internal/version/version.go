// Package version reports the fanout release embedded from the VERSION file.
package version

import (
	_ "embed"
	"runtime/debug"
	"strings"
)

//go:embed VERSION
var versionContent string

// Commit can be set at build time:
//
//	go build -ldflags "-X github.com/ShayCichocki/fanout/internal/version.Commit=abc1234"
var Commit string

// Get returns the release version with whitespace trimmed.
func Get() string {
	return strings.TrimSpace(versionContent)
}

// String returns the version followed by the short commit, when known.
// Without a linker override the VCS revision stamped by the go tool is used.
func String() string {
	commit := Commit
	if commit == "" {
		commit = vcsRevision()
	}
	if len(commit) > 7 {
		commit = commit[:7]
	}
	if commit == "" {
		return Get()
	}
	return Get() + " (" + commit + ")"
}

func vcsRevision() string {
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
