// Package version reports which build of burrowd is running.
package version

import "runtime/debug"

// release is stamped on tagged builds:
//
//	go build -ldflags "-X github.com/burrow-labs/burrow/pkg/version.release=v1.2.0"
//
// Untagged builds fall back to VCS metadata.
var release string

// Full returns the identifier used in health responses and startup logs,
// "burrow/<build>".
func Full() string {
	return "burrow/" + String()
}

// String resolves the build identifier: an explicit release wins, then the
// VCS revision ("+dirty" when the tree had local modifications), then "dev".
func String() string {
	if release != "" {
		return release
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return "dev"
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	if dirty {
		revision += "+dirty"
	}
	return revision
}
