// Package buildinfo carries the identity of the published library artifact.
package buildinfo

import "fmt"

const (
	Name     = "tdcore"
	Artifact = "com.github.fazilus:tdlib-android"
)

// Version and Commit are overridden at link time with
// -ldflags "-X github.com/danmuck/tdcore/internal/buildinfo.Commit=...".
var (
	Version = "1.8.61"
	Commit  = "dev"
)

func String() string {
	return fmt.Sprintf("%s %s (%s:%s, commit %s)", Name, Version, Artifact, Version, Commit)
}
