// Package version reports the salesdesk build.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Version, Commit and Date are stamped by the release build:
//
//	go build -ldflags "-X github.com/soyeahso/salesdesk/internal/version.Version=1.0.0
//	  -X github.com/soyeahso/salesdesk/internal/version.Commit=abc123
//	  -X github.com/soyeahso/salesdesk/internal/version.Date=2026-01-01"
//
// Plain `go build` leaves them unset; Resolve then falls back to the VCS
// stamp the toolchain embeds.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Build is the resolved build identity.
type Build struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
	Dirty   bool   `json:"dirty,omitempty"`
	Go      string `json:"go"`
}

var readBuildInfo = debug.ReadBuildInfo

var (
	resolveOnce sync.Once
	resolved    Build
)

// Resolve returns the build identity, filling Commit and Date from the
// embedded VCS settings when ldflags did not set them.
func Resolve() Build {
	resolveOnce.Do(func() { resolved = resolve() })
	return resolved
}

func resolve() Build {
	b := Build{Version: Version, Commit: Commit, Date: Date, Go: runtime.Version()}
	info, ok := readBuildInfo()
	if !ok {
		return b
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "unknown" {
				b.Commit = s.Value
			}
		case "vcs.time":
			if b.Date == "unknown" {
				b.Date = s.Value
			}
		case "vcs.modified":
			b.Dirty = s.Value == "true"
		}
	}
	return b
}

// Info returns a one-line description for `salesdesk version`.
func Info() string {
	b := Resolve()
	dirty := ""
	if b.Dirty {
		dirty = "+dirty"
	}
	return fmt.Sprintf("salesdesk %s (%s%s, built %s, %s %s/%s)",
		b.Version, short(b.Commit), dirty, b.Date, b.Go, runtime.GOOS, runtime.GOARCH)
}

// UserAgent identifies salesdesk in outbound HTTP requests.
func UserAgent() string {
	return "salesdesk/" + Version + " (" + runtime.GOOS + ")"
}

func short(s string) string {
	if len(s) > 7 {
		return s[:7]
	}
	return s
}
