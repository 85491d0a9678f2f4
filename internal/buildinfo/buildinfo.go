// Package buildinfo reports the version stamped into the binary with
// -ldflags "-X github.com/nugget/troupe/internal/buildinfo.Version=...".
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Set at link time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Details is the build and runtime identity of the process.
type Details struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime"`
}

// Current returns the details for this process. A commit left unset
// by the linker is filled from the module's VCS stamp when present.
func Current() Details {
	d := Details{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Uptime:    Uptime().String(),
	}
	if d.GitCommit == "unknown" {
		if rev := vcsRevision(); rev != "" {
			d.GitCommit = rev
		}
	}
	return d
}

// Info returns Current as a flat map, the shape served by /v1/version.
func Info() map[string]string {
	d := Current()
	return map[string]string{
		"version":    d.Version,
		"git_commit": d.GitCommit,
		"git_branch": d.GitBranch,
		"build_time": d.BuildTime,
		"go_version": d.GoVersion,
		"os":         d.OS,
		"arch":       d.Arch,
		"uptime":     d.Uptime,
	}
}

func vcsRevision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return ""
}

// Uptime is the time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is sent on outbound HTTP requests, e.g.
// "troupe/1.2.0 (linux/amd64)".
func UserAgent() string {
	return fmt.Sprintf("troupe/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String is the one-line banner logged at startup.
func String() string {
	d := Current()
	return fmt.Sprintf("Troupe %s (%s@%s) built %s", d.Version, d.GitCommit, d.GitBranch, d.BuildTime)
}
