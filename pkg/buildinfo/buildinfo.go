// Package buildinfo reports the version stamped into the mailpulse binary.
package buildinfo

import (
	"encoding/json"
	"net/http"
	"runtime"
	"runtime/debug"
)

// These vars are set at build time via ldflags:
// -X github.com/otherjamesbrown/mailpulse/pkg/buildinfo.Version=v0.3.0
// -X github.com/otherjamesbrown/mailpulse/pkg/buildinfo.Commit=4e1c2a9
// -X github.com/otherjamesbrown/mailpulse/pkg/buildinfo.BuildTime=2026-10-01T08:00:00Z
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

// Info holds build information for one mailpulse role (serve, worker, cli).
type Info struct {
	ServiceName string `json:"service_name"`
	Version     string `json:"version"`
	Commit      string `json:"commit"`
	BuildTime   string `json:"build_time"`
	GoVersion   string `json:"go_version"`
	Modified    bool   `json:"modified,omitempty"`
}

// Get returns build info for the named role. When ldflags were not applied,
// the commit and time recorded by the Go toolchain are used instead.
func Get(serviceName string) Info {
	info := Info{
		ServiceName: serviceName,
		Version:     Version,
		Commit:      Commit,
		BuildTime:   BuildTime,
		GoVersion:   runtime.Version(),
	}
	if Commit != "unknown" {
		return info
	}

	bi, ok := readBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if len(s.Value) > 7 {
				info.Commit = s.Value[:7]
			} else if s.Value != "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if s.Value != "" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

// String returns a human-readable one-liner like "v0.3.0 (4e1c2a9, 2026-10-01T08:00:00Z)"
func String() string {
	info := Get("")
	return info.Version + " (" + info.Commit + ", " + info.BuildTime + ")"
}

// Handler returns an HTTP handler that responds with build info JSON.
func Handler(serviceName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Get(serviceName))
	}
}
