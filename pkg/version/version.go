package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Component is the product name reported by the binary and the API.
const Component = "collede"

// Set at build time, e.g.
// -ldflags "-X github.com/keyamuha-ux/collede/pkg/version.Version=v1.2.3"
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
	Dirty   = ""
)

type Info struct {
	Component string `json:"component"`
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Date      string `json:"date,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	GoVersion string `json:"goVersion"`
}

func Current() Info {
	info := Info{
		Component: Component,
		Version:   strings.TrimSpace(Version),
		Commit:    strings.TrimSpace(Commit),
		Date:      strings.TrimSpace(Date),
		Dirty:     strings.EqualFold(strings.TrimSpace(Dirty), "true"),
		GoVersion: runtime.Version(),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fillFromBuildSettings(&info, bi.Settings)
	}
	return info
}

// fillFromBuildSettings uses embedded VCS data for fields ldflags left empty.
func fillFromBuildSettings(info *Info, settings []debug.BuildSetting) {
	for _, s := range settings {
		v := strings.TrimSpace(s.Value)
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = v
			}
		case "vcs.time":
			if info.Date == "" {
				info.Date = v
			}
		case "vcs.modified":
			info.Dirty = info.Dirty || strings.EqualFold(v, "true")
		}
	}
}

// String renders version[+shortsha][+dirty].
func (i Info) String() string {
	parts := []string{i.Version}
	if i.Commit != "" {
		short := i.Commit
		if len(short) > 12 {
			short = short[:12]
		}
		parts = append(parts, short)
	}
	if i.Dirty {
		parts = append(parts, "dirty")
	}
	return strings.Join(parts, "+")
}

func String() string {
	return Current().String()
}

// UserAgent is sent on outbound provider calls.
func UserAgent() string {
	return Component + "/" + String()
}

func Detailed() string {
	v := Current()
	out := fmt.Sprintf("%s %s (%s)", v.Component, v.String(), v.GoVersion)
	if v.Date != "" {
		out += "\nBuilt: " + v.Date
	}
	return out
}
