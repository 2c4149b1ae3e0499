// Package facts gathers system information from target hosts.
package facts

import (
	"context"
	"strings"

	"github.com/fleetops/herd/internal/remote"
)

// Facts describes a reachable host.
type Facts struct {
	Hostname string
	OSType   string
	OSName   string
	Kernel   string
	Arch     string
	Uptime   string
	User     string
}

// Gather collects facts over an established session. Individual probe
// failures leave the corresponding field empty rather than aborting
// the whole collection.
func Gather(ctx context.Context, r remote.Runner) (*Facts, error) {
	f := &Facts{}

	if out, err := run(ctx, r, "uname -s"); err == nil {
		f.OSType = out
	} else {
		// If even uname fails the session is unusable.
		return nil, err
	}
	if out, err := run(ctx, r, "uname -r"); err == nil {
		f.Kernel = out
	}
	if out, err := run(ctx, r, "uname -m"); err == nil {
		f.Arch = normalizeArch(out)
	}
	if out, err := run(ctx, r, "hostname"); err == nil {
		f.Hostname = out
	}
	if out, err := run(ctx, r, "whoami"); err == nil {
		f.User = out
	}
	if out, err := run(ctx, r, "uptime"); err == nil {
		f.Uptime = out
	}

	switch f.OSType {
	case "Darwin":
		if out, err := run(ctx, r, "sw_vers -productName"); err == nil {
			f.OSName = out
		}
	case "Linux":
		if out, err := run(ctx, r, "cat /etc/os-release 2>/dev/null"); err == nil {
			if name, ok := parseOSRelease(out)["PRETTY_NAME"]; ok {
				f.OSName = name
			}
		}
	}

	return f, nil
}

func run(ctx context.Context, r remote.Runner, cmd string) (string, error) {
	res, err := r.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// normalizeArch maps uname machine names onto Go arch names.
func normalizeArch(arch string) string {
	switch arch {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	case "armv7l":
		return "arm"
	}
	return arch
}

// parseOSRelease parses /etc/os-release format.
func parseOSRelease(content string) map[string]string {
	result := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, "="); idx > 0 {
			key := line[:idx]
			value := strings.Trim(line[idx+1:], "\"'")
			result[key] = value
		}
	}
	return result
}
