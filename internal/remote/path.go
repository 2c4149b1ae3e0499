package remote

import "strings"

// NormalizeRemotePath resolves path against the remote home directory
// using purely lexical rules: a leading "~" or a relative path is
// anchored at home, "." segments are dropped and ".." segments pop the
// preceding segment. No symlink resolution happens; this mirrors plain
// textual path joining, not filesystem canonicalization.
func NormalizeRemotePath(home, path string) string {
	switch {
	case path == "" || path == "~":
		path = home
	case strings.HasPrefix(path, "~/"):
		path = home + "/" + path[2:]
	case !strings.HasPrefix(path, "/"):
		path = home + "/" + path
	}

	var out []string
	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}
	return "/" + strings.Join(out, "/")
}
