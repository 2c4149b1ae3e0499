//go:build windows

package remote

import "context"

// Windows has no SIGWINCH; the PTY keeps its initial size.
func watchResize(ctx context.Context, fd int, resize func(width, height int)) {}
