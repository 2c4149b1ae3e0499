// Package hook resolves per-operation overrides. An operation either
// runs its built-in implementation or delegates to an executable hook
// script found next to the configuration. The choice is made once per
// invocation, before any connection is opened.
package hook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/creack/pty"
)

// Kind tags how an operation will be carried out.
type Kind int

const (
	// BuiltIn runs the operation's own implementation.
	BuiltIn Kind = iota
	// External delegates to a hook script.
	External
)

// Strategy is the resolved dispatch decision for one operation.
type Strategy struct {
	Kind Kind
	// Path is the hook script, set only when Kind is External.
	Path string
}

// Resolve probes hooksDir for an executable override of the named
// operation. A regular, executable hooks/<op>.sh selects External;
// anything else selects BuiltIn.
func Resolve(hooksDir, op string) Strategy {
	p := filepath.Join(hooksDir, op+".sh")
	fi, err := os.Stat(p)
	if err != nil || fi.IsDir() {
		return Strategy{Kind: BuiltIn}
	}
	if fi.Mode().Perm()&0o111 == 0 {
		return Strategy{Kind: BuiltIn}
	}
	return Strategy{Kind: External, Path: p}
}

// RunOptions controls the execution of an external hook.
type RunOptions struct {
	// Args are passed to the hook after the operation name.
	Args []string
	// Env entries are appended to the inherited environment, in the
	// same KEY=VALUE form remote scripts receive.
	Env []string
	// Interactive attaches the hook to a PTY bridged to the given
	// streams so it can drive a terminal UI.
	Interactive bool

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Run executes an external hook and returns its exit code.
func Run(ctx context.Context, s Strategy, op string, opts RunOptions) (int, error) {
	if s.Kind != External {
		return 0, fmt.Errorf("hook: operation %q has no external hook", op)
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	cmd := exec.CommandContext(ctx, s.Path, append([]string{op}, opts.Args...)...)
	cmd.Env = append(os.Environ(), opts.Env...)

	if opts.Interactive {
		return runPTY(cmd, opts)
	}

	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	err := cmd.Run()
	return exitCode(err)
}

// runPTY runs the hook under a pseudo-terminal and bridges its I/O to
// the caller's streams.
func runPTY(cmd *exec.Cmd, opts RunOptions) (int, error) {
	f, err := pty.Start(cmd)
	if err != nil {
		return -1, fmt.Errorf("hook: starting pty: %w", err)
	}
	defer f.Close()

	if opts.Stdin != nil {
		go io.Copy(f, opts.Stdin)
	}
	// The copy ends when the hook exits and the PTY slave closes.
	io.Copy(opts.Stdout, f)

	err = cmd.Wait()
	return exitCode(err)
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("hook: %w", err)
}
