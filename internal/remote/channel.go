package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

// LineSink receives each complete output line in captured mode.
type LineSink func(line string)

// ExecOptions controls how a remote command's channel is multiplexed.
type ExecOptions struct {
	// Env is injected into the channel before execution.
	Env map[string]string

	// PTY requests a pseudo-terminal sized to the local terminal.
	PTY bool

	// Interactive forwards local stdin to the remote side.
	Interactive bool

	// Sink receives every complete output line. Optional.
	Sink LineSink

	// Alias and Tag identify the host and script in the remote log.
	Alias string
	Tag   string

	Log Logger

	// Stdin, Stdout and Stderr default to the process streams.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func (o *ExecOptions) fill() {
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Log == nil {
		o.Log = NopLogger()
	}
}

var defaultTermModes = ssh.TerminalModes{
	ssh.ECHO:          1,
	ssh.TTY_OP_ISPEED: 14400,
	ssh.TTY_OP_OSPEED: 14400,
}

// Exec runs command on a fresh channel and streams its output until the
// remote side completes, then drains both streams and returns the exit
// status. Output is split into lines: each line goes to the local
// writer, the sink, and the remote log. With Interactive set, local
// stdin bytes are forwarded unmodified. Cancelling ctx force-closes the
// channel; the remote process may keep running detached.
func Exec(ctx context.Context, s *Session, command string, opts ExecOptions) (int, error) {
	opts.fill()

	sess, err := s.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("failed to open channel: %w", err)
	}
	defer sess.Close()

	// Opening: env, then PTY.
	command = applyEnv(sess, command, opts.Env, opts.Log)

	if opts.PTY {
		w, h := localTermSize(opts.Stdout)
		if err := sess.RequestPty(termType(), h, w, defaultTermModes); err != nil {
			return -1, fmt.Errorf("failed to request pty: %w", err)
		}
		if opts.Interactive {
			if f, ok := opts.Stdout.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
				watchResize(ctx, int(f.Fd()), func(w, h int) {
					if err := sess.WindowChange(h, w); err != nil {
						opts.Log.Warnf("Failed to propagate window size: %v", err)
					}
				})
			}
		}
	}

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("failed to open stdout stream: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("failed to open stderr stream: %w", err)
	}
	if opts.Interactive {
		sess.Stdin = opts.Stdin
	}

	if err := sess.Start(command); err != nil {
		return -1, fmt.Errorf("failed to start command: %w", err)
	}

	// A local interrupt is the only cancellation trigger: it aborts the
	// streaming loop by closing the channel.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			sess.Close()
		case <-done:
		}
	}()

	// Streaming and draining: each stream has a dedicated drain that
	// runs until EOF, so all output produced before completion is
	// flushed. Ordering between the two streams is best-effort.
	var g errgroup.Group
	g.Go(func() error {
		return forwardLines(stdout, opts.Stdout, opts)
	})
	g.Go(func() error {
		return forwardLines(stderr, opts.Stderr, opts)
	})
	drainErr := g.Wait()

	// Closed: collect the exit status.
	waitErr := sess.Wait()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if drainErr != nil {
		return -1, drainErr
	}
	if waitErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(waitErr, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return -1, fmt.Errorf("remote command did not report exit status: %w", waitErr)
	}
	return 0, nil
}

// forwardLines splits a remote stream into lines and hands each to the
// local writer, the sink and the remote log. Byte order within the
// stream is preserved.
func forwardLines(r io.Reader, w io.Writer, opts ExecOptions) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		fmt.Fprintln(w, line)
		if opts.Sink != nil {
			opts.Sink(line)
		}
		opts.Log.RemoteLine(opts.Alias, opts.Tag, line)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read remote stream: %w", err)
	}
	return nil
}

// ShellOptions controls an interactive login shell.
type ShellOptions struct {
	Log    Logger
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// Shell bridges the local terminal to a remote login shell: raw local
// mode, PTY sized to the local terminal, window-size propagation, and
// unmodified byte forwarding in both directions. It returns when the
// remote side or the user ends the session.
func Shell(ctx context.Context, s *Session, opts ShellOptions) error {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Log == nil {
		opts.Log = NopLogger()
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer sess.Close()

	w, h := localTermSize(opts.Stdout)
	if err := sess.RequestPty(termType(), h, w, defaultTermModes); err != nil {
		return fmt.Errorf("failed to request pty: %w", err)
	}

	sess.Stdin = opts.Stdin
	sess.Stdout = opts.Stdout
	sess.Stderr = opts.Stderr

	fd := int(opts.Stdin.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("failed to set raw terminal: %w", err)
		}
		defer func() {
			if err := term.Restore(fd, state); err != nil {
				fmt.Fprintf(opts.Stderr, "failed to restore terminal: %v\n", err)
			}
		}()
		watchResize(ctx, int(opts.Stdout.Fd()), func(w, h int) {
			if err := sess.WindowChange(h, w); err != nil {
				opts.Log.Warnf("Failed to propagate window size: %v", err)
			}
		})
	}

	if err := sess.Shell(); err != nil {
		return fmt.Errorf("failed to start shell: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			sess.Close()
		case <-done:
		}
	}()

	err = sess.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		// The shell's own exit status is not an error for a login.
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) {
			return nil
		}
		return fmt.Errorf("shell session ended abnormally: %w", err)
	}
	return nil
}

// applyEnv injects env via per-channel env requests where the server
// allows them; rejected variables are re-injected by prefixing the
// command with exported assignments so the contract holds either way.
func applyEnv(sess *ssh.Session, command string, env map[string]string, log Logger) string {
	if len(env) == 0 {
		return command
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var rejected []string
	for _, k := range keys {
		if err := sess.Setenv(k, env[k]); err != nil {
			rejected = append(rejected, k)
		}
	}
	if len(rejected) == 0 {
		return command
	}
	log.Infof("Server rejected %d env requests, inlining assignments", len(rejected))
	var b strings.Builder
	for _, k := range rejected {
		fmt.Fprintf(&b, "%s=%s; export %s; ", k, shellQuote(env[k]), k)
	}
	b.WriteString(command)
	return b.String()
}

func localTermSize(out io.Writer) (width, height int) {
	if f, ok := out.(*os.File); ok {
		if w, h, err := term.GetSize(int(f.Fd())); err == nil && w > 0 && h > 0 {
			return w, h
		}
	}
	return 80, 24
}

func termType() string {
	if t := os.Getenv("TERM"); t != "" {
		return t
	}
	return "xterm-256color"
}
