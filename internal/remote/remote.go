// Package remote implements the session, execution and transfer engine:
// connection establishment with port and auth fallback, the channel
// multiplexer used for interactive shells and script streaming, the
// script deployment pipeline, recursive file transfer with a fallback
// protocol, and reboot orchestration with liveness polling.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Logger is the line-oriented logging capability the engine reports to.
// Lifecycle events go to Infof/Warnf/Errorf; every line of remote output
// goes to RemoteLine tagged with the owning alias and script.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	RemoteLine(alias, script, line string)
}

// nopLogger discards everything.
type nopLogger struct{}

func (nopLogger) Infof(string, ...any)          {}
func (nopLogger) Warnf(string, ...any)          {}
func (nopLogger) Errorf(string, ...any)         {}
func (nopLogger) RemoteLine(string, string, string) {}

// NopLogger returns a Logger that discards all messages.
func NopLogger() Logger { return nopLogger{} }

// Target identifies one remote host and how to authenticate against it.
type Target struct {
	// Host is the hostname or IP address.
	Host string

	// Port is the configured SSH port (before any fallback).
	Port int

	// User is the remote admin user.
	User string

	// Password is optional; used only when key/agent auth is rejected.
	Password string

	// KeyPath is an optional private key file.
	KeyPath string
}

// Addr returns the host:port pair for the given port.
func (t Target) Addr(port int) string {
	return fmt.Sprintf("%s:%d", t.Host, port)
}

// Result holds the output of a captured remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes captured commands on an established session. It is the
// surface fact gathering and shell detection depend on.
type Runner interface {
	Run(ctx context.Context, cmd string) (*Result, error)
}

// Session wraps one authenticated SSH transport. A session is owned by
// exactly one logical operation and must be closed when that operation
// completes; Close is idempotent.
type Session struct {
	client *ssh.Client

	// ConfiguredPort is the profile's port; ActualPort is the port the
	// session was actually established on (after fallback).
	ConfiguredPort int
	ActualPort     int

	// Target the session was opened against.
	Target Target

	closeOnce sync.Once
	closeErr  error
}

// Client exposes the underlying transport for channel and subsystem use.
func (s *Session) Client() *ssh.Client { return s.client }

// Close releases the transport. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.client != nil {
			s.closeErr = s.client.Close()
		}
	})
	return s.closeErr
}

// Run executes a command on a fresh channel and captures both streams.
// A non-zero remote exit status is reported in the Result, not as an
// error; err is reserved for transport failures.
func (s *Session) Run(ctx context.Context, cmd string) (*Result, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			sess.Close()
		case <-done:
		}
	}()

	res := &Result{}
	if err := sess.Run(cmd); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
		} else {
			return nil, fmt.Errorf("failed to run %q: %w", cmd, err)
		}
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return res, nil
}

var _ Runner = (*Session)(nil)
