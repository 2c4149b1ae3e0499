package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
)

const (
	// defaultRemoteDir is the dot-prefixed working directory scripts are
	// uploaded into, relative to the remote home directory.
	defaultRemoteDir = ".herd"

	// defaultScriptDelay is the courtesy pause between scripts in a
	// sequence, to avoid hammering a freshly provisioned host.
	defaultScriptDelay = 3 * time.Second
)

// Deployer runs the upload, execute and cleanup pipeline for scripts.
type Deployer struct {
	// RemoteDir overrides the remote working directory.
	RemoteDir string

	// ExitOnError passes -e to the remote shell so scripts abort on the
	// first failing command.
	ExitOnError bool

	// ForceTTY allocates a PTY and bridges local stdin during execution.
	ForceTTY bool

	// Delay is the pause between scripts in a sequence.
	Delay time.Duration

	Log Logger

	// Stdin, Stdout and Stderr default to the process streams.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func (d *Deployer) remoteDir() string {
	if d.RemoteDir != "" {
		return d.RemoteDir
	}
	return defaultRemoteDir
}

func (d *Deployer) delay() time.Duration {
	if d.Delay > 0 {
		return d.Delay
	}
	return defaultScriptDelay
}

func (d *Deployer) log() Logger {
	if d.Log == nil {
		return NopLogger()
	}
	return d.Log
}

// Upload places localScript into the remote working directory and
// returns its remote path. The sftp subsystem is the primary transport;
// when the host does not offer it, the bytes are streamed through a
// remote write command instead. Both paths produce a byte-identical
// remote file.
func (d *Deployer) Upload(ctx context.Context, s *Session, localScript string) (string, error) {
	remotePath := d.remoteDir() + "/" + filepath.Base(localScript)

	client, err := sftp.NewClient(s.Client())
	if err != nil {
		d.log().Warnf("sftp subsystem unavailable (%v), falling back to streamed upload", err)
		if err := d.streamUpload(ctx, s, localScript, remotePath); err != nil {
			return "", &TransferError{Kind: ProtocolUnavailable, Path: localScript, Err: err}
		}
		return remotePath, nil
	}
	defer client.Close()

	if err := client.MkdirAll(d.remoteDir()); err != nil {
		return "", fmt.Errorf("failed to create remote directory %s: %w", d.remoteDir(), err)
	}

	src, err := os.Open(localScript)
	if err != nil {
		return "", &TransferError{Kind: PathNotFound, Path: localScript, Err: err}
	}
	defer src.Close()

	dst, err := client.Create(remotePath)
	if err != nil {
		return "", fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", fmt.Errorf("failed to upload %s: %w", localScript, err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize %s: %w", remotePath, err)
	}
	return remotePath, nil
}

// streamUpload writes the script over a raw channel: the remote command
// creates the working directory, writes stdin into a partial file and
// renames it into place only after the stream is complete, so a crash
// mid-transfer never leaves a partial file under the final name.
func (d *Deployer) streamUpload(ctx context.Context, s *Session, localScript, remotePath string) error {
	src, err := os.Open(localScript)
	if err != nil {
		return &TransferError{Kind: PathNotFound, Path: localScript, Err: err}
	}
	defer src.Close()

	sess, err := s.Client().NewSession()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer sess.Close()

	partial := remotePath + ".partial"
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && mv %s %s",
		shellQuote(d.remoteDir()), shellQuote(partial), shellQuote(partial), shellQuote(remotePath))

	stdin, err := sess.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin stream: %w", err)
	}
	if err := sess.Start(cmd); err != nil {
		return fmt.Errorf("failed to start remote write: %w", err)
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

	if _, err := io.Copy(stdin, src); err != nil {
		stdin.Close()
		return fmt.Errorf("failed to stream %s: %w", localScript, err)
	}
	if err := stdin.Close(); err != nil {
		return fmt.Errorf("failed to signal end of stream: %w", err)
	}
	if err := sess.Wait(); err != nil {
		return fmt.Errorf("remote write failed: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// DetectShell probes the host for bash and falls back to plain sh. The
// choice affects only the execution wrapper, not the script's shebang.
func DetectShell(ctx context.Context, r Runner) string {
	res, err := r.Run(ctx, "command -v bash >/dev/null 2>&1 && echo bash || echo sh")
	if err != nil || res.ExitCode != 0 {
		return "bash"
	}
	if strings.TrimSpace(res.Stdout) == "sh" {
		return "sh"
	}
	return "bash"
}

// BuildEnv returns the environment injected into executed scripts:
// configured and actually-used ports, the admin user, and the key pair
// details that let scripts self-provision key-based access.
func BuildEnv(target Target, configuredPort, actualPort int) map[string]string {
	env := map[string]string{
		"SSH_PORT":       fmt.Sprint(configuredPort),
		"ACTUAL_PORT":    fmt.Sprint(actualPort),
		"ADMIN_USER":     target.User,
		"SSH_KEY_PATH":   "",
		"SSH_PUBLIC_KEY": "",
	}
	if target.KeyPath != "" {
		base := strings.TrimSuffix(target.KeyPath, ".pub")
		env["SSH_KEY_PATH"] = base
		if data, err := os.ReadFile(base + ".pub"); err == nil {
			env["SSH_PUBLIC_KEY"] = strings.TrimSpace(string(data))
		}
	}
	return env
}

// execCommand builds the wrapper that marks the artifact executable,
// runs it through the detected shell, and removes it afterwards while
// re-exiting with the script's own status so cleanup never masks the
// real exit code.
func (d *Deployer) execCommand(shell, remotePath string, args []string) string {
	opts := ""
	if d.ExitOnError {
		opts = " -e"
	}
	q := shellQuote(remotePath)
	cmd := fmt.Sprintf("cd ~ && chmod +x %s && %s%s %s", q, shell, opts, q)
	if len(args) > 0 {
		cmd += " " + shellQuoteAll(args)
	}
	return cmd + fmt.Sprintf(" ; rc=$?; rm -f %s; exit $rc", q)
}

// DeployAndRun uploads localScript, executes it and returns the remote
// exit code. The uploaded artifact is removed regardless of the
// script's exit status. Non-zero codes are returned, not retried.
func (d *Deployer) DeployAndRun(ctx context.Context, s *Session, localScript string, args []string, env map[string]string, alias string) (int, error) {
	name := filepath.Base(localScript)

	d.log().Infof("Uploading %s to %s", name, s.Target.Host)
	remotePath, err := d.Upload(ctx, s, localScript)
	if err != nil {
		return -1, err
	}

	shell := DetectShell(ctx, s)
	d.log().Infof("Executing %s via %s on %s", name, shell, s.Target.Host)

	code, err := Exec(ctx, s, d.execCommand(shell, remotePath, args), ExecOptions{
		Env:         env,
		PTY:         d.ForceTTY,
		Interactive: d.ForceTTY,
		Alias:       alias,
		Tag:         name,
		Log:         d.Log,
		Stdin:       d.Stdin,
		Stdout:      d.Stdout,
		Stderr:      d.Stderr,
	})
	if err != nil {
		return -1, err
	}
	return code, nil
}

// Script couples a local script path with its arguments.
type Script struct {
	Path string
	Args []string
}

// RunSequence executes scripts strictly in order, one fresh session per
// script, and fails fast: the first non-zero exit aborts the remaining
// sequence and becomes the sequence's exit code, reported as an
// ExitError. A short fixed delay separates consecutive scripts.
func (d *Deployer) RunSequence(ctx context.Context, dialer *Dialer, target Target, scripts []Script, alias string) (int, error) {
	total := len(scripts)
	for i, sc := range scripts {
		d.log().Infof("[%d/%d] Processing %s", i+1, total, filepath.Base(sc.Path))

		port, err := dialer.ResolvePort(target.Host, target.Port)
		if err != nil {
			return -1, err
		}
		sess, err := dialer.Connect(ctx, target, port)
		if err != nil {
			return -1, err
		}

		code, err := func() (int, error) {
			defer closeQuiet(sess, d.log())
			env := BuildEnv(target, target.Port, port)
			return d.DeployAndRun(ctx, sess, sc.Path, sc.Args, env, alias)
		}()
		if err != nil {
			return -1, err
		}
		if code != 0 {
			d.log().Errorf("Script failed with status %d: %s", code, filepath.Base(sc.Path))
			return code, &ExitError{Code: code}
		}
		d.log().Infof("Script completed: %s", filepath.Base(sc.Path))

		if i < total-1 {
			select {
			case <-time.After(d.delay()):
			case <-ctx.Done():
				return -1, ctx.Err()
			}
		}
	}
	return 0, nil
}

// closeQuiet closes a session and logs, rather than raises, any error
// so cleanup never masks the primary result.
func closeQuiet(s *Session, log Logger) {
	if err := s.Close(); err != nil {
		log.Warnf("Failed to close session: %v", err)
	}
}
