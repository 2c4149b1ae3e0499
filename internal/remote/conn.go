package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultProbeTimeout   = 3 * time.Second
	fallbackPort          = 22
)

// Dialer owns session establishment: port probing, authentication with
// password fallback, and the accept-new host key policy.
type Dialer struct {
	// Timeout bounds the TCP dial and the SSH handshake. Zero means a
	// 5 second default.
	Timeout time.Duration

	// ProbeTimeout bounds a single reachability probe. Zero means a
	// 3 second default.
	ProbeTimeout time.Duration

	// KnownHostsPath is the file new host keys are recorded in. Empty
	// disables verification entirely, which is only acceptable in tests.
	KnownHostsPath string

	// Log receives lifecycle messages. Nil means no logging.
	Log Logger
}

func (d *Dialer) log() Logger {
	if d.Log == nil {
		return NopLogger()
	}
	return d.Log
}

func (d *Dialer) connectTimeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return defaultConnectTimeout
}

func (d *Dialer) probeTimeout() time.Duration {
	if d.ProbeTimeout > 0 {
		return d.ProbeTimeout
	}
	return defaultProbeTimeout
}

// Reachable reports whether host:port accepts a TCP connection.
func (d *Dialer) Reachable(host string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, fmt.Sprint(port)), d.probeTimeout())
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ResolvePort probes the configured port and falls back to 22 when the
// configured port is closed. The first reachable port wins.
func (d *Dialer) ResolvePort(host string, configured int) (int, error) {
	d.log().Infof("Checking connection to %s:%d", host, configured)
	if d.Reachable(host, configured) {
		return configured, nil
	}
	if configured != fallbackPort {
		d.log().Infof("Port %d not accessible, trying fallback port %d", configured, fallbackPort)
		if d.Reachable(host, fallbackPort) {
			d.log().Infof("Port %d is open (fallback to default SSH port)", fallbackPort)
			return fallbackPort, nil
		}
		return 0, &ConnectError{
			Kind: PortUnreachable,
			Host: host,
			Err:  fmt.Errorf("neither port %d nor port %d are accessible", configured, fallbackPort),
		}
	}
	return 0, &ConnectError{
		Kind: PortUnreachable,
		Host: host,
		Err:  fmt.Errorf("port %d is not accessible", configured),
	}
}

// Connect authenticates against target on the given port. Key and agent
// authentication is attempted first without a password; if that is
// rejected and a password is configured, a second attempt uses password
// authentication only, so no key passphrase prompt can block an
// unattended run.
func (d *Dialer) Connect(ctx context.Context, target Target, port int) (*Session, error) {
	hostKeys, err := d.hostKeyCallback()
	if err != nil {
		return nil, fmt.Errorf("host key setup: %w", err)
	}

	methods, closeAgent := d.keyAuthMethods(target)
	defer closeAgent()

	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            methods,
		HostKeyCallback: hostKeys,
		Timeout:         d.connectTimeout(),
	}

	client, err := d.dial(ctx, target.Addr(port), cfg)
	if err == nil {
		return d.newSession(client, target, port), nil
	}

	if isAuthError(err) && target.Password != "" {
		d.log().Infof("Key authentication rejected for %s, retrying with password", target.Host)
		cfg := &ssh.ClientConfig{
			User:            target.User,
			Auth:            []ssh.AuthMethod{ssh.Password(target.Password)},
			HostKeyCallback: hostKeys,
			Timeout:         d.connectTimeout(),
		}
		client, retryErr := d.dial(ctx, target.Addr(port), cfg)
		if retryErr == nil {
			return d.newSession(client, target, port), nil
		}
		err = retryErr
	}

	return nil, d.classify(target.Host, err)
}

func (d *Dialer) newSession(client *ssh.Client, target Target, port int) *Session {
	return &Session{
		client:         client,
		ConfiguredPort: target.Port,
		ActualPort:     port,
		Target:         target,
	}
}

func (d *Dialer) dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	nd := net.Dialer{Timeout: cfg.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (d *Dialer) classify(host string, err error) error {
	switch {
	case isAuthError(err):
		return &ConnectError{Kind: AuthFailed, Host: host, Err: err}
	case isTimeout(err):
		return &ConnectError{Kind: ConnectTimeout, Host: host, Err: err}
	default:
		return &ConnectError{Kind: PortUnreachable, Host: host, Err: err}
	}
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain")
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// keyAuthMethods builds the first-attempt auth chain: an explicit key
// file if one parses without a passphrase, plus the SSH agent if one is
// running. The returned func releases the agent connection.
func (d *Dialer) keyAuthMethods(target Target) ([]ssh.AuthMethod, func()) {
	var methods []ssh.AuthMethod

	if target.KeyPath != "" {
		if signer := d.loadKey(target.KeyPath); signer != nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	closeAgent := func() {}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			ag := agent.NewClient(conn)
			methods = append(methods, ssh.PublicKeysCallback(ag.Signers))
			closeAgent = func() { conn.Close() }
		}
	}

	return methods, closeAgent
}

func (d *Dialer) loadKey(path string) ssh.Signer {
	data, err := os.ReadFile(path)
	if err != nil {
		d.log().Warnf("Cannot read SSH key %s: %v", path, err)
		return nil
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var passErr *ssh.PassphraseMissingError
		if errors.As(err, &passErr) {
			// Never prompt for a passphrase during unattended runs.
			d.log().Warnf("SSH key %s is passphrase protected, skipping", path)
		} else {
			d.log().Warnf("Cannot parse SSH key %s: %v", path, err)
		}
		return nil
	}
	return signer
}

// hostKeyCallback implements the accept-new trust policy: keys of
// unknown hosts are recorded and accepted, keys that conflict with a
// recorded entry are rejected.
func (d *Dialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	path := d.KnownHostsPath
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, err
	}
	f.Close()

	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			if err := appendKnownHost(path, hostname, key); err != nil {
				return fmt.Errorf("failed to record host key: %w", err)
			}
			d.log().Infof("Recorded new host key for %s", hostname)
			return nil
		}
		return err
	}, nil
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, knownhosts.Line([]string{hostname}, key))
	return err
}

// ResetHostKey removes every recorded key for host:port so the next
// connection re-records whatever the host presents.
func (d *Dialer) ResetHostKey(host string, port int) error {
	if d.KnownHostsPath == "" {
		return nil
	}
	data, err := os.ReadFile(d.KnownHostsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	norm := knownhosts.Normalize(net.JoinHostPort(host, fmt.Sprint(port)))
	var kept []string
	removed := 0
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && hostFieldMatches(fields[0], norm) {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	if removed == 0 {
		return nil
	}
	d.log().Infof("Removed %d host key entries for %s", removed, norm)
	return os.WriteFile(d.KnownHostsPath, []byte(strings.Join(kept, "\n")), 0o600)
}

func hostFieldMatches(field, norm string) bool {
	for _, h := range strings.Split(field, ",") {
		if h == norm {
			return true
		}
	}
	return false
}
