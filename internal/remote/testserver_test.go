package remote

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// testServer is an in-process SSH server backed by a sandbox directory
// that stands in for the remote home. Exec requests run through the
// local shell with HOME and the working directory pointed at the
// sandbox, so the full upload/execute/cleanup pipeline can be observed
// on the local filesystem.
type testServer struct {
	addr string
	port int
	home string
}

type serverConfig struct {
	user      string
	password  string
	authKeys  []ssh.PublicKey
	noSFTP    bool
	rejectEnv bool
	execHook  func(cmd string) (stdout string, code int)
	shellLine string
}

type serverOption func(*serverConfig)

func withPassword(user, password string) serverOption {
	return func(c *serverConfig) { c.user, c.password = user, password }
}

func withAuthorizedKey(key ssh.PublicKey) serverOption {
	return func(c *serverConfig) { c.authKeys = append(c.authKeys, key) }
}

func withoutSFTP() serverOption {
	return func(c *serverConfig) { c.noSFTP = true }
}

func rejectEnvRequests() serverOption {
	return func(c *serverConfig) { c.rejectEnv = true }
}

// withExecHook replaces shell execution with a canned responder.
func withExecHook(hook func(cmd string) (string, int)) serverOption {
	return func(c *serverConfig) { c.execHook = hook }
}

func withShellBanner(line string) serverOption {
	return func(c *serverConfig) { c.shellLine = line }
}

func newHostSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	return signer
}

// newClientKey generates a client key pair and writes the private key
// to a PEM file under dir.
func newClientKey(t *testing.T, dir string) (ssh.Signer, string) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("client signer: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}
	path := filepath.Join(dir, "id_test")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write client key: %v", err)
	}
	return signer, path
}

// startTestServer starts the server on a loopback port and registers
// cleanup with t. The default configuration accepts the password
// "hunter2" for user "admin".
func startTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()

	cfg := &serverConfig{user: "admin", password: "hunter2", shellLine: "welcome"}
	for _, opt := range opts {
		opt(cfg)
	}

	srvCfg := &ssh.ServerConfig{}
	if cfg.password != "" {
		srvCfg.PasswordCallback = func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() == cfg.user && string(pass) == cfg.password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("wrong password")
		}
	}
	if len(cfg.authKeys) > 0 {
		srvCfg.PublicKeyCallback = func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			for _, k := range cfg.authKeys {
				if ssh.FingerprintSHA256(k) == ssh.FingerprintSHA256(key) {
					return &ssh.Permissions{}, nil
				}
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	srvCfg.AddHostKey(newHostSigner(t))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ts := &testServer{
		addr: listener.Addr().String(),
		port: listener.Addr().(*net.TCPAddr).Port,
		home: t.TempDir(),
	}

	go func() {
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go ts.handleConn(netConn, srvCfg, cfg)
		}
	}()
	t.Cleanup(func() { listener.Close() })

	return ts
}

func (ts *testServer) handleConn(netConn net.Conn, srvCfg *ssh.ServerConfig, cfg *serverConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, srvCfg)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go ts.handleSession(ch, requests, cfg)
	}
}

func (ts *testServer) handleSession(ch ssh.Channel, requests <-chan *ssh.Request, cfg *serverConfig) {
	defer ch.Close()

	var env []string
	for req := range requests {
		switch req.Type {
		case "env":
			if cfg.rejectEnv {
				if req.WantReply {
					req.Reply(false, nil)
				}
				continue
			}
			var kv struct{ Key, Value string }
			if err := ssh.Unmarshal(req.Payload, &kv); err == nil {
				env = append(env, kv.Key+"="+kv.Value)
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "pty-req", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "subsystem":
			name := ""
			if len(req.Payload) >= 4 {
				n := binary.BigEndian.Uint32(req.Payload[0:4])
				if len(req.Payload) >= int(4+n) {
					name = string(req.Payload[4 : 4+n])
				}
			}
			if name != "sftp" || cfg.noSFTP {
				if req.WantReply {
					req.Reply(false, nil)
				}
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			srv, err := sftp.NewServer(ch, sftp.WithServerWorkingDirectory(ts.home))
			if err == nil {
				srv.Serve()
				srv.Close()
			}
			sendExit(ch, 0)
			return

		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				if req.WantReply {
					req.Reply(false, nil)
				}
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			ts.runExec(ch, payload.Command, env, cfg)
			return

		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			fmt.Fprintf(ch, "%s\r\n", cfg.shellLine)
			sendExit(ch, 0)
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// runExec executes the command through the local shell rooted in the
// sandbox home, or hands it to the canned responder when one is set.
func (ts *testServer) runExec(ch ssh.Channel, command string, env []string, cfg *serverConfig) {
	if cfg.execHook != nil {
		out, code := cfg.execHook(command)
		if out != "" {
			fmt.Fprint(ch, out)
		}
		sendExit(ch, code)
		return
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = ts.home
	cmd.Env = append(os.Environ(), "HOME="+ts.home)
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdin = ch
	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()

	code := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			fmt.Fprintf(ch.Stderr(), "exec: %v\n", err)
			code = 127
		}
	}
	sendExit(ch, code)
}

func sendExit(ch ssh.Channel, code int) {
	var payload = struct{ Status uint32 }{uint32(code)}
	ch.SendRequest("exit-status", false, ssh.Marshal(&payload))
}

// target returns a password target pointed at the server.
func (ts *testServer) target() Target {
	return Target{Host: "127.0.0.1", Port: ts.port, User: "admin", Password: "hunter2"}
}

// dial opens a session against the server with host key checking off.
func (ts *testServer) dial(t *testing.T) *Session {
	t.Helper()
	d := &Dialer{}
	sess, err := d.Connect(t.Context(), ts.target(), ts.port)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

// writeHome creates a file under the sandbox home.
func (ts *testServer) writeHome(t *testing.T, rel, content string) string {
	t.Helper()
	p := filepath.Join(ts.home, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", rel, err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
	return p
}

// freePort reserves and releases a loopback port, returning a port
// that is closed at the time of return.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}
