package remote

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger records engine messages and remote lines for assertions.
type testLogger struct {
	mu     sync.Mutex
	infos  []string
	warns  []string
	errs   []string
	remote []string
}

func (l *testLogger) Infof(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, format)
}

func (l *testLogger) Warnf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, format)
}

func (l *testLogger) Errorf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, format)
}

func (l *testLogger) RemoteLine(alias, script, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remote = append(l.remote, alias+"/"+script+": "+line)
}

func (l *testLogger) remoteLines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.remote...)
}

func TestExecCapturedLinesAndExitCode(t *testing.T) {
	ts := startTestServer(t)
	sess := ts.dial(t)

	var sunk []string
	var mu sync.Mutex
	var out bytes.Buffer
	code, err := Exec(t.Context(), sess, "echo one; echo two; exit 5", ExecOptions{
		Sink: func(line string) {
			mu.Lock()
			sunk = append(sunk, line)
			mu.Unlock()
		},
		Stdout: &out,
		Stderr: &bytes.Buffer{},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, code)
	assert.Equal(t, []string{"one", "two"}, sunk)
	assert.Equal(t, "one\ntwo\n", out.String())
}

func TestExecStreamSeparation(t *testing.T) {
	ts := startTestServer(t)
	sess := ts.dial(t)

	var out, errOut bytes.Buffer
	code, err := Exec(t.Context(), sess, "echo to-stdout; echo to-stderr >&2", ExecOptions{
		Stdout: &out,
		Stderr: &errOut,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "to-stdout\n", out.String())
	assert.Equal(t, "to-stderr\n", errOut.String())
}

func TestExecEnvInjection(t *testing.T) {
	ts := startTestServer(t)
	sess := ts.dial(t)

	var out bytes.Buffer
	code, err := Exec(t.Context(), sess, `printf '%s\n' "$GREETING"`, ExecOptions{
		Env:    map[string]string{"GREETING": "hello there"},
		Stdout: &out,
		Stderr: &bytes.Buffer{},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello there\n", out.String())
}

func TestExecEnvInlinedWhenServerRejects(t *testing.T) {
	// When the server refuses env requests the assignments are inlined
	// into the command, so the contract holds either way.
	ts := startTestServer(t, rejectEnvRequests())
	sess := ts.dial(t)

	var out bytes.Buffer
	code, err := Exec(t.Context(), sess, `printf '%s\n' "$GREETING"`, ExecOptions{
		Env:    map[string]string{"GREETING": "still here"},
		Stdout: &out,
		Stderr: &bytes.Buffer{},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "still here\n", out.String())
}

func TestExecLinesReachRemoteLog(t *testing.T) {
	ts := startTestServer(t)
	sess := ts.dial(t)

	log := &testLogger{}
	_, err := Exec(t.Context(), sess, "echo logged", ExecOptions{
		Alias:  "web1",
		Tag:    "setup.sh",
		Log:    log,
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
	})
	require.NoError(t, err)
	assert.Contains(t, log.remoteLines(), "web1/setup.sh: logged")
}

func TestExecStripsCarriageReturns(t *testing.T) {
	ts := startTestServer(t, withExecHook(func(string) (string, int) {
		return "first\r\nsecond\r\n", 0
	}))
	sess := ts.dial(t)

	var sunk []string
	var mu sync.Mutex
	_, err := Exec(t.Context(), sess, "anything", ExecOptions{
		Sink: func(line string) {
			mu.Lock()
			sunk = append(sunk, line)
			mu.Unlock()
		},
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, sunk)
}

func TestExecPTY(t *testing.T) {
	ts := startTestServer(t, withExecHook(func(string) (string, int) {
		return "pty ok\n", 0
	}))
	sess := ts.dial(t)

	var out bytes.Buffer
	code, err := Exec(t.Context(), sess, "true", ExecOptions{
		PTY:    true,
		Stdout: &out,
		Stderr: &bytes.Buffer{},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "pty ok")
}

func TestShellReceivesBanner(t *testing.T) {
	ts := startTestServer(t, withShellBanner("fleet shell ready"))
	sess := ts.dial(t)

	stdin, err := os.Open(os.DevNull)
	require.NoError(t, err)
	defer stdin.Close()

	outPath := filepath.Join(t.TempDir(), "shell.out")
	stdout, err := os.Create(outPath)
	require.NoError(t, err)
	defer stdout.Close()

	err = Shell(t.Context(), sess, ShellOptions{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stdout,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "fleet shell ready")
}
