package remote

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRebooter(log Logger) *Rebooter {
	return &Rebooter{
		DownTimeout:  100 * time.Millisecond,
		DownInterval: 10 * time.Millisecond,
		UpInterval:   10 * time.Millisecond,
		Log:          log,
	}
}

func TestIssueSendsRebootCommand(t *testing.T) {
	cmds := make(chan string, 1)
	ts := startTestServer(t, withExecHook(func(cmd string) (string, int) {
		cmds <- cmd
		return "", 0
	}))
	sess := ts.dial(t)

	r := fastRebooter(nil)
	r.Issue(t.Context(), sess)
	assert.Equal(t, "systemctl reboot || reboot || shutdown -r now", <-cmds)
}

func TestIssueToleratesDroppedConnection(t *testing.T) {
	// The host tearing the transport down mid-command is the normal
	// case for a reboot; it must not surface as a failure.
	ts := startTestServer(t)
	sess := ts.dial(t)
	sess.Close()

	log := &testLogger{}
	r := fastRebooter(log)
	r.Issue(t.Context(), sess)

	log.mu.Lock()
	defer log.mu.Unlock()
	assert.NotEmpty(t, log.warns)
}

func TestWaitCycleHostComesBack(t *testing.T) {
	// The server never goes down, so the down-wait phase times out with
	// a warning and the up-wait phase succeeds immediately.
	ts := startTestServer(t)
	log := &testLogger{}
	r := fastRebooter(log)

	err := r.WaitCycle(t.Context(), &Dialer{ProbeTimeout: time.Second}, "127.0.0.1", ts.port, time.Second)
	require.NoError(t, err)

	log.mu.Lock()
	defer log.mu.Unlock()
	found := false
	for _, w := range log.warns {
		if strings.Contains(w, "still reachable") {
			found = true
		}
	}
	assert.True(t, found, "down-wait timeout must be logged, not fatal")
}

func TestWaitCycleTimesOut(t *testing.T) {
	// No listener on the port: the down phase passes instantly and the
	// up phase runs out of time.
	port := freePort(t)
	r := fastRebooter(nil)

	err := r.WaitCycle(t.Context(), &Dialer{ProbeTimeout: 100 * time.Millisecond}, "127.0.0.1", port, 150*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRebootTimeout)
}

func TestRebootWithoutWait(t *testing.T) {
	ts := startTestServer(t, withExecHook(func(string) (string, int) { return "", 0 }))
	sess := ts.dial(t)

	r := fastRebooter(nil)
	require.NoError(t, r.Reboot(t.Context(), &Dialer{}, sess, 0))
}

func TestRebootWithWait(t *testing.T) {
	// The in-process server stays up through the "reboot", which
	// exercises the down-warn path and the successful up-wait.
	ts := startTestServer(t, withExecHook(func(string) (string, int) { return "", 0 }))
	sess := ts.dial(t)

	r := fastRebooter(nil)
	require.NoError(t, r.Reboot(t.Context(), &Dialer{ProbeTimeout: time.Second}, sess, time.Second))
}
