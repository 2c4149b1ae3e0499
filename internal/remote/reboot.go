package remote

import (
	"context"
	"time"
)

// rebootCommand tries the systemd path first, then the legacy
// fallbacks. No response is expected: the connection usually drops
// while the command is still dispatching.
const rebootCommand = "systemctl reboot || reboot || shutdown -r now"

// Rebooter issues a reboot and waits for the host to cycle using only a
// port-reachability probe, no authenticated session.
type Rebooter struct {
	// DownTimeout bounds the down-wait phase. Zero means 60s.
	DownTimeout time.Duration

	// DownInterval is the probe interval while waiting for the host to
	// go down. Zero means 2s.
	DownInterval time.Duration

	// UpInterval is the probe interval while waiting for the host to
	// come back. Zero means 3s.
	UpInterval time.Duration

	Log Logger
}

func (r *Rebooter) downTimeout() time.Duration {
	if r.DownTimeout > 0 {
		return r.DownTimeout
	}
	return 60 * time.Second
}

func (r *Rebooter) downInterval() time.Duration {
	if r.DownInterval > 0 {
		return r.DownInterval
	}
	return 2 * time.Second
}

func (r *Rebooter) upInterval() time.Duration {
	if r.UpInterval > 0 {
		return r.UpInterval
	}
	return 3 * time.Second
}

func (r *Rebooter) log() Logger {
	if r.Log == nil {
		return NopLogger()
	}
	return r.Log
}

// Issue dispatches the reboot command on an established session. A
// transport error here is expected - the host tears the connection down
// while rebooting - so it is logged and treated as a successful issue.
func (r *Rebooter) Issue(ctx context.Context, s *Session) {
	res, err := s.Run(ctx, rebootCommand)
	switch {
	case err != nil:
		r.log().Warnf("Connection dropped while issuing reboot (expected): %v", err)
	default:
		r.log().Infof("Reboot command issued, exit status %d (disconnect expected)", res.ExitCode)
	}
}

// WaitCycle runs the two-phase liveness state machine against
// host:port. The down-wait phase is non-fatal: a host that never
// becomes unreachable may simply have rebooted faster than observable,
// so a warning is logged and the up-wait phase proceeds anyway. The
// up-wait phase succeeds as soon as the port is reachable again and
// fails with ErrRebootTimeout when wait elapses first.
func (r *Rebooter) WaitCycle(ctx context.Context, d *Dialer, host string, port int, wait time.Duration) error {
	r.log().Infof("Waiting for %s:%d to go down", host, port)
	deadline := time.Now().Add(r.downTimeout())
	for d.Reachable(host, port) {
		if time.Now().After(deadline) {
			r.log().Warnf("%s:%d still reachable after %s, continuing", host, port, r.downTimeout())
			break
		}
		if err := sleep(ctx, r.downInterval()); err != nil {
			return err
		}
	}

	r.log().Infof("Waiting for %s:%d to come back (up to %s)", host, port, wait)
	deadline = time.Now().Add(wait)
	for !d.Reachable(host, port) {
		if time.Now().After(deadline) {
			return ErrRebootTimeout
		}
		if err := sleep(ctx, r.upInterval()); err != nil {
			return err
		}
	}
	r.log().Infof("Host is back online: %s:%d", host, port)
	return nil
}

// Reboot issues a best-effort reboot and, when wait is non-zero, runs
// the down/up liveness cycle.
func (r *Rebooter) Reboot(ctx context.Context, d *Dialer, s *Session, wait time.Duration) error {
	host, port := s.Target.Host, s.ActualPort
	r.Issue(ctx, s)
	closeQuiet(s, r.log())

	if wait <= 0 {
		r.log().Infof("Reboot initiated on %s", host)
		return nil
	}
	return r.WaitCycle(ctx, d, host, port, wait)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
