package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetops/herd/internal/config"
	"github.com/fleetops/herd/internal/hook"
	"github.com/fleetops/herd/internal/remote"
	"github.com/fleetops/herd/pkg/facts"
)

// hookEnv is the environment contract external hooks share with
// remote scripts, plus the alias and host for context.
func hookEnv(alias string, target remote.Target, configuredPort, actualPort int) []string {
	env := []string{
		"HERD_ALIAS=" + alias,
		"HERD_HOST=" + target.Host,
	}
	for k, v := range remote.BuildEnv(target, configuredPort, actualPort) {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// runHook executes an external hook and converts its exit status into
// the command result.
func (a *app) runHook(s hook.Strategy, op, alias string, p *config.HostProfile, interactive bool) error {
	a.out.Debug("Delegating %s to hook %s", op, s.Path)
	target := a.target(p)
	code, err := hook.Run(a.ctx, s, op, hook.RunOptions{
		Args:        []string{alias},
		Env:         hookEnv(alias, target, p.Port, p.Port),
		Interactive: interactive,
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return &remote.ExitError{Code: code}
	}
	return nil
}

// loginCmd opens an interactive shell on a host.
var loginCmd = &cobra.Command{
	Use:   "login <alias> [port]",
	Short: "Open an interactive shell on a host",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		alias := args[0]
		p, err := a.profile(alias)
		if err != nil {
			return err
		}

		if s := hook.Resolve(a.cfg.HooksDir(), "login"); s.Kind == hook.External {
			return a.runHook(s, "login", alias, p, true)
		}

		d := a.dialer()
		var port int
		if len(args) == 2 {
			port, err = strconv.Atoi(args[1])
			if err != nil || port < 1 || port > 65535 {
				return fmt.Errorf("invalid port %q", args[1])
			}
		} else {
			port, err = d.ResolvePort(p.Host, p.Port)
			if err != nil {
				return err
			}
		}

		sess, err := d.Connect(a.ctx, a.target(p), port)
		if err != nil {
			return err
		}
		defer sess.Close()

		a.out.HostBanner("login", alias, fmt.Sprintf("%s@%s:%d", p.User, p.Host, port))
		return remote.Shell(a.ctx, sess, remote.ShellOptions{Log: a.logger()})
	},
}

// statusCmd reports reachability and basic facts for a host.
var statusCmd = &cobra.Command{
	Use:   "status <alias>",
	Short: "Check reachability and show host facts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		alias := args[0]
		p, err := a.profile(alias)
		if err != nil {
			return err
		}

		if s := hook.Resolve(a.cfg.HooksDir(), "status"); s.Kind == hook.External {
			return a.runHook(s, "status", alias, p, false)
		}

		a.out.HostBanner("status", alias, fmt.Sprintf("%s@%s", p.User, p.Host))

		d := a.dialer()
		port, err := d.ResolvePort(p.Host, p.Port)
		if err != nil {
			a.out.Error("%s is offline: no SSH port reachable", p.Host)
			return &remote.ExitError{Code: 1}
		}
		a.out.Success("%s is online (port %d)", p.Host, port)

		sess, err := d.Connect(a.ctx, a.target(p), port)
		if err != nil {
			a.out.Warn("Port open but authentication failed: %v", err)
			return &remote.ExitError{Code: 1}
		}
		defer sess.Close()

		f, err := facts.Gather(a.ctx, sess)
		if err != nil {
			return fmt.Errorf("failed to gather facts: %w", err)
		}
		fmt.Printf("  Hostname: %s\n", f.Hostname)
		fmt.Printf("  OS:       %s (%s %s, %s)\n", f.OSName, f.OSType, f.Kernel, f.Arch)
		fmt.Printf("  User:     %s\n", f.User)
		fmt.Printf("  Uptime:   %s\n", f.Uptime)
		return nil
	},
}

var forceTTY bool

func init() {
	runScriptsCmd.Flags().BoolVar(&forceTTY, "tty", false, "Allocate a PTY and bridge stdin during script runs")
	runScriptCmd.Flags().BoolVar(&forceTTY, "tty", false, "Allocate a PTY and bridge stdin during script runs")
}

// ttyFor resolves the PTY choice: the flag when given, the
// configuration default otherwise.
func ttyFor(cmd *cobra.Command, cfg *config.Config) bool {
	if cmd.Flags().Changed("tty") {
		return forceTTY
	}
	return cfg.Global.ForceTTY
}

// runScriptsCmd runs every configured script for a host, in order.
var runScriptsCmd = &cobra.Command{
	Use:   "run-scripts <alias>",
	Short: "Run all configured scripts on a host, in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		alias := args[0]
		p, err := a.profile(alias)
		if err != nil {
			return err
		}
		if len(p.Scripts) == 0 {
			a.out.Warn("No scripts configured for %s", alias)
			return nil
		}

		scripts := make([]remote.Script, 0, len(p.Scripts))
		for _, name := range p.Scripts {
			path, err := resolveScript(a.cfg, name)
			if err != nil {
				return err
			}
			scripts = append(scripts, remote.Script{Path: path, Args: p.ArgsFor(name)})
		}

		a.out.HostBanner("run-scripts", alias, fmt.Sprintf("%d script(s)", len(scripts)))
		dep := &remote.Deployer{
			ExitOnError: a.cfg.Global.ScriptExitOnError,
			ForceTTY:    ttyFor(cmd, a.cfg),
			Log:         a.logger(),
		}
		code, err := dep.RunSequence(a.ctx, a.dialer(), a.target(p), scripts, alias)
		if err != nil {
			return err
		}
		if code != 0 {
			return &remote.ExitError{Code: code}
		}
		a.out.Success("All %d script(s) completed", len(scripts))
		return nil
	},
}

// runScriptCmd runs a single script on a host.
var runScriptCmd = &cobra.Command{
	Use:   "run-script <alias> <script> [args...]",
	Short: "Run one script on a host",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		alias := args[0]
		p, err := a.profile(alias)
		if err != nil {
			return err
		}
		path, err := resolveScript(a.cfg, args[1])
		if err != nil {
			return err
		}
		scriptArgs := args[2:]
		if len(scriptArgs) == 0 {
			scriptArgs = p.ArgsFor(filepath.Base(path))
		}

		sess, err := a.connect(p)
		if err != nil {
			return err
		}
		defer sess.Close()

		a.out.HostBanner("run-script", alias, filepath.Base(path))
		dep := &remote.Deployer{
			ExitOnError: a.cfg.Global.ScriptExitOnError,
			ForceTTY:    ttyFor(cmd, a.cfg),
			Log:         a.logger(),
		}
		env := remote.BuildEnv(a.target(p), p.Port, sess.ActualPort)
		code, err := dep.DeployAndRun(a.ctx, sess, path, scriptArgs, env, alias)
		if err != nil {
			return err
		}
		if code != 0 {
			return &remote.ExitError{Code: code}
		}
		a.out.Success("Script completed: %s", filepath.Base(path))
		return nil
	},
}

// resolveScript accepts either a path or a bare script name looked up
// in the scripts directory next to the configuration.
func resolveScript(cfg *config.Config, name string) (string, error) {
	if _, err := os.Stat(name); err == nil {
		return name, nil
	}
	p := filepath.Join(cfg.ScriptsDir(), name)
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("script not found: %s (looked in %s)", name, cfg.ScriptsDir())
}

// listScriptsCmd shows configured and available scripts for a host.
var listScriptsCmd = &cobra.Command{
	Use:   "list-scripts <alias>",
	Short: "List configured and available scripts for a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		alias := args[0]
		p, err := a.profile(alias)
		if err != nil {
			return err
		}

		fmt.Printf("\nServer: %s\nHost-alias: %s\n\n", p.Host, alias)
		if len(p.Scripts) > 0 {
			fmt.Println("Configured scripts (will run in this order):")
			for i, s := range p.Scripts {
				fmt.Printf("  %d. %s\n", i+1, s)
			}
		} else {
			fmt.Println("No scripts configured for this host-alias.")
		}

		fmt.Printf("\nAll available scripts in %s:\n", a.cfg.ScriptsDir())
		names, err := filepath.Glob(filepath.Join(a.cfg.ScriptsDir(), "*.sh"))
		if err != nil || len(names) == 0 {
			fmt.Println("  (no scripts found)")
			return nil
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Printf("  - %s\n", filepath.Base(n))
		}
		return nil
	},
}

var (
	transferRecursive bool
	downloadDest      string
)

func init() {
	uploadCmd.Flags().BoolVarP(&transferRecursive, "recursive", "r", false, "Recurse into directories")
	downloadCmd.Flags().BoolVarP(&transferRecursive, "recursive", "r", false, "Recurse into directories")
	downloadCmd.Flags().StringVarP(&downloadDest, "output", "o", ".", "Local destination directory")
}

// uploadCmd copies local paths to a host.
var uploadCmd = &cobra.Command{
	Use:   "upload <alias> <local-path>... <remote-dir>",
	Short: "Copy local files or directories to a host",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		p, err := a.profile(args[0])
		if err != nil {
			return err
		}
		locals, remoteDir := args[1:len(args)-1], args[len(args)-1]

		sess, err := a.connect(p)
		if err != nil {
			return err
		}
		defer sess.Close()

		tr, err := remote.NewTransfer(a.ctx, sess, a.logger())
		if err != nil {
			return err
		}
		defer tr.Close()

		if err := tr.Upload(a.ctx, locals, remoteDir, transferRecursive); err != nil {
			return err
		}
		a.out.Success("Uploaded %d path(s) to %s:%s", len(locals), p.Host, remoteDir)
		return nil
	},
}

// downloadCmd copies remote paths from a host.
var downloadCmd = &cobra.Command{
	Use:   "download <alias> <remote-path>...",
	Short: "Copy remote files or directories from a host",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		p, err := a.profile(args[0])
		if err != nil {
			return err
		}

		sess, err := a.connect(p)
		if err != nil {
			return err
		}
		defer sess.Close()

		tr, err := remote.NewTransfer(a.ctx, sess, a.logger())
		if err != nil {
			return err
		}
		defer tr.Close()

		if err := tr.Download(a.ctx, args[1:], downloadDest, transferRecursive); err != nil {
			return err
		}
		a.out.Success("Downloaded %d path(s) to %s", len(args[1:]), downloadDest)
		return nil
	},
}

// lsCmd lists a remote directory.
var lsCmd = &cobra.Command{
	Use:   "ls <alias> [path]",
	Short: "List a remote directory",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		p, err := a.profile(args[0])
		if err != nil {
			return err
		}
		path := "~"
		if len(args) == 2 {
			path = args[1]
		}

		sess, err := a.connect(p)
		if err != nil {
			return err
		}
		defer sess.Close()

		tr, err := remote.NewTransfer(a.ctx, sess, a.logger())
		if err != nil {
			return err
		}
		defer tr.Close()

		entries, err := tr.List(a.ctx, path)
		if err != nil {
			var terr *remote.TransferError
			if errors.As(err, &terr) && terr.Kind == remote.ProtocolUnavailable {
				raw, err := tr.ListRaw(a.ctx, path)
				if err != nil {
					return err
				}
				fmt.Print(raw)
				return nil
			}
			return err
		}
		for _, e := range entries {
			kind := "file"
			if e.Dir {
				kind = "dir"
			}
			fmt.Printf("%-5s %10d  %s\n", kind, e.Size, e.Name)
		}
		return nil
	},
}

var (
	rebootWait   time.Duration
	rebootNoWait bool
)

func init() {
	rebootCmd.Flags().DurationVar(&rebootWait, "wait", 5*time.Minute, "How long to wait for the host to come back")
	rebootCmd.Flags().BoolVar(&rebootNoWait, "no-wait", false, "Issue the reboot and return immediately")
}

// rebootCmd reboots a host and optionally waits for it to come back.
var rebootCmd = &cobra.Command{
	Use:   "reboot <alias>",
	Short: "Reboot a host and wait until it is back",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		alias := args[0]
		p, err := a.profile(alias)
		if err != nil {
			return err
		}

		if s := hook.Resolve(a.cfg.HooksDir(), "reboot"); s.Kind == hook.External {
			return a.runHook(s, "reboot", alias, p, false)
		}

		sess, err := a.connect(p)
		if err != nil {
			return err
		}
		defer sess.Close()

		a.out.HostBanner("reboot", alias, p.Host)
		wait := rebootWait
		if rebootNoWait {
			wait = 0
		}
		rb := &remote.Rebooter{Log: a.logger()}
		if err := rb.Reboot(a.ctx, a.dialer(), sess, wait); err != nil {
			if errors.Is(err, remote.ErrRebootTimeout) {
				a.out.Error("%s did not come back within %s", p.Host, wait)
				return &remote.ExitError{Code: 1}
			}
			return err
		}
		if wait > 0 {
			a.out.Success("%s is back online", p.Host)
		}
		return nil
	},
}

// resetHostkeyCmd forgets recorded host keys so a reinstalled host can
// be trusted again.
var resetHostkeyCmd = &cobra.Command{
	Use:   "reset-hostkey <alias>",
	Short: "Forget the recorded host keys for a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		p, err := a.profile(args[0])
		if err != nil {
			return err
		}

		d := a.dialer()
		if err := d.ResetHostKey(p.Host, p.Port); err != nil {
			return err
		}
		if p.Port != 22 {
			if err := d.ResetHostKey(p.Host, 22); err != nil {
				return err
			}
		}
		a.out.Success("Host keys for %s forgotten; next connection re-records them", p.Host)
		return nil
	},
}
