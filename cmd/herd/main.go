// Package main is the entrypoint for the herd CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetops/herd/internal/config"
	"github.com/fleetops/herd/internal/logging"
	"github.com/fleetops/herd/internal/output"
	"github.com/fleetops/herd/internal/remote"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	configPath string
	debug      bool
	noColor    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *remote.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "herd",
	Short: "Herd - SSH fleet administration",
	Long: `Herd manages a small fleet of servers over SSH: interactive
logins, ordered provisioning script runs, file transfer and reboot
orchestration, driven by host profiles in a YAML configuration.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default herd.yaml next to the binary)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runScriptsCmd)
	rootCmd.AddCommand(runScriptCmd)
	rootCmd.AddCommand(listScriptsCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(rebootCmd)
	rootCmd.AddCommand(resetHostkeyCmd)
}

// app bundles the per-invocation state every command needs: parsed
// configuration, console output, the log files and a signal-aware
// context.
type app struct {
	cfg *config.Config
	out *output.Output
	log *logging.Log

	ctx    context.Context
	cancel context.CancelFunc
}

// newApp loads the configuration and opens the invocation's logging
// context. close must be called when the command finishes.
func newApp() (*app, error) {
	path, err := findConfig()
	if err != nil {
		return nil, err
	}
	cfg, err := config.ParseFile(path)
	if err != nil {
		return nil, err
	}

	out := output.New(os.Stderr)
	out.SetColor(!noColor)
	out.SetDebug(debug)

	var lg *logging.Log
	if cfg.Global.EnableLogging {
		lg, err = logging.Open(cfg.LogDir())
		if err != nil {
			out.Warn("Logging disabled: %v", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	return &app{cfg: cfg, out: out, log: lg, ctx: ctx, cancel: cancel}, nil
}

func (a *app) close() {
	a.cancel()
	if a.log != nil {
		a.log.Close()
	}
}

// logger tees engine messages to the console and the log files.
func (a *app) logger() remote.Logger {
	return &teeLogger{out: a.out, log: a.log}
}

// dialer builds the session dialer with the invocation's known_hosts
// file and logger.
func (a *app) dialer() *remote.Dialer {
	return &remote.Dialer{
		KnownHostsPath: a.cfg.KnownHostsPath(),
		Log:            a.logger(),
	}
}

// profile resolves an alias against the configuration.
func (a *app) profile(alias string) (*config.HostProfile, error) {
	p, ok := a.cfg.Lookup(alias)
	if !ok {
		return nil, fmt.Errorf("unknown host alias %q", alias)
	}
	return p, nil
}

// target maps a profile onto the connection target.
func (a *app) target(p *config.HostProfile) remote.Target {
	return remote.Target{
		Host:     p.Host,
		Port:     p.Port,
		User:     p.User,
		Password: p.Password,
		KeyPath:  p.KeyfilePath(a.cfg.Dir),
	}
}

// connect resolves the port and opens a session against the profile.
func (a *app) connect(p *config.HostProfile) (*remote.Session, error) {
	d := a.dialer()
	port, err := d.ResolvePort(p.Host, p.Port)
	if err != nil {
		return nil, err
	}
	return d.Connect(a.ctx, a.target(p), port)
}

// findConfig locates the configuration file: the --config flag, then
// herd.yaml in the working directory, then herd.yaml next to the
// binary.
func findConfig() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	if _, err := os.Stat("herd.yaml"); err == nil {
		return "herd.yaml", nil
	}
	exe, err := os.Executable()
	if err == nil {
		p := filepath.Join(filepath.Dir(exe), "herd.yaml")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no configuration found: pass --config or place herd.yaml next to the binary")
}

// teeLogger fans engine messages out to the console and the log
// files. Remote script lines go only to the remote log; the console
// already receives the live stream.
type teeLogger struct {
	out *output.Output
	log *logging.Log
}

func (t *teeLogger) Infof(format string, args ...any) {
	t.out.Info(format, args...)
	t.log.Infof(format, args...)
}

func (t *teeLogger) Warnf(format string, args ...any) {
	t.out.Warn(format, args...)
	t.log.Warnf(format, args...)
}

func (t *teeLogger) Errorf(format string, args ...any) {
	t.out.Error(format, args...)
	t.log.Errorf(format, args...)
}

func (t *teeLogger) RemoteLine(alias, script, line string) {
	t.log.RemoteLine(alias, script, line)
}
