// Package config loads host profiles and global settings from the
// herd.yaml configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Global holds tool-wide settings.
type Global struct {
	// LogDir is where the log files live, relative to the config file
	// unless absolute.
	LogDir string `yaml:"log_dir"`

	// EnableLogging toggles file logging. Console output is unaffected.
	EnableLogging bool `yaml:"enable_logging"`

	// ScriptExitOnError passes -e to the remote shell for every script.
	ScriptExitOnError bool `yaml:"script_exit_on_error"`

	// ForceTTY allocates a PTY and bridges stdin during script runs.
	ForceTTY bool `yaml:"force_tty"`
}

// HostProfile is one named host configuration entry. Profiles are built
// once at startup and treated as immutable for the invocation.
type HostProfile struct {
	// Aliases name the profile; each must be globally unique.
	Aliases []string `yaml:"aliases"`

	Host     string `yaml:"host"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Port     int    `yaml:"port"`

	// Keyfile is an optional private key path, relative to the config
	// file unless absolute.
	Keyfile string `yaml:"keyfile"`

	// Scripts run in list order; the list order is authoritative.
	Scripts []string `yaml:"scripts"`

	// ScriptArgs maps a script name to its argument list. Scripts
	// without an entry get DefaultArgs.
	ScriptArgs map[string][]string `yaml:"script_args"`

	DefaultArgs []string `yaml:"default_args"`
}

// Config is the parsed configuration file.
type Config struct {
	Global Global         `yaml:"global"`
	Hosts  []*HostProfile `yaml:"hosts"`

	// Dir is the directory the config was loaded from; relative paths
	// in the config resolve against it.
	Dir string `yaml:"-"`

	byAlias map[string]*HostProfile
}

// Defaults applied before unmarshalling.
func defaults() Config {
	return Config{
		Global: Global{
			LogDir:            "logs",
			EnableLogging:     true,
			ScriptExitOnError: true,
			ForceTTY:          true,
		},
	}
}

// ParseFile loads and validates a configuration file.
func ParseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.Dir = filepath.Dir(path)
	return cfg, nil
}

// Parse parses configuration data and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config format: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.index()
	return &cfg, nil
}

// Validate checks every profile: non-empty unique aliases, host and
// user present, port in the 16-bit range (defaulting to 22 when unset).
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i, p := range c.Hosts {
		if len(p.Aliases) == 0 {
			return fmt.Errorf("host %d: at least one alias is required", i+1)
		}
		for _, a := range p.Aliases {
			if a == "" {
				return fmt.Errorf("host %d: empty alias", i+1)
			}
			if seen[a] {
				return fmt.Errorf("host %d: duplicate alias %q", i+1, a)
			}
			seen[a] = true
		}
		if p.Host == "" {
			return fmt.Errorf("host %q: host address is required", p.Aliases[0])
		}
		if p.User == "" {
			return fmt.Errorf("host %q: user is required", p.Aliases[0])
		}
		if p.Port == 0 {
			p.Port = 22
		}
		if p.Port < 1 || p.Port > 65535 {
			return fmt.Errorf("host %q: port %d out of range", p.Aliases[0], p.Port)
		}
	}
	return nil
}

func (c *Config) index() {
	c.byAlias = make(map[string]*HostProfile)
	for _, p := range c.Hosts {
		for _, a := range p.Aliases {
			c.byAlias[a] = p
		}
	}
}

// Lookup resolves an alias to its profile.
func (c *Config) Lookup(alias string) (*HostProfile, bool) {
	p, ok := c.byAlias[alias]
	return p, ok
}

// LogDir returns the absolute log directory.
func (c *Config) LogDir() string {
	if filepath.IsAbs(c.Global.LogDir) {
		return c.Global.LogDir
	}
	return filepath.Join(c.Dir, c.Global.LogDir)
}

// ScriptsDir returns the directory local scripts are looked up in.
func (c *Config) ScriptsDir() string {
	return filepath.Join(c.Dir, "scripts")
}

// HooksDir returns the directory operation hooks are looked up in.
func (c *Config) HooksDir() string {
	return filepath.Join(c.Dir, "hooks")
}

// KnownHostsPath returns the tool's own known_hosts file.
func (c *Config) KnownHostsPath() string {
	return filepath.Join(c.Dir, "ssh", "known_hosts")
}

// ArgsFor returns the argument list for a script: its ScriptArgs entry
// when one exists, DefaultArgs otherwise.
func (p *HostProfile) ArgsFor(script string) []string {
	if args, ok := p.ScriptArgs[script]; ok {
		return args
	}
	return p.DefaultArgs
}

// KeyfilePath resolves the profile's key file: the explicit keyfile
// when configured, else an auto-detected ssh/<alias>_key next to the
// config. Empty when neither exists.
func (p *HostProfile) KeyfilePath(dir string) string {
	if p.Keyfile != "" {
		path := p.Keyfile
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		if _, err := os.Stat(path); err == nil {
			return path
		}
		return ""
	}
	for _, a := range p.Aliases {
		path := filepath.Join(dir, "ssh", a+"_key")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
