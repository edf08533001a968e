// Package config holds the YAML configuration for totp-ssh.
//
// Every component receives the values it needs from a resolved Config; nothing
// reads process-wide state after startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the FAS RC login cluster.
const (
	DefaultHost          = "login.rc.fas.harvard.edu"
	DefaultHostAlias     = "fasrc"
	DefaultPort          = 22
	DefaultServicePrefix = "totp-ssh.app"
	DefaultSSHConfig     = "~/.ssh/config"
	DefaultIncludeName   = "cannon-totp"
	DefaultControlDir    = "~/.ssh/controlmasters"
	DefaultSSHBinary     = "ssh"
	DefaultStepTimeout   = 10 * time.Second
	DefaultProbeTimeout  = 10 * time.Second

	DefaultPasswordPrompt         = `.+ Password: `
	DefaultVerificationCodePrompt = `.+ VerificationCode: `
	DefaultPermissionDenied       = `.+ Permission denied`
)

// Config represents the YAML configuration file.
//
// Example YAML:
//
//	host: login.rc.fas.harvard.edu
//	host_alias: fasrc
//	control_dir: ~/.ssh/controlmasters
//	step_timeout: 15s
//	prompts:
//	  verification_code: '.+ VerificationCode: '
type Config struct {
	// Host is the login server the tunnel connects to.
	Host string `yaml:"host"`
	// HostAlias is the ssh Host alias written to the include file.
	HostAlias string `yaml:"host_alias"`
	Port      int    `yaml:"port"`

	// Account is the local account secrets are stored under. Defaults to the
	// current OS user.
	Account       string `yaml:"account,omitempty"`
	ServicePrefix string `yaml:"service_prefix"`

	SSHConfig   string `yaml:"ssh_config"`
	IncludeName string `yaml:"include_name"`
	ControlDir  string `yaml:"control_dir"`
	RCFile      string `yaml:"rc_file,omitempty"`
	SSHBinary   string `yaml:"ssh_binary"`

	StepTimeout  time.Duration `yaml:"step_timeout"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	Prompts Prompts `yaml:"prompts"`
}

// Prompts are the regular expressions matched against ssh output.
type Prompts struct {
	Password         string `yaml:"password"`
	VerificationCode string `yaml:"verification_code"`
	PermissionDenied string `yaml:"permission_denied"`
}

// ErrConfigNotFound is returned when an explicitly requested file does not exist.
var ErrConfigNotFound = errors.New("config not found")

// Default returns a Config populated with built-in defaults.
func Default() *Config {
	return &Config{
		Host:          DefaultHost,
		HostAlias:     DefaultHostAlias,
		Port:          DefaultPort,
		ServicePrefix: DefaultServicePrefix,
		SSHConfig:     DefaultSSHConfig,
		IncludeName:   DefaultIncludeName,
		ControlDir:    DefaultControlDir,
		SSHBinary:     DefaultSSHBinary,
		StepTimeout:   DefaultStepTimeout,
		ProbeTimeout:  DefaultProbeTimeout,
		Prompts: Prompts{
			Password:         DefaultPasswordPrompt,
			VerificationCode: DefaultVerificationCodePrompt,
			PermissionDenied: DefaultPermissionDenied,
		},
	}
}

// Load discovers and loads the YAML configuration.
// If explicitPath is empty, it searches in order:
// 1. $TOTP_SSH_CONFIG
// 2. $XDG_CONFIG_HOME/totp-ssh/config.yaml
// 3. ~/.config/totp-ssh/config.yaml
//
// When no file exists the defaults are returned with an empty path. An
// explicitPath that does not exist is an error.
//
// The returned Config has defaults applied, paths expanded and is validated.
func Load(explicitPath string) (*Config, string, error) {
	cfg := Default()
	used := ""

	if explicitPath != "" {
		p := ExpandPath(explicitPath)
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				return nil, p, fmt.Errorf("%w: %s", ErrConfigNotFound, p)
			}
			return nil, p, err
		}
	}

	for _, p := range PathCandidates(explicitPath) {
		p = ExpandPath(p)
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, p, fmt.Errorf("read config %s: %w", p, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, p, fmt.Errorf("parse yaml %s: %w", p, err)
		}
		used = p
		break
	}

	if err := cfg.Resolve(); err != nil {
		return nil, used, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, used, fmt.Errorf("invalid config %s: %w", used, err)
	}
	return cfg, used, nil
}

// PathCandidates returns possible configuration file paths, in priority order.
func PathCandidates(explicitPath string) []string {
	var out []string
	if explicitPath != "" {
		out = append(out, explicitPath)
	}
	if env := os.Getenv("TOTP_SSH_CONFIG"); env != "" {
		out = append(out, env)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		out = append(out, filepath.Join(xdg, "totp-ssh", "config.yaml"))
	}
	if home, _ := os.UserHomeDir(); home != "" {
		out = append(out, filepath.Join(home, ".config", "totp-ssh", "config.yaml"))
	}
	return out
}

// Resolve fills values that depend on the environment (account, rc file) and
// expands ~ and $VAR in path fields. Zero values left by a partial YAML file
// fall back to defaults.
func (c *Config) Resolve() error {
	d := Default()
	if strings.TrimSpace(c.Host) == "" {
		c.Host = d.Host
	}
	if strings.TrimSpace(c.HostAlias) == "" {
		c.HostAlias = d.HostAlias
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if strings.TrimSpace(c.ServicePrefix) == "" {
		c.ServicePrefix = d.ServicePrefix
	}
	if strings.TrimSpace(c.SSHConfig) == "" {
		c.SSHConfig = d.SSHConfig
	}
	if strings.TrimSpace(c.IncludeName) == "" {
		c.IncludeName = d.IncludeName
	}
	if strings.TrimSpace(c.ControlDir) == "" {
		c.ControlDir = d.ControlDir
	}
	if strings.TrimSpace(c.SSHBinary) == "" {
		c.SSHBinary = d.SSHBinary
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = d.StepTimeout
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.Prompts.Password == "" {
		c.Prompts.Password = d.Prompts.Password
	}
	if c.Prompts.VerificationCode == "" {
		c.Prompts.VerificationCode = d.Prompts.VerificationCode
	}
	if c.Prompts.PermissionDenied == "" {
		c.Prompts.PermissionDenied = d.Prompts.PermissionDenied
	}

	if strings.TrimSpace(c.Account) == "" {
		u, err := user.Current()
		if err != nil {
			return fmt.Errorf("resolve local account: %w", err)
		}
		c.Account = u.Username
	}
	if strings.TrimSpace(c.RCFile) == "" {
		c.RCFile = DefaultRCFile(os.Getenv("SHELL"))
	}

	c.SSHConfig = ExpandPath(c.SSHConfig)
	c.ControlDir = ExpandPath(c.ControlDir)
	c.RCFile = ExpandPath(c.RCFile)
	return nil
}

// Validate performs basic sanity checks on the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return errors.New("host is required")
	}
	if !IsLiteralHostAlias(c.HostAlias) {
		return fmt.Errorf("host_alias must be a literal ssh Host pattern (got %q)", c.HostAlias)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port: out of range (%d)", c.Port)
	}
	if strings.ContainsAny(c.IncludeName, `/\`) {
		return fmt.Errorf("include_name: must be a file name, not a path (got %q)", c.IncludeName)
	}
	if c.StepTimeout < 0 {
		return errors.New("step_timeout: must be > 0")
	}
	if c.ProbeTimeout < 0 {
		return errors.New("probe_timeout: must be > 0")
	}
	for name, expr := range map[string]string{
		"prompts.password":          c.Prompts.Password,
		"prompts.verification_code": c.Prompts.VerificationCode,
		"prompts.permission_denied": c.Prompts.PermissionDenied,
	} {
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// DefaultRCFile picks the rc file for the user's login shell.
func DefaultRCFile(shell string) string {
	switch filepath.Base(strings.TrimSpace(shell)) {
	case "bash":
		return "~/.bashrc"
	default:
		return "~/.zshrc"
	}
}

// IsLiteralHostAlias reports whether p can be used as a literal ssh Host alias.
// OpenSSH treats '*', '?', '[]' and a leading '!' as pattern syntax.
func IsLiteralHostAlias(p string) bool {
	if p == "" {
		return false
	}
	if strings.HasPrefix(p, "!") {
		return false
	}
	if strings.ContainsAny(p, "*?[]") {
		return false
	}
	if strings.IndexFunc(p, func(r rune) bool { return r == ' ' || r == '\t' }) >= 0 {
		return false
	}
	return true
}

// ExpandPath expands $VAR references and a leading ~ in p.
func ExpandPath(p string) string {
	if p == "" {
		return ""
	}
	p = os.ExpandEnv(p)
	if p == "~" {
		if h, _ := os.UserHomeDir(); h != "" {
			return h
		}
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if h, _ := os.UserHomeDir(); h != "" {
			return filepath.Join(h, p[2:])
		}
	}
	return p
}
