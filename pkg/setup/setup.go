// Package setup wires the secret store, config editors, prompts and tunnel
// into the install, cleanup, start and stop flows.
package setup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"totp-ssh/pkg/block"
	"totp-ssh/pkg/config"
	"totp-ssh/pkg/prompt"
	"totp-ssh/pkg/secrets"
	"totp-ssh/pkg/shellrc"
	"totp-ssh/pkg/sshconfig"
	"totp-ssh/pkg/tunnel"
)

// ErrDeclined is returned when the user declines a confirmation the
// operation cannot proceed without.
var ErrDeclined = errors.New("declined by user")

// Target selects what Cleanup removes.
type Target string

const (
	TargetAll      Target = "all"
	TargetPassword Target = "password"
	TargetAlias    Target = "alias"
	TargetSSH      Target = "ssh"
)

// Targets lists the valid cleanup targets.
var Targets = []Target{TargetAll, TargetPassword, TargetAlias, TargetSSH}

// ParseTarget parses a cleanup target name.
func ParseTarget(s string) (Target, error) {
	for _, t := range Targets {
		if string(t) == s {
			return t, nil
		}
	}
	names := make([]string, len(Targets))
	for i, t := range Targets {
		names[i] = string(t)
	}
	return "", fmt.Errorf("invalid cleanup target %q (expected one of: %s)", s, strings.Join(names, ", "))
}

// Controller is the part of the tunnel probe the flows need.
type Controller interface {
	IsOpen(ctx context.Context, dest string, port int) (bool, error)
	Stop(ctx context.Context, dest string, port int) error
}

// Setup holds the collaborators for every flow.
type Setup struct {
	Config  *config.Config
	Store   *secrets.Store
	Prompt  prompt.Prompter
	SSH     sshconfig.Editor
	Aliases shellrc.Editor
	Control Controller
	Tunnel  *tunnel.Establisher
}

// New builds a Setup from a resolved config. binary is the totp-ssh
// executable the shell aliases call.
func New(cfg *config.Config, backend secrets.Backend, p prompt.Prompter, binary string) (*Setup, error) {
	prompts, err := tunnel.CompilePrompts(cfg.Prompts.Password, cfg.Prompts.VerificationCode, cfg.Prompts.PermissionDenied)
	if err != nil {
		return nil, err
	}
	probe := tunnel.Probe{
		SSHBinary:  cfg.SSHBinary,
		ControlDir: cfg.ControlDir,
		Timeout:    cfg.ProbeTimeout,
	}
	return &Setup{
		Config: cfg,
		Store:  secrets.New(backend, cfg.Account, cfg.ServicePrefix),
		Prompt: p,
		SSH: sshconfig.Editor{
			ConfigPath:  cfg.SSHConfig,
			Alias:       cfg.HostAlias,
			HostName:    cfg.Host,
			ControlDir:  cfg.ControlDir,
			IncludeName: cfg.IncludeName,
		},
		Aliases: shellrc.Editor{RCFile: cfg.RCFile, Binary: binary},
		Control: probe,
		Tunnel: &tunnel.Establisher{
			Checker:     probe,
			Prompts:     prompts,
			SSHBinary:   cfg.SSHBinary,
			ControlDir:  cfg.ControlDir,
			StepTimeout: cfg.StepTimeout,
		},
	}, nil
}

// Install asks, step by step, whether to store the secrets, add the shell
// aliases and add the ssh config block. The control socket folder is created
// first, so it exists even when a later step fails. Steps already done are
// reported and skipped.
func (s *Setup) Install(username string) error {
	if _, err := tunnel.EnsureControlDir(s.Config.ControlDir); err != nil {
		return err
	}

	ok, err := s.Prompt.Confirm(fmt.Sprintf("Store your ssh username, password and TOTP secret in the %s?", secrets.Describe(s.Store.Backend)))
	if err != nil {
		return err
	}
	if ok {
		if err := s.SetSecrets(username); err != nil {
			return err
		}
	}

	ok, err = s.Prompt.Confirm(fmt.Sprintf("Add start-ssh and stop-ssh aliases to %s?", s.Aliases.RCFile))
	if err != nil {
		return err
	}
	if ok {
		if err := s.Aliases.Insert(); err != nil {
			if !isDuplicateBlock(err) {
				return err
			}
			log.Warnf("Aliases are already installed in %s", s.Aliases.RCFile)
		}
	}

	ok, err = s.Prompt.Confirm(fmt.Sprintf("Add the %s host to %s?", s.SSH.Alias, s.SSH.ConfigPath))
	if err != nil {
		return err
	}
	if ok {
		if err := s.CreateSSHConfig(); err != nil {
			if !isDuplicateBlock(err) {
				return err
			}
			log.Warnf("TOTP section is already present in %s", s.SSH.ConfigPath)
		}
	}

	log.Info("Install finished")
	return nil
}

// SetSecrets prompts for the secrets, validates them and stores all three.
// When username is empty it is prompted for as well.
func (s *Setup) SetSecrets(username string) error {
	supplied := strings.TrimSpace(username) != ""
	c := secrets.Credentials{Username: strings.TrimSpace(username)}

	var err error
	if !supplied {
		if c.Username, err = s.Prompt.Ask("SSH username:"); err != nil {
			return err
		}
		c.Username = strings.TrimSpace(c.Username)
	}
	if c.Password, err = s.Prompt.Secret("SSH password:"); err != nil {
		return err
	}
	if c.TOTPSeed, err = s.Prompt.Secret("TOTP secret code:"); err != nil {
		return err
	}
	c.TOTPSeed = secrets.NormalizeSeed(c.TOTPSeed)

	if err := c.Validate(supplied); err != nil {
		return err
	}
	return s.Store.Save(c)
}

// RemoveSecrets deletes all three secrets. Secrets that were already absent
// are only warned about; a store error fails the removal.
func (s *Setup) RemoveSecrets() error {
	report := s.Store.RemoveAll()
	if n := len(report.Errors); n > 0 {
		return fmt.Errorf("%d of %d secrets could not be removed from the %s", n, len(secrets.Kinds), secrets.Describe(s.Store.Backend))
	}
	return nil
}

// CreateSSHConfig installs the ssh config block for the stored username.
func (s *Setup) CreateSSHConfig() error {
	user, err := s.Store.Get(secrets.SSHUsername)
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return errors.New("no ssh username stored; run `totp-ssh secrets set` or `totp-ssh install` first")
		}
		return err
	}
	return s.SSH.Insert(user)
}

// RemoveSSHConfig removes the ssh config block and include file.
func (s *Setup) RemoveSSHConfig() error { return s.SSH.Remove() }

// Cleanup removes what install added. TargetAll asks first and returns
// ErrDeclined when refused; every part is attempted even if one fails.
func (s *Setup) Cleanup(target Target) error {
	switch target {
	case TargetPassword:
		return s.RemoveSecrets()
	case TargetAlias:
		return s.Aliases.Remove()
	case TargetSSH:
		return s.RemoveSSHConfig()
	case TargetAll:
	default:
		_, err := ParseTarget(string(target))
		return err
	}

	ok, err := s.Prompt.Confirm("Remove the stored secrets, shell aliases and ssh config for totp-ssh?")
	if err != nil {
		return err
	}
	if !ok {
		return ErrDeclined
	}
	var errs []error
	for _, step := range []func() error{s.RemoveSecrets, s.Aliases.Remove, s.RemoveSSHConfig} {
		if err := step(); err != nil {
			log.WithError(err).Warn("cleanup step failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start opens the tunnel with the stored secrets.
func (s *Setup) Start(ctx context.Context) (tunnel.Result, error) {
	c, err := s.Store.Load()
	if err != nil {
		var me *secrets.MissingSecretsError
		if errors.As(err, &me) {
			return tunnel.Result{}, fmt.Errorf("%w; run `totp-ssh install` first", err)
		}
		return tunnel.Result{}, err
	}
	return s.Tunnel.Establish(ctx, s.target(c.Username), c.Password, c.TOTPSeed)
}

// Stop closes the tunnel.
func (s *Setup) Stop(ctx context.Context) error {
	user, err := s.Store.Get(secrets.SSHUsername)
	if err != nil {
		return fmt.Errorf("read ssh username: %w", err)
	}
	t := s.target(user)
	return s.Control.Stop(ctx, t.Destination(), t.Port)
}

// Report describes what is installed and whether the tunnel is up.
type Report struct {
	Secrets    map[secrets.Kind]bool
	Username   string
	SSHConfig  sshconfig.Status
	Aliases    bool
	TunnelOpen bool
	// TunnelErr is set when the tunnel could not be checked.
	TunnelErr error
}

// Status gathers a Report. A tunnel check failure is recorded in the report
// rather than returned.
func (s *Setup) Status(ctx context.Context) (Report, error) {
	r := Report{Secrets: map[secrets.Kind]bool{}}
	for _, k := range secrets.Kinds {
		v, err := s.Store.Get(k)
		switch {
		case err == nil:
			r.Secrets[k] = true
			if k == secrets.SSHUsername {
				r.Username = v
			}
		case errors.Is(err, secrets.ErrNotFound):
			r.Secrets[k] = false
		default:
			return r, err
		}
	}

	var err error
	if r.SSHConfig, err = s.SSH.Status(); err != nil {
		return r, err
	}
	if r.Aliases, err = s.Aliases.Present(); err != nil {
		return r, err
	}

	if r.Username == "" {
		r.TunnelErr = errors.New("no ssh username stored")
		return r, nil
	}
	t := s.target(r.Username)
	r.TunnelOpen, r.TunnelErr = s.Control.IsOpen(ctx, t.Destination(), t.Port)
	return r, nil
}

func (s *Setup) target(user string) tunnel.Target {
	return tunnel.Target{User: user, Host: s.Config.Host, Port: s.Config.Port}
}

func isDuplicateBlock(err error) bool {
	var de *block.DuplicateBlockError
	return errors.As(err, &de)
}
