package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"totp-ssh/pkg/secrets"
	"totp-ssh/pkg/setup"
	"totp-ssh/pkg/tunnel"
)

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	labelStyle = lipgloss.NewStyle().Bold(true).Width(12)
)

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "start",
		Short:       "Open the tunnel unless one is already open",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{quietAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSetup()
			if err != nil {
				return err
			}
			res, err := s.Start(cmd.Context())
			if err != nil {
				return withStartHint(err)
			}
			log.Debugf("ssh output:\n%s", res.Output)
			dest := fmt.Sprintf("%s (%s)", s.Config.HostAlias, s.Config.Host)
			switch res.State {
			case tunnel.AlreadyOpen:
				fmt.Fprintf(cmd.OutOrStdout(), "Tunnel to %s is already open\n", dest)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "Tunnel to %s is open; use `ssh %s`\n", dest, s.Config.HostAlias)
			}
			return nil
		},
	}
}

// withStartHint tells the user what to do after a failed login.
func withStartHint(err error) error {
	var ee *tunnel.EstablishError
	if !errors.As(err, &ee) {
		return err
	}
	switch ee.State {
	case tunnel.PermissionDenied:
		return fmt.Errorf("%w\nDouble check your password and TOTP secret; store them again with `totp-ssh secrets set` or re-run `totp-ssh install`", err)
	case tunnel.Timeout, tunnel.UnexpectedEOF:
		return fmt.Errorf("%w\nTry again with --verbose to see the ssh output; if the secrets are wrong, re-run `totp-ssh install`", err)
	}
	return err
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Close the tunnel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSetup()
			if err != nil {
				return err
			}
			return s.Stop(cmd.Context())
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what is installed and whether the tunnel is open",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSetup()
			if err != nil {
				return err
			}
			r, err := s.Status(cmd.Context())
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), s, r)
			return nil
		},
	}
}

func printReport(w io.Writer, s *setup.Setup, r setup.Report) {
	row := func(label, value string) {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render(label), value)
	}
	yesNo := func(ok bool, yes, no string) string {
		if ok {
			return okStyle.Render(yes)
		}
		return badStyle.Render(no)
	}

	parts := make([]string, 0, len(secrets.Kinds))
	for _, k := range secrets.Kinds {
		parts = append(parts, fmt.Sprintf("%s %s", k, yesNo(r.Secrets[k], "stored", "missing")))
	}
	row("secrets", strings.Join(parts, ", ")+" in the "+secrets.Describe(s.Store.Backend))

	ssh := yesNo(r.SSHConfig.BlockPresent, "installed", "not installed") + " in " + s.SSH.ConfigPath
	if r.SSHConfig.IncludePresent && r.SSHConfig.User != "" {
		ssh += fmt.Sprintf(" (Host %s: %s@%s)", s.SSH.Alias, r.SSHConfig.User, r.SSHConfig.HostName)
	}
	row("ssh config", ssh)
	row("aliases", yesNo(r.Aliases, "installed", "not installed")+" in "+s.Aliases.RCFile)

	switch {
	case r.TunnelErr != nil:
		row("tunnel", badStyle.Render("unknown")+": "+r.TunnelErr.Error())
	default:
		row("tunnel", yesNo(r.TunnelOpen, "open", "closed")+fmt.Sprintf(" (%s@%s:%d)", r.Username, s.Config.Host, s.Config.Port))
	}
}
