package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"totp-ssh/pkg/config"
	"totp-ssh/pkg/prompt"
	"totp-ssh/pkg/secrets"
	"totp-ssh/pkg/setup"
)

var (
	flagConfig  string
	flagVerbose bool
)

// quietAnnotation marks commands that log at warn level unless --verbose.
const quietAnnotation = "totp-ssh/quiet"

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "totp-ssh",
		Short: "Open a password + TOTP ssh tunnel to a login host and keep it as a control master",
		Long: `totp-ssh stores your ssh username, password and TOTP secret in the OS
credential store, answers the password and verification code prompts of the
login host for you, and leaves an ssh control master running so later ssh,
scp and rsync calls reuse the tunnel without prompting.

Run "totp-ssh install" once, then "totp-ssh start" (or the start-ssh alias).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configureLogging(cmd)
		},
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to YAML config (defaults to XDG paths if empty)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Debug logging, including ssh output")

	root.AddCommand(
		newInstallCommand(),
		newCleanupCommand(),
		newStartCommand(),
		newStopCommand(),
		newStatusCommand(),
		newSSHConfigCommand(),
		newAliasesCommand(),
		newSecretsCommand(),
	)
	return root
}

func configureLogging(cmd *cobra.Command) {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	switch {
	case flagVerbose:
		log.SetLevel(log.DebugLevel)
	case cmd.Annotations[quietAnnotation] != "":
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// loadSetup resolves the config and builds the flows against the platform
// credential store.
func loadSetup() (*setup.Setup, error) {
	cfg, path, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if path != "" {
		log.Debugf("using config %s", path)
	}

	p := prompt.NewTerminal()
	p.BeforePrompt = flushTTYInput

	return setup.New(cfg, secrets.Platform(), p, selfBinary())
}

// selfBinary is what the shell aliases run.
func selfBinary() string {
	exe, err := os.Executable()
	if err != nil {
		return "totp-ssh"
	}
	return exe
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	if errors.Is(err, setup.ErrDeclined) || errors.Is(err, prompt.ErrAborted) || errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "totp-ssh: cancelled")
	} else {
		fmt.Fprintf(os.Stderr, "totp-ssh: %v\n", err)
	}
	os.Exit(1)
}
