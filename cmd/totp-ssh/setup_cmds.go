package main

import (
	"github.com/spf13/cobra"

	"totp-ssh/pkg/setup"
)

func newInstallCommand() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Store secrets, add shell aliases and the ssh config host, asking before each step",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSetup()
			if err != nil {
				return err
			}
			return s.Install(username)
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "SSH username (skips the username prompt)")
	return cmd
}

func newCleanupCommand() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove what install added",
		Long: `Remove what install added.

  all       secrets, shell aliases and ssh config (asks for confirmation)
  password  the stored secrets
  alias     the shell aliases
  ssh       the ssh config block and include file`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := setup.ParseTarget(target)
			if err != nil {
				return err
			}
			s, err := loadSetup()
			if err != nil {
				return err
			}
			return s.Cleanup(t)
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", string(setup.TargetAll), "What to remove: all|password|alias|ssh")
	return cmd
}

// newBlockCommand builds a "create|remove" command pair around two actions.
func newBlockCommand(use, short string, create, remove func(*setup.Setup) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
	}
	run := func(action func(*setup.Setup) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			s, err := loadSetup()
			if err != nil {
				return err
			}
			return action(s)
		}
	}
	cmd.AddCommand(
		&cobra.Command{Use: "create", Short: "Add the block", Args: cobra.NoArgs, RunE: run(create)},
		&cobra.Command{Use: "remove", Short: "Remove the block", Args: cobra.NoArgs, RunE: run(remove)},
	)
	return cmd
}

func newSSHConfigCommand() *cobra.Command {
	return newBlockCommand("ssh-config", "Add or remove the TOTP host in the ssh client config",
		(*setup.Setup).CreateSSHConfig,
		(*setup.Setup).RemoveSSHConfig,
	)
}

func newAliasesCommand() *cobra.Command {
	return newBlockCommand("aliases", "Add or remove the start-ssh/stop-ssh aliases in the shell rc file",
		func(s *setup.Setup) error { return s.Aliases.Insert() },
		func(s *setup.Setup) error { return s.Aliases.Remove() },
	)
}

func newSecretsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Store or remove the ssh username, password and TOTP secret",
	}

	var username string
	set := &cobra.Command{
		Use:   "set",
		Short: "Prompt for the secrets and store them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSetup()
			if err != nil {
				return err
			}
			return s.SetSecrets(username)
		},
	}
	set.Flags().StringVar(&username, "username", "", "SSH username (skips the username prompt)")

	remove := &cobra.Command{
		Use:   "remove",
		Short: "Delete the stored secrets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSetup()
			if err != nil {
				return err
			}
			return s.RemoveSecrets()
		},
	}

	cmd.AddCommand(set, remove)
	return cmd
}
