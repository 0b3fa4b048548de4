package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oshokin/abota/internal/logger"
	"github.com/oshokin/abota/internal/repository/state"
	"github.com/oshokin/abota/internal/service/installer"
	"github.com/oshokin/abota/internal/service/power"
)

// newInstaller loads the configuration and wires an installer.
func (a *app) newInstaller() (*installer.Installer, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}

	return installer.New(cfg)
}

func (a *app) newInstallCmd() *cobra.Command {
	var reboot bool

	cmd := &cobra.Command{
		Use:   "install <artifact-path-or-url>",
		Short: "Install an artifact into the passive slot.",
		Long: `Verifies the artifact, streams its rootfs image into the passive slot and
marks the slot to be tried on next boot. Artifacts are read from a local path
or downloaded over http(s).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := a.newInstaller()
			if err != nil {
				return err
			}

			res, err := inst.Install(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Installed %s into slot %s, reboot to test it\n",
				res.ArtifactName, res.Slot.Name)

			if reboot {
				return power.Reboot(cmd.Context())
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&reboot, "reboot", false, "reboot once the update is installed")

	return cmd
}

func (a *app) newCommitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commit",
		Short: "Make the running update permanent.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			inst, err := a.newInstaller()
			if err != nil {
				return err
			}

			if err = inst.Commit(cmd.Context()); err != nil {
				return err
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Committed")

			return nil
		},
	}
}

func (a *app) newRollbackCmd() *cobra.Command {
	var reboot bool

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Abandon the update being tested.",
		Long: `Refuses to commit the running update. The boot environment is left as is,
so the bootloader reverts to the previous slot on next boot.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			inst, err := a.newInstaller()
			if err != nil {
				return err
			}

			if err = inst.Rollback(cmd.Context()); err != nil {
				return err
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Rolled back, the previous slot boots next")

			if reboot {
				return power.Reboot(cmd.Context())
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&reboot, "reboot", false, "reboot right away")

	return cmd
}

func (a *app) newShowArtifactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show-artifact",
		Short: "Print the name of the committed artifact.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			inst, err := a.newInstaller()
			if err != nil {
				return err
			}

			name, err := inst.CurrentArtifact(cmd.Context())
			if errors.Is(err, state.ErrNotFound) {
				logger.Debug(cmd.Context(), "No artifact was committed yet")

				name = "unknown"
			} else if err != nil {
				return err
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), name)

			return nil
		},
	}
}
