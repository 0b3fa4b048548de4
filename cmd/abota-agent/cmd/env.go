package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oshokin/abota/internal/bootenv"
	"github.com/oshokin/abota/internal/service/installer"
)

// openEnvStore loads the configuration and opens the boot environment.
func (a *app) openEnvStore() (*bootenv.Store, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}

	return installer.OpenEnvStore(cfg)
}

// lockedEnvStore opens the boot environment for writing while holding the
// update marker, so that it does not race an install, commit or rollback.
func (a *app) lockedEnvStore(ctx context.Context) (*bootenv.Store, func(), error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, err
	}

	store, err := installer.OpenEnvStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	release, err := installer.Lock(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	return store, release, nil
}

func (a *app) newPrintenvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "printenv [name...]",
		Short: "Print bootloader environment variables.",
		Long:  "Prints all variables as name=value lines, or only the named ones.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openEnvStore()
			if err != nil {
				return err
			}

			snap, err := store.Read(cmd.Context())
			if err != nil {
				return err
			}

			if len(args) == 0 {
				_, _ = fmt.Fprint(cmd.OutOrStdout(), snap.Env.String())

				return nil
			}

			var missing []error

			for _, name := range args {
				value, ok := snap.Env[name]
				if !ok {
					missing = append(missing, fmt.Errorf("%q %w", name, errUndefinedVariable))

					continue
				}

				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", name, value)
			}

			return errors.Join(missing...)
		},
	}
}

func (a *app) newSetenvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setenv <name> [value...]",
		Short: "Set or delete a bootloader environment variable.",
		Long:  "Value words are joined with spaces. Without a value the variable is deleted.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, release, err := a.lockedEnvStore(cmd.Context())
			if err != nil {
				return err
			}

			defer release()

			_, err = store.Write(cmd.Context(), bootenv.Env{args[0]: strings.Join(args[1:], " ")})

			return err
		},
	}
}

func (a *app) newEnvCmd() *cobra.Command {
	env := &cobra.Command{
		Use:   "env",
		Short: "Inspect the redundant environment copies.",
	}

	env.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the state of both copies as name=value lines.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openEnvStore()
			if err != nil {
				return err
			}

			img, err := store.ReadImage()
			if err != nil {
				return err
			}

			res := img.Resolve()
			out := cmd.OutOrStdout()

			for i, raw := range img.Copies {
				_, counter, ok := bootenv.Decode(raw)
				_, _ = fmt.Fprintf(out, "copy%d_valid=%d\n", i, boolDigit(ok))
				_, _ = fmt.Fprintf(out, "copy%d_counter=%d\n", i, counter)
				_, _ = fmt.Fprintf(out, "copy%d_checksum=%08x\n", i, bootenv.Checksum(raw))
			}

			_, _ = fmt.Fprintf(out, "current=%d\n", res.Current)

			return nil
		},
	})

	env.AddCommand(&cobra.Command{
		Use:   "corrupt <copy>",
		Short: "Damage one copy so that its checksum no longer matches.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[0])
			if err != nil || index < 0 || index > 1 {
				return fmt.Errorf("%q: %w", args[0], errCopyIndex)
			}

			store, release, err := a.lockedEnvStore(cmd.Context())
			if err != nil {
				return err
			}

			defer release()

			img, err := store.ReadImage()
			if err != nil {
				return err
			}

			raw := append([]byte(nil), img.Copies[index]...)
			raw[bootenv.HeaderSize] ^= 0xff

			return store.WriteCopy(index, raw)
		},
	})

	return env
}

func boolDigit(b bool) int {
	if b {
		return 1
	}

	return 0
}
