package cmd

import (
	"crypto"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/oshokin/abota/internal/logger"
	"github.com/oshokin/abota/internal/service/packager"
	"github.com/oshokin/abota/internal/verify"
)

func (a *app) newArtifactCmd() *cobra.Command {
	artifact := &cobra.Command{
		Use:   "artifact",
		Short: "Build and inspect update artifacts.",
	}

	artifact.AddCommand(a.newArtifactReadCmd(), newArtifactWriteCmd())

	return artifact
}

func (a *app) newArtifactReadCmd() *cobra.Command {
	var keyPath string

	cmd := &cobra.Command{
		Use:   "read <artifact>",
		Short: "Describe an artifact and check its signature and checksums.",
		Long: `Prints the artifact header and verifies every payload checksum. The
signature is checked against --key, or against ArtifactVerifyKey when a
configuration is available.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyPath == "" {
				if cfg, err := a.loadConfig(); err == nil {
					keyPath = cfg.ArtifactVerifyKey
				} else {
					logger.DebugKV(cmd.Context(), "No configuration, signature is not verified", "error", err)
				}
			}

			var key crypto.PublicKey

			if keyPath != "" {
				pub, err := verify.LoadPublicKey(keyPath)
				if err != nil {
					return err
				}

				key = pub
			}

			f, err := os.Open(filepath.Clean(args[0]))
			if err != nil {
				return fmt.Errorf("open artifact: %w", err)
			}

			defer func() {
				_ = f.Close()
			}()

			return packager.Inspect(f, key, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&keyPath, "key", "k", "", "PEM public key to verify the signature with")

	return cmd
}

func newArtifactWriteCmd() *cobra.Command {
	opts := new(packager.Options)

	cmd := &cobra.Command{
		Use:   "write <rootfs-image>",
		Short: "Build an artifact from a rootfs image.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Files = args

			return packager.Run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Output, "output", "o", "", "artifact file to write")
	flags.StringVarP(&opts.Name, "name", "n", "", "artifact name")
	flags.StringSliceVarP(&opts.DeviceTypes, "device-type", "t", nil, "compatible device type, repeatable")
	flags.IntVarP(&opts.Version, "format-version", "v", 0, "artifact format version 1, 2 or 3")
	flags.StringVar(&opts.Compression, "compression", "gzip", "gzip, zstd or none")
	flags.StringVarP(&opts.KeyPath, "key", "k", "", "PEM private key to sign the artifact with")

	return cmd
}
