package cmd

import (
	"github.com/spf13/cobra"

	"github.com/oshokin/abota/internal/service/server"
)

func (a *app) newServeCmd() *cobra.Command {
	opts := new(server.Options)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the device channel over gRPC and metrics over HTTP.",
		Long: `Exposes this device to the acceptance harness: commands, file transfer and
the boot ID, plus Prometheus metrics when MetricsAddress is configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := a.loadConfig(); err != nil {
				return err
			}

			opts.ConfigPath = a.configPath

			return server.Run(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ListenAddress, "listen", "l", "", "device channel address, overrides ListenAddress")
	cmd.Flags().StringVar(&opts.MetricsAddress, "metrics", "", "metrics address, overrides MetricsAddress")

	return cmd
}
