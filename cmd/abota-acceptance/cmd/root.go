package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oshokin/abota/internal/acceptance"
	"github.com/oshokin/abota/internal/logger"
	service "github.com/oshokin/abota/internal/service/acceptance"
	"github.com/oshokin/abota/internal/version"
)

var (
	// opts collects the flags of the run.
	opts = new(service.Options)
	// logLevel is the level of the tester's own log.
	logLevel string

	// rootCmd runs acceptance scenarios against a device.
	rootCmd = &cobra.Command{
		Use:   "abota-acceptance <device-address> [scenario...]",
		Short: "Run update acceptance scenarios against a device.",
		Long: `Connects to the device channel served by "abota-agent serve" and runs
acceptance scenarios against the device: redundant environment handling, the
saveenv canary, signature checks, oversized and broken images with rollback,
and installing over the network.

Scenarios reboot the device. The device must run a build whose bootloader is
integrated with the agent, and must reach --artifacts-url for network updates.

Known scenarios: ` + strings.Join(acceptance.Scenarios(), ", ") + ".",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			level, ok := logger.ParseLogLevel(logLevel)
			if ok {
				logger.SetLevel(level)
			}

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.DeviceAddress = args[0]
			opts.Scenarios = args[1:]
			opts.Output = cmd.OutOrStdout()

			return service.Run(cmd.Context(), opts)
		},
	}
)

// Execute runs the acceptance CLI and exits with non-zero status on error.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)

	version.AttachCobraVersionCommand(rootCmd)

	err := rootCmd.ExecuteContext(ctx)

	stop()

	if err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&opts.WorkDir, "work-dir", "w", service.DefaultWorkDir, "writable directory on the device")
	flags.StringVar(&opts.Agent, "agent", acceptance.DefaultAgent, "agent command on the device")
	flags.StringVarP(&opts.DeviceType, "device-type", "t", "", "device type written into artifacts")
	flags.StringVarP(&opts.RootfsImage, "rootfs-image", "i", "", "bootable rootfs image for the device")
	flags.StringVar(&opts.ArtifactsListen, "artifacts-listen", "", "address to serve artifacts on, e.g. :8080")
	flags.StringVar(&opts.ArtifactsURL, "artifacts-url", "", "base URL the device downloads artifacts from")
	flags.DurationVar(&opts.CallTimeout, "call-timeout", 0, "timeout of one device channel call")
	flags.DurationVar(&opts.ReconnectInterval, "reconnect-interval", time.Second, "poll interval while the device reboots")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
}
