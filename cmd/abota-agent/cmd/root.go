package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oshokin/abota/internal/config"
	"github.com/oshokin/abota/internal/logger"
	"github.com/oshokin/abota/internal/version"
)

// app carries the state shared by the subcommands of one invocation.
type app struct {
	// configPath is the agent configuration file.
	configPath string
	// logLevel overrides the configured log level.
	logLevel string
	// level is the level of the invocation's logger.
	level zap.AtomicLevel
}

// Execute runs the agent CLI with the process arguments and exits with its status.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)

	code := Run(ctx, os.Args[1:], os.Stdout, os.Stderr)

	stop()
	os.Exit(code)
}

// Run executes one agent command line and returns the exit code: 0 on
// success, 1 otherwise. Command output goes to stdout, logs to stderr.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{level: zap.NewAtomicLevelAt(zapcore.InfoLevel)}

	root := a.newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	ctx = logger.ToContext(ctx, logger.New(a.level, stderr))

	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)

		return 1
	}

	return 0
}

func (a *app) newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "abota-agent",
		Short: "A/B over-the-air update agent.",
		Long: `Installs update artifacts into the passive rootfs slot and switches the
bootloader to try it on next boot. A tested update is made permanent with
commit; an update that is never committed is reverted by the bootloader.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.applyLogLevel(a.logLevel)
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		a.newInstallCmd(),
		a.newCommitCmd(),
		a.newRollbackCmd(),
		a.newShowArtifactCmd(),
		a.newPrintenvCmd(),
		a.newSetenvCmd(),
		a.newEnvCmd(),
		a.newSlotCmd(),
		a.newArtifactCmd(),
		a.newConfigCmd(),
		a.newServeCmd(),
	)

	version.AttachCobraVersionCommand(root)

	return root
}

// loadConfig reads the configuration and applies its log level unless the
// flag overrides it.
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}

	if a.logLevel == "" {
		if err = a.applyLogLevel(cfg.LogLevel); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (a *app) applyLogLevel(s string) error {
	if s == "" {
		return nil
	}

	level, ok := logger.ParseLogLevel(s)
	if !ok {
		return fmt.Errorf("%w: %q", errUnknownLogLevel, s)
	}

	a.level.SetLevel(level)

	return nil
}
