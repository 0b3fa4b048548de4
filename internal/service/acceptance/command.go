package acceptance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	harness "github.com/oshokin/abota/internal/acceptance"
	api "github.com/oshokin/abota/internal/api/grpc/device"
	"github.com/oshokin/abota/internal/logger"
)

const (
	// DefaultWorkDir is where artifacts and keys are pushed on the device.
	DefaultWorkDir = "/tmp/abota-acceptance"

	// readHeaderTimeout bounds slow artifact downloads at the header stage.
	readHeaderTimeout = 10 * time.Second
)

var (
	// ErrNoDeviceAddress indicates that no device channel address was given.
	ErrNoDeviceAddress = errors.New("no device address configured")
	// ErrScenariosFailed is returned when at least one scenario failed.
	ErrScenariosFailed = errors.New("scenarios failed")
)

// Options controls an acceptance run.
type Options struct {
	// DeviceAddress is the gRPC device channel of the device under test.
	DeviceAddress string
	// WorkDir is a writable directory on the device, DefaultWorkDir when empty.
	WorkDir string
	// Agent is the agent command on the device.
	Agent string
	// DeviceType is written into generated artifacts.
	DeviceType string
	// RootfsImage is a bootable rootfs image for the device.
	RootfsImage string
	// ArtifactsListen is where artifacts are served for download. Empty
	// disables the scenarios that download over the network.
	ArtifactsListen string
	// ArtifactsURL is the base URL the device reaches ArtifactsListen at.
	// It defaults to http://<bound address>.
	ArtifactsURL string
	// Scenarios are the scenario names to run, all when empty.
	Scenarios []string
	// CallTimeout bounds every call on the device channel.
	CallTimeout time.Duration
	// ReconnectInterval is how often a rebooting device is polled.
	ReconnectInterval time.Duration
	// Output receives the report, stdout when nil.
	Output io.Writer
}

// Run dials the device, runs the scenarios and prints one line per scenario.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "acceptance")

	if opts.DeviceAddress == "" {
		return ErrNoDeviceAddress
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	var dialOptions []api.Option
	if opts.CallTimeout > 0 {
		dialOptions = append(dialOptions, api.WithCallTimeout(opts.CallTimeout))
	}

	client, err := api.Dial(ctx, opts.DeviceAddress, dialOptions...)
	if err != nil {
		return err
	}

	defer func() {
		_ = client.Close()
	}()

	workDir := opts.WorkDir
	if workDir == "" {
		workDir = DefaultWorkDir
	}

	h := &harness.Harness{
		Channel:           client,
		WorkDir:           workDir,
		Agent:             opts.Agent,
		DeviceType:        opts.DeviceType,
		RootfsImage:       opts.RootfsImage,
		ReconnectInterval: opts.ReconnectInterval,
	}

	if opts.ArtifactsListen != "" {
		artifacts, stop, err := serveArtifacts(ctx, opts.ArtifactsListen, opts.ArtifactsURL)
		if err != nil {
			return err
		}

		defer stop()

		h.Artifacts = artifacts
	}

	logger.InfoKV(ctx, "Running scenarios", "device", opts.DeviceAddress, "work_dir", workDir)

	return report(out, h.Run(ctx, opts.Scenarios...))
}

// serveArtifacts starts the artifact HTTP server and returns it with a stop function.
func serveArtifacts(ctx context.Context, listen, baseURL string) (*harness.HTTPArtifacts, func(), error) {
	lc := net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", listen)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on %s: %w", listen, err)
	}

	if baseURL == "" {
		baseURL = "http://" + lis.Addr().String()
	}

	artifacts := &harness.HTTPArtifacts{BaseURL: baseURL}
	srv := &http.Server{
		Handler:           artifacts,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorKV(ctx, "Artifact server stopped", "error", err)
		}
	}()

	logger.InfoKV(ctx, "Serving artifacts", "listen_address", lis.Addr().String(), "base_url", baseURL)

	return artifacts, func() { _ = srv.Close() }, nil
}

// report prints the outcomes and returns ErrScenariosFailed if any failed.
func report(w io.Writer, outcomes []harness.Outcome) error {
	var failed int

	for _, o := range outcomes {
		if o.Err != nil {
			failed++

			_, _ = fmt.Fprintf(w, "FAIL %s (%s): %v\n", o.Name, o.Duration.Round(time.Millisecond), o.Err)

			continue
		}

		_, _ = fmt.Fprintf(w, "PASS %s (%s)\n", o.Name, o.Duration.Round(time.Millisecond))
	}

	_, _ = fmt.Fprintf(w, "%d passed, %d failed\n", len(outcomes)-failed, failed)

	if failed > 0 {
		return fmt.Errorf("%d of %d %w", failed, len(outcomes), ErrScenariosFailed)
	}

	return nil
}
