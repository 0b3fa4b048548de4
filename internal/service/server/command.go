package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"

	api "github.com/oshokin/abota/internal/api/grpc/device"
	"github.com/oshokin/abota/internal/config"
	"github.com/oshokin/abota/internal/device"
	"github.com/oshokin/abota/internal/logger"
	"github.com/oshokin/abota/internal/metrics"
)

// readHeaderTimeout bounds slow metrics clients.
const readHeaderTimeout = 10 * time.Second

// Options controls the agent service process.
type Options struct {
	// ConfigPath specifies the path to the agent configuration.
	ConfigPath string
	// ListenAddress overrides the device channel address from the configuration.
	ListenAddress string
	// MetricsAddress overrides the metrics address from the configuration.
	MetricsAddress string
	// Channel serves the requests, the local machine when nil.
	Channel device.Channel
	// Ready, when set, receives the bound device channel address once listening.
	Ready chan<- string
}

// ErrNoListenAddress indicates missing server configuration.
var ErrNoListenAddress = errors.New("no listen address configured")

// Run starts the gRPC device channel and the metrics endpoint and blocks
// until the context is canceled or a server stops.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "agent-server")

	settings, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	listenAddress := resolveAddress(settings.ListenAddress, opts.ListenAddress)
	if listenAddress == "" {
		return ErrNoListenAddress
	}

	channel := opts.Channel
	if channel == nil {
		channel = new(device.Local)
	}

	lc := net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", listenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddress, err)
	}

	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(api.MaxMessageSize),
		grpc.MaxSendMsgSize(api.MaxMessageSize),
	)
	api.NewServer(channel).Register(grpcServer)

	metricsServer, err := startMetrics(ctx, resolveAddress(settings.MetricsAddress, opts.MetricsAddress))
	if err != nil {
		_ = lis.Close()

		return err
	}

	logger.InfoKV(ctx, "Device channel listening", "listen_address", lis.Addr().String())

	if opts.Ready != nil {
		opts.Ready <- lis.Addr().String()
	}

	// Done channel is closed after GracefulStop finishes to ensure we block
	// until the server fully stops before returning.
	done := make(chan struct{})

	go func() {
		<-ctx.Done()
		logger.Info(ctx, "Shutting down gRPC server")
		grpcServer.GracefulStop()

		if metricsServer != nil {
			_ = metricsServer.Close()
		}

		close(done)
	}()

	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve gRPC: %w", err)
	}

	<-done
	logger.Info(ctx, "GRPC server stopped")

	return nil
}

// startMetrics serves Prometheus metrics on address; an empty address disables it.
func startMetrics(ctx context.Context, address string) (*http.Server, error) {
	if address == "" {
		return nil, nil //nolint:nilnil // Metrics are optional.
	}

	lc := net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", address, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorKV(ctx, "Metrics server stopped", "error", err)
		}
	}()

	logger.InfoKV(ctx, "Metrics listening", "metrics_address", lis.Addr().String())

	return srv, nil
}

// resolveAddress returns override when set, the configured address otherwise.
func resolveAddress(configured, override string) string {
	if override != "" {
		return override
	}

	return configured
}
