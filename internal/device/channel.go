package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oshokin/abota/internal/logger"
)

// DefaultReconnectInterval is how often WaitForReconnect polls the boot ID.
const DefaultReconnectInterval = 500 * time.Millisecond

// ErrCommandFailed is returned by Check when a command exits with a non-zero status.
var ErrCommandFailed = errors.New("command failed")

// Result is the outcome of a command run on the device.
type Result struct {
	// Stdout is everything the command wrote to standard output.
	Stdout []byte
	// Stderr is everything the command wrote to standard error.
	Stderr []byte
	// ExitCode is the exit status of the command.
	ExitCode int
}

// Channel is a connection to a device. A non-zero exit code is not an error
// of Run: errors are reserved for the channel itself.
type Channel interface {
	// Run executes a shell command line on the device.
	Run(ctx context.Context, command string) (Result, error)
	// Fetch returns the contents of a file on the device.
	Fetch(ctx context.Context, path string) ([]byte, error)
	// Push writes data to a file on the device.
	Push(ctx context.Context, path string, data []byte) error
	// BootID identifies the current boot of the device.
	BootID(ctx context.Context) (string, error)
}

// Check runs command and turns a non-zero exit code into an error carrying stderr.
func Check(ctx context.Context, ch Channel, command string) (Result, error) {
	res, err := ch.Run(ctx, command)
	if err != nil {
		return res, err
	}

	if res.ExitCode != 0 {
		return res, fmt.Errorf("%q exited with %d: %s: %w", command, res.ExitCode, res.Stderr, ErrCommandFailed)
	}

	return res, nil
}

// WaitForReconnect polls the device until it reports a boot ID different from
// previousBootID. Channel errors while the device is down are expected.
func WaitForReconnect(ctx context.Context, ch Channel, previousBootID string, interval time.Duration) (string, error) {
	if interval <= 0 {
		interval = DefaultReconnectInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		id, err := ch.BootID(ctx)

		switch {
		case err != nil:
			logger.DebugKV(ctx, "Device is not reachable yet", "error", err)
		case id != previousBootID:
			logger.InfoKV(ctx, "Device is back", "boot_id", id)

			return id, nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("wait for reconnect: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Reboot asks the device to reboot and waits until it is back.
func Reboot(ctx context.Context, ch Channel, interval time.Duration) (string, error) {
	previous, err := ch.BootID(ctx)
	if err != nil {
		return "", err
	}

	// The channel may drop while the device goes down, so the result is ignored.
	_, _ = ch.Run(ctx, "reboot")

	return WaitForReconnect(ctx, ch, previous, interval)
}
