package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	agent "github.com/oshokin/abota/cmd/abota-agent/cmd"
	"github.com/oshokin/abota/internal/device/fakedevice"
	"github.com/oshokin/abota/internal/service/server"
)

const deviceType = "qemux86-64"

// newDevice boots a fake device whose agent is the real agent CLI.
func newDevice(t *testing.T, opts fakedevice.Options) *fakedevice.Device {
	t.Helper()

	opts.DeviceType = deviceType

	d, err := fakedevice.New(context.Background(), t.TempDir(), agent.Run, opts)
	require.NoError(t, err)

	return d
}

// startAgentServer serves the device channel of d on a free port and
// returns its address. The server stops when the test ends.
func startAgentServer(t *testing.T, d *fakedevice.Device) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)

	go func() {
		done <- server.Run(ctx, &server.Options{
			ConfigPath:    d.ConfigPath(),
			ListenAddress: "127.0.0.1:0",
			Channel:       d,
			Ready:         ready,
		})
	}()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	select {
	case addr := <-ready:
		return addr
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "agent server did not start")
	}

	return ""
}
