package integration

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	api "github.com/oshokin/abota/internal/api/grpc/device"
	"github.com/oshokin/abota/internal/device"
	"github.com/oshokin/abota/internal/device/fakedevice"
)

// TestDeviceChannel_Roundtrip drives a fake device through the real gRPC server.
func TestDeviceChannel_Roundtrip(t *testing.T) {
	t.Parallel()

	d := newDevice(t, fakedevice.Options{})
	addr := startAgentServer(t, d)
	ctx := context.Background()

	c, err := api.Dial(ctx, addr, api.WithCallTimeout(10*time.Second))
	require.NoError(t, err)

	defer func() {
		_ = c.Close()
	}()

	res, err := c.Run(ctx, "abota-agent slot show")
	require.NoError(t, err)
	require.Zero(t, res.ExitCode, string(res.Stderr))
	require.Contains(t, string(res.Stdout), "phase=stable\n")
	require.Contains(t, string(res.Stdout), "active=A\n")

	res, err = c.Run(ctx, "abota-agent printenv undefined_variable")
	require.NoError(t, err)
	require.Equal(t, 1, res.ExitCode)

	_, err = device.Check(ctx, c, "abota-agent printenv undefined_variable")
	require.ErrorIs(t, err, device.ErrCommandFailed)

	target := filepath.Join(d.Dir(), "pushed")
	require.NoError(t, c.Push(ctx, target, []byte("payload")))

	data, err := c.Fetch(ctx, target)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))

	config, err := c.Fetch(ctx, d.ConfigPath())
	require.NoError(t, err)
	require.True(t, strings.Contains(string(config), "RootDevice: "+d.Slots()[0].Device))

	before, err := c.BootID(ctx)
	require.NoError(t, err)

	after, err := device.Reboot(ctx, c, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotEqual(t, before, after)
	require.Equal(t, 2, d.Boots())
}
