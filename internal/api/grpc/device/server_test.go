package device

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/oshokin/abota/internal/device"
)

// fakeChannel is a local channel with a settable boot ID.
type fakeChannel struct {
	device.Local

	// bootID is returned by BootID.
	bootID string
}

// BootID returns the configured boot ID or an error when it is empty.
func (f *fakeChannel) BootID(context.Context) (string, error) {
	if f.bootID == "" {
		return "", errors.New("booting")
	}

	return f.bootID, nil
}

// startServer serves ch over an in-memory listener and returns a connected client.
func startServer(t *testing.T, ch device.Channel) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.MaxRecvMsgSize(MaxMessageSize), grpc.MaxSendMsgSize(MaxMessageSize))
	NewServer(ch).Register(srv)

	go func() {
		_ = srv.Serve(lis)
	}()

	client, err := Dial(context.Background(), "passthrough:///bufnet",
		WithCallTimeout(5*time.Second),
		WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()

		srv.Stop()
	})

	return client
}

// TestServer_Validation ensures invalid requests return InvalidArgument errors.
func TestServer_Validation(t *testing.T) {
	t.Parallel()

	s := NewServer(new(fakeChannel))

	_, err := s.Run(context.Background(), wrapperspb.String(""))
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = s.Fetch(context.Background(), nil)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = s.Push(context.Background(), newPushRequest())
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

// TestClient_Roundtrip drives every method through a real gRPC server.
func TestClient_Roundtrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ch := &fakeChannel{bootID: "boot-1"}
	client := startServer(t, ch)

	res, err := client.Run(ctx, "printf '\\377binary'; echo oops >&2; exit 4")
	require.NoError(t, err)
	require.Equal(t, "\xffbinary", string(res.Stdout))
	require.Equal(t, "oops\n", string(res.Stderr))
	require.Equal(t, 4, res.ExitCode)

	path := filepath.Join(t.TempDir(), "artifact.abota")
	payload := make([]byte, 3<<20)

	for i := range payload {
		payload[i] = byte(i)
	}

	require.NoError(t, client.Push(ctx, path, payload))

	got, err := client.Fetch(ctx, path)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	_, err = client.Fetch(ctx, filepath.Join(t.TempDir(), "missing"))
	require.Equal(t, codes.NotFound, status.Code(errors.Unwrap(err)))

	id, err := client.BootID(ctx)
	require.NoError(t, err)
	require.Equal(t, "boot-1", id)
}

// TestClient_WaitForReconnect follows a boot ID change through the client.
func TestClient_WaitForReconnect(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{bootID: "boot-2"}
	client := startServer(t, ch)

	id, err := device.WaitForReconnect(context.Background(), client, "boot-1", time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "boot-2", id)
}
