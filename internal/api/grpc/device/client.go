package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/oshokin/abota/internal/device"
)

// DefaultCallTimeout bounds a single call, payload pushes included.
const DefaultCallTimeout = 10 * time.Minute

// Client is a device channel reached over gRPC.
type Client struct {
	// conn is the underlying gRPC connection to the device.
	conn *grpc.ClientConn

	// callTimeout is the default timeout for individual RPC calls.
	callTimeout time.Duration
	// dialOptions are appended to the defaults when connecting.
	dialOptions []grpc.DialOption
}

var _ device.Channel = (*Client)(nil)

// Option configures client behaviour.
type Option func(*Client)

// WithCallTimeout sets a default timeout for calls.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// WithDialOptions passes extra options to grpc.NewClient.
func WithDialOptions(options ...grpc.DialOption) Option {
	return func(c *Client) {
		c.dialOptions = append(c.dialOptions, options...)
	}
}

// errAddressRequired is returned when a required address value is missing.
var errAddressRequired = errors.New("address must be provided")

// Dial prepares a connection to a device server. The connection is
// established lazily and re-established after the device reboots.
// Note: this uses insecure transport credentials; deploy on a trusted network
// or terminate TLS in a proxy until native TLS is added.
func Dial(_ context.Context, address string, opts ...Option) (*Client, error) {
	if address == "" {
		return nil, errAddressRequired
	}

	client := &Client{
		callTimeout: DefaultCallTimeout,
	}

	for _, opt := range opts {
		opt(client)
	}

	dialOptions := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
			grpc.MaxCallSendMsgSize(MaxMessageSize),
		),
	}, client.dialOptions...)

	conn, err := grpc.NewClient(address, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("dial device: %w", err)
	}

	client.conn = conn

	return client, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}

	return c.conn.Close()
}

// Run executes a command line on the device.
func (c *Client) Run(ctx context.Context, command string) (device.Result, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	out := newRunResponse()
	if err := c.conn.Invoke(callCtx, methodRun, wrapperspb.String(command), out); err != nil {
		return device.Result{}, fmt.Errorf("run %q: %w", command, err)
	}

	return decodeResult(out), nil
}

// Fetch returns the contents of a file on the device.
func (c *Client) Fetch(ctx context.Context, path string) ([]byte, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(callCtx, methodFetch, wrapperspb.String(path), out); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", path, err)
	}

	return out.GetValue(), nil
}

// Push writes a file on the device.
func (c *Client) Push(ctx context.Context, path string, data []byte) error {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	if err := c.conn.Invoke(callCtx, methodPush, encodePush(path, data), new(emptypb.Empty)); err != nil {
		return fmt.Errorf("push %s: %w", path, err)
	}

	return nil
}

// BootID identifies the current boot of the device.
func (c *Client) BootID(ctx context.Context) (string, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	out := new(wrapperspb.StringValue)
	if err := c.conn.Invoke(callCtx, methodBootID, new(emptypb.Empty), out); err != nil {
		return "", fmt.Errorf("boot id: %w", err)
	}

	return out.GetValue(), nil
}

// callContext returns a context with the client's call timeout if configured,
// otherwise a cancellable child context without a deadline.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.callTimeout)
}
