package device

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/dynamicpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/oshokin/abota/internal/device"
	"github.com/oshokin/abota/internal/logger"
)

// Server implements the DeviceChannel gRPC API on top of a device channel.
type Server struct {
	// channel executes the requests, usually the local machine.
	channel device.Channel
}

var _ channelServer = (*Server)(nil)

// NewServer wires the provided channel into a gRPC handler.
func NewServer(channel device.Channel) *Server {
	return &Server{
		channel: channel,
	}
}

// Register adds the DeviceChannel service to s.
func (s *Server) Register(registrar grpc.ServiceRegistrar) {
	registrar.RegisterService(&serviceDesc, s)
}

// Run executes a command line on the device.
func (s *Server) Run(ctx context.Context, req *wrapperspb.StringValue) (*dynamicpb.Message, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "command is required")
	}

	logger.DebugKV(ctx, "Running command", "command", req.GetValue())

	res, err := s.channel.Run(ctx, req.GetValue())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	return encodeResult(res), nil
}

// Fetch returns the contents of a file.
func (s *Server) Fetch(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "path is required")
	}

	data, err := s.channel.Fetch(ctx, req.GetValue())
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}

	return wrapperspb.Bytes(data), nil
}

// Push writes a file.
func (s *Server) Push(ctx context.Context, req *dynamicpb.Message) (*emptypb.Empty, error) {
	path, data := decodePush(req)
	if path == "" {
		return nil, status.Error(codes.InvalidArgument, "path is required")
	}

	if err := s.channel.Push(ctx, path, data); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	return new(emptypb.Empty), nil
}

// BootID identifies the current boot.
func (s *Server) BootID(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	id, err := s.channel.BootID(ctx)
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}

	return wrapperspb.String(id), nil
}
