package device

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/dynamicpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "abota.device.v1.DeviceChannel"

	methodRun    = "/" + ServiceName + "/Run"
	methodFetch  = "/" + ServiceName + "/Fetch"
	methodPush   = "/" + ServiceName + "/Push"
	methodBootID = "/" + ServiceName + "/BootID"

	// MaxMessageSize bounds artifacts pushed through the channel.
	MaxMessageSize = 512 << 20
)

// channelServer is the server side of the DeviceChannel service.
type channelServer interface {
	Run(ctx context.Context, req *wrapperspb.StringValue) (*dynamicpb.Message, error)
	Fetch(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	Push(ctx context.Context, req *dynamicpb.Message) (*emptypb.Empty, error)
	BootID(ctx context.Context, req *emptypb.Empty) (*wrapperspb.StringValue, error)
}

// serviceDesc describes the DeviceChannel service to grpc.Server.
//
//nolint:gochecknoglobals // Service descriptors are package level, as generated code does.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*channelServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: unaryHandler(methodRun, newOf[wrapperspb.StringValue], channelServer.Run)},
		{MethodName: "Fetch", Handler: unaryHandler(methodFetch, newOf[wrapperspb.StringValue], channelServer.Fetch)},
		{MethodName: "Push", Handler: unaryHandler(methodPush, newPushRequest, channelServer.Push)},
		{MethodName: "BootID", Handler: unaryHandler(methodBootID, newOf[emptypb.Empty], channelServer.BootID)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: protoFile,
}

// unaryHandler adapts a typed method to a grpc.MethodHandler. newReq
// allocates the request message the payload is decoded into.
func unaryHandler[Req, Resp any](
	fullMethod string,
	newReq func() Req,
	call func(channelServer, context.Context, Req) (Resp, error),
) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}

		if interceptor == nil {
			return call(srv.(channelServer), ctx, in) //nolint:forcetypeassert // Guaranteed by HandlerType.
		}

		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}

		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(channelServer), ctx, req.(Req)) //nolint:forcetypeassert // Guaranteed by dec.
		}

		return interceptor(ctx, in, info, handler)
	}
}

func newOf[T any]() *T {
	return new(T)
}
