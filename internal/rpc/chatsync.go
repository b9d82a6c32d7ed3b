// Package rpc declares the chatsync.v1.ChatSync gRPC service. Messages are
// google.protobuf.Struct values holding the JSON wire shapes from package convert.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "chatsync.v1.ChatSync"

// Full method names.
const (
	AppendMethod    = "/" + ServiceName + "/Append"
	ListAfterMethod = "/" + ServiceName + "/ListAfter"
	SubscribeMethod = "/" + ServiceName + "/Subscribe"
)

// ChatSyncServer is the server API.
type ChatSyncServer interface {
	Append(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListAfter(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Subscribe(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// UnimplementedChatSyncServer can be embedded for forward compatibility.
type UnimplementedChatSyncServer struct{}

func (UnimplementedChatSyncServer) Append(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Append not implemented")
}

func (UnimplementedChatSyncServer) ListAfter(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method ListAfter not implemented")
}

func (UnimplementedChatSyncServer) Subscribe(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error {
	return status.Error(codes.Unimplemented, "method Subscribe not implemented")
}

// RegisterChatSyncServer registers srv on s.
func RegisterChatSyncServer(s grpc.ServiceRegistrar, srv ChatSyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary(method string, call func(ChatSyncServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ChatSyncServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ChatSyncServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatSyncServer).Subscribe(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// ServiceDesc describes the service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Append", Handler: unary(AppendMethod, ChatSyncServer.Append)},
		{MethodName: "ListAfter", Handler: unary(ListAfterMethod, ChatSyncServer.ListAfter)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "chatsync/v1/chatsync.proto",
}

// ChatSyncClient is the client API.
type ChatSyncClient struct {
	cc grpc.ClientConnInterface
}

// NewChatSyncClient binds a client to cc.
func NewChatSyncClient(cc grpc.ClientConnInterface) *ChatSyncClient {
	return &ChatSyncClient{cc: cc}
}

func (c *ChatSyncClient) Append(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, AppendMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ChatSyncClient) ListAfter(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ListAfterMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ChatSyncClient) Subscribe(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], SubscribeMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
