package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// RingServiceName is the fully qualified gRPC service name.
const RingServiceName = "ringkv.v1.RingService"

const (
	methodGetState = "/" + RingServiceName + "/GetState"
	methodRoute    = "/" + RingServiceName + "/Route"
	methodPing     = "/" + RingServiceName + "/Ping"
)

// RingServiceServer is the admin service exposed by every peer. Messages are
// protobuf well-known types so no generated code is needed.
type RingServiceServer interface {
	// GetState returns the peer's ring state and storage counters.
	GetState(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// Route explains who answers a request path.
	Route(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// Ping echoes a message.
	Ping(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
}

// RingServiceDesc describes RingService for grpc.Server.RegisterService.
var RingServiceDesc = grpc.ServiceDesc{
	ServiceName: RingServiceName,
	HandlerType: (*RingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetState", Handler: getStateHandler},
		{MethodName: "Route", Handler: routeHandler},
		{MethodName: "Ping", Handler: pingHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ringkv/v1/ring.proto",
}

// RegisterRingServiceServer registers srv with s.
func RegisterRingServiceServer(s grpc.ServiceRegistrar, srv RingServiceServer) {
	s.RegisterService(&RingServiceDesc, srv)
}

func getStateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RingServiceServer).GetState(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetState}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RingServiceServer).GetState(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func routeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RingServiceServer).Route(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRoute}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RingServiceServer).Route(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RingServiceServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPing}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RingServiceServer).Ping(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}
