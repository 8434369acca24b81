// Package reelfarmv1 defines the RenderFarm gRPC service spoken between
// reelfarmd and its clients. Messages travel as google.protobuf.Struct and
// are converted to the Go request and response types in messages.go.
package reelfarmv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "reelfarm.v1.RenderFarm"

// Full method names.
const (
	RenderFarm_Submit_FullMethodName     = "/reelfarm.v1.RenderFarm/Submit"
	RenderFarm_GetTask_FullMethodName    = "/reelfarm.v1.RenderFarm/GetTask"
	RenderFarm_ListTasks_FullMethodName  = "/reelfarm.v1.RenderFarm/ListTasks"
	RenderFarm_CancelTask_FullMethodName = "/reelfarm.v1.RenderFarm/CancelTask"
	RenderFarm_Status_FullMethodName     = "/reelfarm.v1.RenderFarm/Status"
	RenderFarm_CacheStats_FullMethodName = "/reelfarm.v1.RenderFarm/CacheStats"
	RenderFarm_ClearCache_FullMethodName = "/reelfarm.v1.RenderFarm/ClearCache"
	RenderFarm_Preload_FullMethodName    = "/reelfarm.v1.RenderFarm/Preload"
	RenderFarm_Upload_FullMethodName     = "/reelfarm.v1.RenderFarm/Upload"
	RenderFarm_Shutdown_FullMethodName   = "/reelfarm.v1.RenderFarm/Shutdown"
	RenderFarm_Watch_FullMethodName      = "/reelfarm.v1.RenderFarm/Watch"
)

// RenderFarmServer is the server API for the RenderFarm service.
type RenderFarmServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetTask(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTasks(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelTask(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CacheStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClearCache(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Preload(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Upload(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Shutdown(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// Watch streams task records as their state changes.
	Watch(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// UnimplementedRenderFarmServer returns codes.Unimplemented for every
// method. Embed it to stay forward compatible.
type UnimplementedRenderFarmServer struct{}

func (UnimplementedRenderFarmServer) Submit(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Submit not implemented")
}
func (UnimplementedRenderFarmServer) GetTask(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetTask not implemented")
}
func (UnimplementedRenderFarmServer) ListTasks(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method ListTasks not implemented")
}
func (UnimplementedRenderFarmServer) CancelTask(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method CancelTask not implemented")
}
func (UnimplementedRenderFarmServer) Status(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Status not implemented")
}
func (UnimplementedRenderFarmServer) CacheStats(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method CacheStats not implemented")
}
func (UnimplementedRenderFarmServer) ClearCache(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method ClearCache not implemented")
}
func (UnimplementedRenderFarmServer) Preload(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Preload not implemented")
}
func (UnimplementedRenderFarmServer) Upload(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Upload not implemented")
}
func (UnimplementedRenderFarmServer) Shutdown(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Shutdown not implemented")
}
func (UnimplementedRenderFarmServer) Watch(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error {
	return status.Error(codes.Unimplemented, "method Watch not implemented")
}

// RegisterRenderFarmServer registers srv on s.
func RegisterRenderFarmServer(s grpc.ServiceRegistrar, srv RenderFarmServer) {
	s.RegisterService(&RenderFarm_ServiceDesc, srv)
}

type unaryMethod func(RenderFarmServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// unaryHandler adapts a RenderFarmServer method to a grpc method handler.
func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RenderFarmServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RenderFarmServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RenderFarmServer).Watch(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// RenderFarm_ServiceDesc is the grpc.ServiceDesc for the RenderFarm service.
var RenderFarm_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RenderFarmServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unaryHandler(RenderFarm_Submit_FullMethodName, RenderFarmServer.Submit)},
		{MethodName: "GetTask", Handler: unaryHandler(RenderFarm_GetTask_FullMethodName, RenderFarmServer.GetTask)},
		{MethodName: "ListTasks", Handler: unaryHandler(RenderFarm_ListTasks_FullMethodName, RenderFarmServer.ListTasks)},
		{MethodName: "CancelTask", Handler: unaryHandler(RenderFarm_CancelTask_FullMethodName, RenderFarmServer.CancelTask)},
		{MethodName: "Status", Handler: unaryHandler(RenderFarm_Status_FullMethodName, RenderFarmServer.Status)},
		{MethodName: "CacheStats", Handler: unaryHandler(RenderFarm_CacheStats_FullMethodName, RenderFarmServer.CacheStats)},
		{MethodName: "ClearCache", Handler: unaryHandler(RenderFarm_ClearCache_FullMethodName, RenderFarmServer.ClearCache)},
		{MethodName: "Preload", Handler: unaryHandler(RenderFarm_Preload_FullMethodName, RenderFarmServer.Preload)},
		{MethodName: "Upload", Handler: unaryHandler(RenderFarm_Upload_FullMethodName, RenderFarmServer.Upload)},
		{MethodName: "Shutdown", Handler: unaryHandler(RenderFarm_Shutdown_FullMethodName, RenderFarmServer.Shutdown)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "reelfarm/v1/reelfarm.proto",
}

// RenderFarmClient is the client API for the RenderFarm service.
type RenderFarmClient interface {
	Submit(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	GetTask(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	ListTasks(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	CancelTask(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Status(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	CacheStats(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	ClearCache(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Preload(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Upload(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Shutdown(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Watch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error)
}

type renderFarmClient struct {
	cc grpc.ClientConnInterface
}

// NewRenderFarmClient creates a client on cc.
func NewRenderFarmClient(cc grpc.ClientConnInterface) RenderFarmClient {
	return &renderFarmClient{cc: cc}
}

func (c *renderFarmClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts []grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *renderFarmClient) Submit(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, RenderFarm_Submit_FullMethodName, in, opts)
}

func (c *renderFarmClient) GetTask(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, RenderFarm_GetTask_FullMethodName, in, opts)
}

func (c *renderFarmClient) ListTasks(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, RenderFarm_ListTasks_FullMethodName, in, opts)
}

func (c *renderFarmClient) CancelTask(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, RenderFarm_CancelTask_FullMethodName, in, opts)
}

func (c *renderFarmClient) Status(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, RenderFarm_Status_FullMethodName, in, opts)
}

func (c *renderFarmClient) CacheStats(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, RenderFarm_CacheStats_FullMethodName, in, opts)
}

func (c *renderFarmClient) ClearCache(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, RenderFarm_ClearCache_FullMethodName, in, opts)
}

func (c *renderFarmClient) Preload(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, RenderFarm_Preload_FullMethodName, in, opts)
}

func (c *renderFarmClient) Upload(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, RenderFarm_Upload_FullMethodName, in, opts)
}

func (c *renderFarmClient) Shutdown(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, RenderFarm_Shutdown_FullMethodName, in, opts)
}

func (c *renderFarmClient) Watch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &RenderFarm_ServiceDesc.Streams[0], RenderFarm_Watch_FullMethodName, opts...)
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
