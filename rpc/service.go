// Package rpc serves the density pipeline over gRPC. Messages are protobuf
// well-known types, so no generated code is needed on either side.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "trafficdensity.DensityService"

	EstimateMethod = "/" + ServiceName + "/Estimate"
	LatestMethod   = "/" + ServiceName + "/Latest"
	RunMethod      = "/" + ServiceName + "/Run"

	// CameraHeader carries the camera identifier of an Estimate call.
	CameraHeader = "x-camera-id"
)

type DensityServiceServer interface {
	Estimate(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error)
	Latest(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
	Run(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

func RegisterDensityServiceServer(s grpc.ServiceRegistrar, srv DensityServiceServer) {
	s.RegisterService(&DensityService_ServiceDesc, srv)
}

func _DensityService_Estimate_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DensityServiceServer).Estimate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EstimateMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DensityServiceServer).Estimate(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _DensityService_Latest_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DensityServiceServer).Latest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: LatestMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DensityServiceServer).Latest(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _DensityService_Run_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DensityServiceServer).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RunMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DensityServiceServer).Run(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var DensityService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DensityServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Estimate", Handler: _DensityService_Estimate_Handler},
		{MethodName: "Latest", Handler: _DensityService_Latest_Handler},
		{MethodName: "Run", Handler: _DensityService_Run_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "trafficdensity.proto",
}

// Client calls DensityService through any connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Estimate(ctx context.Context, frame []byte, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, EstimateMethod, wrapperspb.Bytes(frame), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Latest(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, LatestMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Run(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, RunMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
