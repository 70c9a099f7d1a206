package rpc

import (
	iface "TrafficDensity/interface"
	"TrafficDensity/logger"
	"TrafficDensity/monitor"
	"TrafficDensity/pipeline"
	"context"
	"errors"
	"fmt"
	"net"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const maxMsgBytes = 20 * 1024 * 1024

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Runner interface {
	TryRun(ctx context.Context) (*iface.Report, error)
}

type Store interface {
	Latest() *iface.Report
}

type Server struct {
	Processor pipeline.Processor
	Runner    Runner
	Store     Store
}

func (s *Server) Estimate(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	cameraID := "adhoc"
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(CameraHeader); len(v) > 0 && v[0] != "" {
			cameraID = v[0]
		}
	}
	out := s.Processor.Process(ctx, cameraID, req.GetValue())
	fields := map[string]interface{}{
		"success":  out.Done(),
		"cameraId": out.CameraID,
		"state":    out.State.String(),
		"density":  out.Density,
	}
	if out.Reason != "" {
		fields["reason"] = string(out.Reason)
	}
	if out.Err != nil {
		fields["error"] = out.Err.Error()
	}
	return structpb.NewStruct(fields)
}

func (s *Server) Latest(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	r := s.Store.Latest()
	if r == nil {
		return nil, status.Error(codes.NotFound, "no run has completed yet")
	}
	return reportStruct(r)
}

func (s *Server) Run(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	r, err := s.Runner.TryRun(ctx)
	if errors.Is(err, pipeline.ErrRunActive) {
		return nil, status.Error(codes.Aborted, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return reportStruct(r)
}

func reportStruct(r *iface.Report) (*structpb.Struct, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(m)
}

// unaryInterceptor counts calls and turns handler panics into Internal errors.
func unaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	monitor.RequestsTotal.WithLabelValues("grpc", info.FullMethod).Inc()
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("gRPC handler panic recovered", zap.String("method", info.FullMethod), zap.Any("panic", r))
			err = status.Errorf(codes.Internal, "panic: %v", r)
		}
	}()
	return handler(ctx, req)
}

func NewGRPCServer(svc DensityServiceServer) *grpc.Server {
	s := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgBytes),
		grpc.UnaryInterceptor(unaryInterceptor),
	)
	RegisterDensityServiceServer(s, svc)
	return s
}

// StartGRPCServer listens on port and serves in the background.
func StartGRPCServer(port int, svc DensityServiceServer) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	s := NewGRPCServer(svc)
	go func() {
		logger.Log().Info("gRPC server listening", zap.Int("port", port))
		if err := s.Serve(lis); err != nil {
			logger.Log().Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return s, nil
}
