// Package rpc exposes chart analysis over gRPC.
//
// The service is described by a hand-written grpc.ServiceDesc whose messages are
// protobuf well-known types, so no generated code is needed:
//
//	service chartsignal.v1.SignalService {
//	  rpc Analyze(google.protobuf.BytesValue) returns (google.protobuf.Struct);
//	  rpc PoolStatus(google.protobuf.Empty) returns (google.protobuf.ListValue);
//	}
package rpc

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/abdhe/chart-signal/pkg/analyzer"
	"github.com/abdhe/chart-signal/pkg/resilience"
	"github.com/abdhe/chart-signal/pkg/signal"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chartsignal.v1.SignalService"

// Service is the server API of SignalService.
type Service interface {
	Analyze(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error)
	PoolStatus(ctx context.Context, req *emptypb.Empty) (*structpb.ListValue, error)
}

// Analyzer is the part of *analyzer.Analyzer the handler uses.
type Analyzer interface {
	Analyze(ctx context.Context, img analyzer.Image) (signal.Result, error)
	PoolStatus() []resilience.KeyStatus
}

// Handler implements Service on top of an Analyzer.
type Handler struct {
	analyzer Analyzer
	log      zerolog.Logger
}

// NewHandler creates a new gRPC handler.
func NewHandler(a Analyzer, log zerolog.Logger) *Handler {
	return &Handler{analyzer: a, log: log.With().Str("component", "grpc").Logger()}
}

// Analyze handles a unary analysis request. The request value is the raw image.
func (h *Handler) Analyze(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	res, err := h.analyzer.Analyze(ctx, analyzer.Image{Data: req.GetValue(), Source: "grpc"})
	if err != nil {
		st := toStatus(err)
		h.log.Warn().Err(err).Str("code", status.Code(st).String()).Msg("analyze failed")
		return nil, st
	}

	out, err := structpb.NewStruct(map[string]any{
		"signal":     string(res.Signal),
		"confidence": res.Confidence,
		"analysis":   res.Analysis,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return out, nil
}

// PoolStatus returns one struct per key.
func (h *Handler) PoolStatus(_ context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	keys := h.analyzer.PoolStatus()
	items := make([]any, 0, len(keys))
	for _, k := range keys {
		item := map[string]any{
			"key":           k.Key,
			"available":     k.Available,
			"request_count": float64(k.RequestCount),
			"successes":     float64(k.Successes),
			"rate_limits":   float64(k.RateLimits),
			"cooldown":      k.Cooldown,
		}
		if !k.CooldownUntil.IsZero() {
			item["cooldown_until"] = k.CooldownUntil.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}

	out, err := structpb.NewList(items)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode pool status: %v", err)
	}
	return out, nil
}

// toStatus maps analysis errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, analyzer.ErrEmptyImage), errors.Is(err, analyzer.ErrUnsupportedImage):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, resilience.ErrPoolExhausted):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, resilience.ErrAttemptsExhausted):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, signal.ErrMalformedResponse):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

// Register adds the service to s.
func Register(s grpc.ServiceRegistrar, srv Service) {
	s.RegisterService(&ServiceDesc, srv)
}

func analyzeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Service).Analyze(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Analyze"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Service).Analyze(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func poolStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Service).PoolStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/PoolStatus"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Service).PoolStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes SignalService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Analyze", Handler: analyzeHandler},
		{MethodName: "PoolStatus", Handler: poolStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chartsignal/v1/signal.proto",
}

// Client calls SignalService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a client connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Analyze sends image bytes for analysis.
func (c *Client) Analyze(ctx context.Context, image []byte, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Analyze", wrapperspb.Bytes(image), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// PoolStatus fetches the key pool status.
func (c *Client) PoolStatus(ctx context.Context, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/PoolStatus", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
