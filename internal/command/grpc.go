package command

import (
	"LinkGuard/internal/model"
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const controlServiceName = "linkguard.v1.Control"

// ControlServer is the server API of the linkguard.v1.Control service.
type ControlServer interface {
	SetMode(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Ping(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

func _Control_SetMode_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).SetMode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + controlServiceName + "/SetMode"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).SetMode(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Control_Ping_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + controlServiceName + "/Ping"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).Ping(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// ControlServiceDesc describes linkguard.v1.Control. Messages are protobuf
// well-known types, so no generated code is needed.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: controlServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SetMode", Handler: _Control_SetMode_Handler},
		{MethodName: "Ping", Handler: _Control_Ping_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "linkguard/v1/control.proto",
}

// grpcControl adapts a Channel to ControlServer.
type grpcControl struct {
	ch *Channel
}

func (g *grpcControl) SetMode(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	mode, err := model.ParseDetectionMode(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return responseStruct(g.ch.Submit(ctx, SetMode(mode, "grpc")))
}

func (g *grpcControl) Ping(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return responseStruct(g.ch.Submit(ctx, Ping("grpc")))
}

func responseStruct(resp Response) (*structpb.Struct, error) {
	if !resp.OK {
		return nil, status.Error(statusCode(resp.Err), resp.Reason)
	}
	fields := map[string]interface{}{
		"ok":   true,
		"mode": resp.Mode.String(),
	}
	if resp.Reason != "" {
		fields["reason"] = resp.Reason
	}
	if !resp.AcceptedAt.IsZero() {
		fields["accepted_at"] = resp.AcceptedAt.UTC().Format(time.RFC3339Nano)
	}
	return structpb.NewStruct(fields)
}

func statusCode(err error) codes.Code {
	switch {
	case errors.Is(err, model.ErrRateLimited):
		return codes.ResourceExhausted
	case errors.Is(err, model.ErrUnavailable):
		return codes.FailedPrecondition
	case errors.Is(err, ErrClosed):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.InvalidArgument
	}
}

// peerInterceptor rejects callers outside the allow list.
func peerInterceptor(allow *AllowList) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		p, ok := peer.FromContext(ctx)
		if !ok || !allow.Allows(p.Addr.String()) {
			return nil, status.Error(codes.PermissionDenied, "peer not allowed")
		}
		return handler(ctx, req)
	}
}

// NewGRPCServer builds a gRPC server exposing the control service and the
// standard health service.
func NewGRPCServer(ch *Channel, allow *AllowList) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(grpc.UnaryInterceptor(peerInterceptor(allow)))
	srv.RegisterService(&ControlServiceDesc, &grpcControl{ch: ch})
	hs := health.NewServer()
	hs.SetServingStatus(controlServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// ControlClient calls the control service.
type ControlClient struct {
	cc grpc.ClientConnInterface
}

// NewControlClient wraps an established connection.
func NewControlClient(cc grpc.ClientConnInterface) *ControlClient {
	return &ControlClient{cc: cc}
}

// SetMode asks the detector to switch modes.
func (c *ControlClient) SetMode(ctx context.Context, mode string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+controlServiceName+"/SetMode", wrapperspb.String(mode), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Ping returns the detector's current mode.
func (c *ControlClient) Ping(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+controlServiceName+"/Ping", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
