package authority

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	_ "github.com/BrandonDHaskell/Portunus/node/internal/codec" // registers the cbor codec
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/remote"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
)

// AuthorityServer is the gRPC service implemented by RegisterGRPC. Messages
// travel with the "cbor" content-subtype.
type AuthorityServer interface {
	Health(context.Context, *remote.HealthRequest) (*remote.HealthResponse, error)
	Push(context.Context, *remote.PushRequest) (*remote.PushResponse, error)
	Pull(context.Context, *remote.PullRequest) (*remote.PullResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: remote.ServiceName,
	HandlerType: (*AuthorityServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Health", Handler: unary(remote.MethodHealth, AuthorityServer.Health)},
		{MethodName: "Push", Handler: unary(remote.MethodPush, AuthorityServer.Push)},
		{MethodName: "Pull", Handler: unary(remote.MethodPull, AuthorityServer.Pull)},
	},
	Metadata: "portunus/node/v1/authority",
}

// unary adapts a typed method to grpc's untyped handler signature.
func unary[Req, Resp any](fullMethod string, call func(AuthorityServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(AuthorityServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(*Req))
		})
	}
}

// RegisterGRPC installs the authority on s.
func RegisterGRPC(s *grpc.Server, svc *Service, opts ServerOptions) {
	s.RegisterService(&serviceDesc, &grpcServer{svc: svc, opts: opts.withDefaults()})
}

type grpcServer struct {
	svc  *Service
	opts ServerOptions
}

func (g *grpcServer) device(ctx context.Context, claimed string) (string, error) {
	var authorization string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("authorization"); len(v) > 0 {
			authorization = v[0]
		}
	}
	id, err := g.opts.authenticate(authorization, claimed)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, errForbiddenDevice):
		return "", status.Error(codes.PermissionDenied, err.Error())
	default:
		return "", status.Error(codes.Unauthenticated, "missing or invalid device token")
	}
}

func (g *grpcServer) Health(ctx context.Context, req *remote.HealthRequest) (*remote.HealthResponse, error) {
	id, err := g.device(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := g.svc.Health(ctx, id); err != nil {
		return nil, g.statusError("health", err)
	}
	return &remote.HealthResponse{Status: "ok"}, nil
}

func (g *grpcServer) Push(ctx context.Context, req *remote.PushRequest) (*remote.PushResponse, error) {
	id, err := g.device(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}
	events := make([]types.AccessEvent, len(req.Events))
	for i, d := range req.Events {
		events[i] = remote.EventFromDTO(d)
	}
	results, err := g.svc.Push(ctx, id, events)
	if err != nil {
		return nil, g.statusError("push", err)
	}
	resp := pushResponse(results)
	return &resp, nil
}

func (g *grpcServer) Pull(ctx context.Context, req *remote.PullRequest) (*remote.PullResponse, error) {
	id, err := g.device(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}
	res, err := g.svc.Pull(ctx, id, req.Since)
	if err != nil {
		return nil, g.statusError("pull", err)
	}
	resp := pullResponse(res)
	return &resp, nil
}

func (g *grpcServer) statusError(op string, err error) error {
	switch {
	case errors.Is(err, ErrInvalidDeviceID):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrUnknownDevice):
		return status.Error(codes.PermissionDenied, err.Error())
	default:
		g.opts.Logger.Error("authority rpc failed", "op", op, "error", err)
		return status.Error(codes.Internal, "unexpected server error")
	}
}
