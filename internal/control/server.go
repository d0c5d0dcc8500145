// Package control is the loopback gRPC surface the CLI uses to drive the
// sync daemon. The service is described by hand over protobuf well-known
// types, so there is no generated code.
package control

import (
	"context"
	"errors"
	"net"

	"github.com/dmitrijs2005/lifemanager/internal/auth"
	"github.com/dmitrijs2005/lifemanager/internal/common"
	"github.com/dmitrijs2005/lifemanager/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "lifemanager.control.v1.Control"

// Backend is implemented by the daemon.
type Backend interface {
	ForceSync(ctx context.Context) bool
	Status(ctx context.Context) (*Report, error)
	BeginAuth(ctx context.Context, provider string) (string, error)
	Resync(ctx context.Context, provider string) error
	RetryFailed(ctx context.Context, provider string) (int64, error)
}

type controlServer interface {
	ForceSync(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	BeginAuth(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	Resync(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	RetryFailed(context.Context, *wrapperspb.StringValue) (*wrapperspb.Int64Value, error)
}

func unaryHandler[Req any, Resp any](method string, call func(controlServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(controlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(controlServer), ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("ForceSync", controlServer.ForceSync),
		unaryHandler("Status", controlServer.Status),
		unaryHandler("BeginAuth", controlServer.BeginAuth),
		unaryHandler("Resync", controlServer.Resync),
		unaryHandler("RetryFailed", controlServer.RetryFailed),
	},
	Metadata: "lifemanager/control/v1/control.proto",
}

type Server struct {
	address string
	backend Backend
	secret  []byte
	logger  logging.Logger
}

func NewServer(address string, backend Backend, secret []byte, l logging.Logger) *Server {
	return &Server{
		address: address,
		backend: backend,
		secret:  secret,
		logger:  l.With("module", "control_server"),
	}
}

// Run listens on the configured address and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.accessTokenInterceptor))
	srv.RegisterService(&serviceDesc, s)

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping control server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting control server", "address", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) accessTokenInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	var accessToken string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(common.AccessTokenHeaderName); len(values) > 0 {
			accessToken = values[0]
		}
	}
	if accessToken == "" {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}
	if err := VerifyToken(accessToken, s.secret); err != nil {
		s.logger.Warn(ctx, "rejected control call", "method", info.FullMethod, "error", err)
		return nil, status.Error(codes.Unauthenticated, common.ErrInvalidToken.Error())
	}
	return handler(ctx, req)
}

func (s *Server) ForceSync(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	started := s.backend.ForceSync(ctx)
	s.logger.Info(ctx, "force sync requested", "started", started)
	return wrapperspb.Bool(started), nil
}

func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	r, err := s.backend.Status(ctx)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	st, err := r.toStruct()
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return st, nil
}

func (s *Server) BeginAuth(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	url, err := s.backend.BeginAuth(ctx, req.GetValue())
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return wrapperspb.String(url), nil
}

func (s *Server) Resync(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.backend.Resync(ctx, req.GetValue()); err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) RetryFailed(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.Int64Value, error) {
	n, err := s.backend.RetryFailed(ctx, req.GetValue())
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return wrapperspb.Int64(n), nil
}

func (s *Server) toStatus(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, common.ErrUnknownProvider), errors.Is(err, auth.ErrUnknownProvider), errors.Is(err, common.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, auth.ErrStaticProvider):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	s.logger.Error(ctx, "control call failed", "error", err)
	return status.Error(codes.Internal, err.Error())
}
