package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/lifemanager/internal/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var (
	ErrUnavailable    = errors.New("sync daemon is not running")
	ErrNotInteractive = errors.New("provider does not use interactive authentication")
)

type Client struct {
	conn   *grpc.ClientConn
	secret []byte
}

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	md.Set(common.AccessTokenHeaderName, token)
	return metadata.NewOutgoingContext(ctx, md)
}

func (c *Client) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply any,
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	token, err := GenerateToken(c.secret, TokenValidity)
	if err != nil {
		return fmt.Errorf("failed to sign control token: %w", err)
	}
	return invoker(withAccessToken(ctx, token), method, req, reply, cc, opts...)
}

// NewClient connects lazily to the daemon at address.
func NewClient(address string, secret []byte, opts ...grpc.DialOption) (*Client, error) {
	c := &Client{secret: secret}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(c.accessTokenInterceptor),
	}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return c.mapError(err)
	}
	return nil
}

func (c *Client) ForceSync(ctx context.Context) (bool, error) {
	out := &wrapperspb.BoolValue{}
	if err := c.invoke(ctx, "ForceSync", &emptypb.Empty{}, out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

func (c *Client) Status(ctx context.Context) (*Report, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, "Status", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return reportFromStruct(out)
}

// BeginAuth starts the interactive flow in the daemon and returns the URL
// the user has to open.
func (c *Client) BeginAuth(ctx context.Context, provider string) (string, error) {
	out := &wrapperspb.StringValue{}
	if err := c.invoke(ctx, "BeginAuth", wrapperspb.String(provider), out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func (c *Client) Resync(ctx context.Context, provider string) error {
	return c.invoke(ctx, "Resync", wrapperspb.String(provider), &emptypb.Empty{})
}

func (c *Client) RetryFailed(ctx context.Context, provider string) (int64, error) {
	out := &wrapperspb.Int64Value{}
	if err := c.invoke(ctx, "RetryFailed", wrapperspb.String(provider), out); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

func (c *Client) mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable:
		return ErrUnavailable
	case codes.Unauthenticated:
		return fmt.Errorf("%w: %s", common.ErrUnauthorized, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", common.ErrUnknownProvider, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", ErrNotInteractive, st.Message())
	}
	return errors.New(st.Message())
}
