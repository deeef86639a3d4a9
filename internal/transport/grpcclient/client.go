// Package grpcclient is the gRPC remote.Transport. Messages are the remote
// DTOs carried with the cbor content-subtype.
package grpcclient

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/BrandonDHaskell/Portunus/node/internal/codec"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/remote"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
)

// TokenSource supplies the bearer token. auth.TokenSource implements it.
type TokenSource interface {
	Token() (string, error)
}

type Options struct {
	Target   string
	DeviceID string
	Tokens   TokenSource
	// DialOptions replace the default plaintext transport credentials.
	DialOptions []grpc.DialOption
}

type Client struct {
	conn     *grpc.ClientConn
	deviceID string
	tokens   TokenSource
}

var _ remote.Transport = (*Client)(nil)

// New creates the client connection. grpc connects lazily, so an
// unreachable authority is reported by the first call, not here.
func New(opts Options) (*Client, error) {
	if opts.Target == "" {
		return nil, errors.New("grpcclient: target is required")
	}
	if opts.DeviceID == "" {
		return nil, errors.New("grpcclient: device id is required")
	}
	dial := opts.DialOptions
	if len(dial) == 0 {
		dial = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	dial = append(dial, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codec.Name)))

	conn, err := grpc.NewClient(opts.Target, dial...)
	if err != nil {
		return nil, fmt.Errorf("grpcclient: dial %s: %w", opts.Target, err)
	}
	return &Client{conn: conn, deviceID: opts.DeviceID, tokens: opts.Tokens}, nil
}

func (c *Client) Connect(ctx context.Context) error {
	var resp remote.HealthResponse
	if err := c.invoke(ctx, remote.MethodHealth, &remote.HealthRequest{DeviceID: c.deviceID}, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("%w: health status %q", remote.ErrTransport, resp.Status)
	}
	return nil
}

func (c *Client) Push(ctx context.Context, events []types.AccessEvent) ([]remote.PushResult, error) {
	req := &remote.PushRequest{DeviceID: c.deviceID, Events: remote.EventsToDTO(events)}
	var resp remote.PushResponse
	if err := c.invoke(ctx, remote.MethodPush, req, &resp); err != nil {
		return nil, err
	}
	return remote.PushResults(events, resp)
}

func (c *Client) Pull(ctx context.Context, since uint64) (remote.PullResult, error) {
	var resp remote.PullResponse
	if err := c.invoke(ctx, remote.MethodPull, &remote.PullRequest{DeviceID: c.deviceID, Since: since}, &resp); err != nil {
		return remote.PullResult{}, err
	}
	return remote.Pull(resp)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("%w: device token: %w", remote.ErrTransport, err)
		}
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+tok)
	}
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return fmt.Errorf("%w: %s: %w", remote.ErrTransport, method, err)
	}
	return nil
}
