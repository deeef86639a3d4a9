// Package remote defines the node's contract with the remote authority and
// the wire shapes shared by every transport and by the reference authority.
package remote

import (
	"context"
	"errors"

	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
)

var (
	// ErrTransport covers every failure to complete a remote exchange:
	// unreachable peer, timeout, non-success status.
	ErrTransport = errors.New("remote: transport failure")

	// ErrMalformedResponse is returned when a response arrives but cannot be
	// interpreted. The sync engine treats it as a transport failure.
	ErrMalformedResponse = errors.New("remote: malformed response")
)

// PushResult is the authority's verdict for one pushed event.
type PushResult struct {
	EventID string
	Acked   bool
	Error   string
}

// PullResult carries the credential updates newer than the requested
// version, and the version the authority is now at.
type PullResult struct {
	Updates []types.Credential
	Cursor  uint64
}

// Transport is the outbound channel to the remote authority. Every method
// must honor ctx cancellation.
type Transport interface {
	Connect(ctx context.Context) error
	Push(ctx context.Context, events []types.AccessEvent) ([]PushResult, error)
	Pull(ctx context.Context, since uint64) (PullResult, error)
	Close() error
}
