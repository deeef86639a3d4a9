// Package httpclient is the JSON-over-HTTP remote.Transport.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/remote"
	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/types"
)

// maxResponseBody bounds what the node will read from the authority.
const maxResponseBody = 4 << 20

// TokenSource supplies the bearer token. auth.TokenSource implements it.
type TokenSource interface {
	Token() (string, error)
}

type Options struct {
	BaseURL  string
	DeviceID string
	// Tokens is optional; without it requests carry no Authorization
	// header.
	Tokens     TokenSource
	HTTPClient *http.Client
}

type Client struct {
	base     *url.URL
	deviceID string
	tokens   TokenSource
	http     *http.Client
}

var _ remote.Transport = (*Client)(nil)

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("httpclient: invalid base url %q", opts.BaseURL)
	}
	if opts.DeviceID == "" {
		return nil, errors.New("httpclient: device id is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		// Per-call deadlines come from the caller's context.
		hc = &http.Client{}
	}
	return &Client{base: base, deviceID: opts.DeviceID, tokens: opts.Tokens, http: hc}, nil
}

func (c *Client) Connect(ctx context.Context) error {
	q := url.Values{"device_id": {c.deviceID}}
	var resp remote.HealthResponse
	if err := c.do(ctx, http.MethodGet, remote.PathHealth, q, nil, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("%w: health status %q", remote.ErrTransport, resp.Status)
	}
	return nil
}

func (c *Client) Push(ctx context.Context, events []types.AccessEvent) ([]remote.PushResult, error) {
	req := remote.PushRequest{DeviceID: c.deviceID, Events: remote.EventsToDTO(events)}
	var resp remote.PushResponse
	if err := c.do(ctx, http.MethodPost, remote.PathEvents, nil, req, &resp); err != nil {
		return nil, err
	}
	return remote.PushResults(events, resp)
}

func (c *Client) Pull(ctx context.Context, since uint64) (remote.PullResult, error) {
	q := url.Values{
		"device_id": {c.deviceID},
		"since":     {strconv.FormatUint(since, 10)},
	}
	var resp remote.PullResponse
	if err := c.do(ctx, http.MethodGet, remote.PathCredentials, q, nil, &resp); err != nil {
		return remote.PullResult{}, err
	}
	return remote.Pull(resp)
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("httpclient: encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("httpclient: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("%w: device token: %w", remote.ErrTransport, err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", remote.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", remote.ErrTransport, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s %s: status %d: %s", remote.ErrTransport, method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: %w", remote.ErrMalformedResponse, path, err)
	}
	return nil
}
