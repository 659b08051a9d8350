package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yago-123/dapn/pkg/peer"
)

const ControlClientTimeout = 60 * time.Second

// Client talks to the control API of a running daemon
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the daemon listening at addr (host:port or a full URL)
func NewClient(addr string) *Client {
	baseURL := addr
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: ControlClientTimeout},
	}
}

func (c *Client) Bind(ctx context.Context, req BindRequest) (*peer.BoundPeer, error) {
	var bp peer.BoundPeer
	if err := c.do(ctx, http.MethodPost, PathBind, req, &bp); err != nil {
		return nil, err
	}
	return &bp, nil
}

func (c *Client) Unbind(ctx context.Context, target string) error {
	return c.do(ctx, http.MethodPost, PathUnbind, UnbindRequest{Target: target}, nil)
}

// Expose adds port to the exposed set and returns the resulting set
func (c *Client) Expose(ctx context.Context, port uint16) ([]uint16, error) {
	var ports []uint16
	if err := c.do(ctx, http.MethodPost, PathExpose, PortRequest{Port: port}, &ports); err != nil {
		return nil, err
	}
	return ports, nil
}

func (c *Client) Unexpose(ctx context.Context, port uint16) ([]uint16, error) {
	var ports []uint16
	if err := c.do(ctx, http.MethodPost, PathUnexpose, PortRequest{Port: port}, &ports); err != nil {
		return nil, err
	}
	return ports, nil
}

func (c *Client) Bound(ctx context.Context) ([]peer.BoundPeer, error) {
	var bound []peer.BoundPeer
	if err := c.do(ctx, http.MethodGet, PathBound, nil, &bound); err != nil {
		return nil, err
	}
	return bound, nil
}

func (c *Client) Exposed(ctx context.Context) ([]uint16, error) {
	var ports []uint16
	if err := c.do(ctx, http.MethodGet, PathExposed, nil, &ports); err != nil {
		return nil, err
	}
	return ports, nil
}

func (c *Client) Known(ctx context.Context) ([]peer.KnownPeer, error) {
	var known []peer.KnownPeer
	if err := c.do(ctx, http.MethodGet, PathKnown, nil, &known); err != nil {
		return nil, err
	}
	return known, nil
}

func (c *Client) Remember(ctx context.Context, identity, address string) error {
	return c.do(ctx, http.MethodPost, PathKnown, RememberRequest{Identity: identity, Address: address}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader = http.NoBody
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request to daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("daemon returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	if out == nil {
		return nil
	}

	if errDecode := json.NewDecoder(resp.Body).Decode(out); errDecode != nil {
		return fmt.Errorf("decode response: %w", errDecode)
	}

	return nil
}
