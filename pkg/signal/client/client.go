package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/yago-123/dapn/pkg/bind"
	errors "github.com/yago-123/dapn/pkg/error"
	"github.com/yago-123/dapn/pkg/peer"
	"github.com/yago-123/dapn/pkg/signal/types"
)

const SignalClientTimeout = 10 * time.Second

// Client delivers signaling messages over HTTP
type Client struct {
	client *http.Client
}

var _ bind.Transport = (*Client)(nil)

func New() *Client {
	return NewWithHTTPClient(&http.Client{Timeout: SignalClientTimeout})
}

// NewWithHTTPClient uses the given HTTP client, mostly to plug test transports
func NewWithHTTPClient(httpClient *http.Client) *Client {
	return &Client{client: httpClient}
}

// RequestBind asks the peer at to resolve target. A 204 answer means the request was dropped
func (c *Client) RequestBind(ctx context.Context, to peer.Address, origin bind.Origin, target peer.Identity) (peer.Address, bool, error) {
	resp, err := c.post(ctx, to, types.PathRequestBind, types.RequestBind{Target: string(target)}, origin)
	if err != nil {
		return peer.Address{}, false, errors.Wrap(errors.ErrRequestBind, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return peer.Address{}, false, nil
	case http.StatusOK:
	default:
		return peer.Address{}, false, errors.Wrap(errors.ErrRequestBind, statusError(resp))
	}

	addr, err := decodeAddress(resp.Body)
	if err != nil {
		return peer.Address{}, false, errors.Wrap(errors.ErrBadResponse, err)
	}

	return addr, true, nil
}

// Bind sends a direct bind carrying the origin address and returns the address of the receiver
func (c *Client) Bind(ctx context.Context, to peer.Address, origin bind.Origin) (peer.Address, error) {
	resp, err := c.post(ctx, to, types.PathBind, types.NewBind(origin.Address), origin)
	if err != nil {
		return peer.Address{}, errors.Wrap(errors.ErrBind, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		return peer.Address{}, errors.ErrRejected
	default:
		return peer.Address{}, errors.Wrap(errors.ErrBind, statusError(resp))
	}

	addr, err := decodeAddress(resp.Body)
	if err != nil {
		return peer.Address{}, errors.Wrap(errors.ErrBadResponse, err)
	}

	return addr, nil
}

// Unbind notifies the peer at to that the origin dropped the tunnel
func (c *Client) Unbind(ctx context.Context, to peer.Address, origin bind.Origin) error {
	resp, err := c.post(ctx, to, types.PathUnbind, nil, origin)
	if err != nil {
		return errors.Wrap(errors.ErrUnbind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Wrap(errors.ErrUnbind, statusError(resp))
	}

	return nil
}

func (c *Client) post(ctx context.Context, to peer.Address, path string, payload any, origin bind.Origin) (*http.Response, error) {
	var body io.Reader = http.NoBody
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	url := fmt.Sprintf("http://%s%s", to.String(), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	SetOrigin(req.Header, origin)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request to %s: %w", to, err)
	}

	return resp, nil
}

// SetOrigin writes the sender metadata into the request headers
func SetOrigin(h http.Header, origin bind.Origin) {
	h.Set(types.HeaderOriginUser, string(origin.Identity))
	if origin.Address.IsValid() {
		h.Set(types.HeaderOriginIP, origin.Address.Addr().String())
		h.Set(types.HeaderOriginPort, strconv.Itoa(int(origin.Address.Port())))
	}
	if origin.RequestID != "" {
		h.Set(types.HeaderRequestID, origin.RequestID)
	}
	if origin.Relayed {
		h.Set(types.HeaderRelayed, "true")
	}
}

func decodeAddress(r io.Reader) (peer.Address, error) {
	var res types.BindAddressResponse
	if err := json.NewDecoder(r).Decode(&res); err != nil {
		return peer.Address{}, fmt.Errorf("decode response: %w", err)
	}

	return res.Address()
}

func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("status %s: %s", resp.Status, bytes.TrimSpace(msg))
}
