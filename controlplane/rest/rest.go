// Package rest implements controlplane.Client against a compute-style
// REST API:
//
//	GET  {endpoint}[/projects/P][/zones/Z]/instances/N/metadata
//	PUT  {endpoint}[/projects/P][/zones/Z]/instances/N/metadata
//	POST {endpoint}[/projects/P][/zones/Z]/instances/N/reset
//	GET  {endpoint}[/projects/P][/zones/Z]/instances/N/serialPort?port=K&start=OFF
//
// The endpoint may be http(s):// or unix:///path/to/socket.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/oobjoin/controlplane"
	"github.com/projecteru2/oobjoin/types"
	"github.com/projecteru2/oobjoin/utils"
)

const typ = "rest"

// compile-time interface check.
var _ controlplane.Client = (*Client)(nil)

// serialOutput is the serialPort response body.
type serialOutput struct {
	Contents string `json:"contents"`
	Start    int64  `json:"start"`
	Next     int64  `json:"next"`
}

// Client talks to the control plane over HTTP.
type Client struct {
	hc      *http.Client
	baseURL string
	token   string

	mu      sync.Mutex
	cursors map[string]int64 // vm/port → next serial offset
}

// New creates a Client for endpoint. token may be empty.
func New(endpoint, token string) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("control plane endpoint is empty")
	}
	c := &Client{token: token, cursors: make(map[string]int64)}
	if sock, ok := strings.CutPrefix(endpoint, "unix://"); ok {
		c.hc = utils.NewSocketHTTPClient(sock)
		c.baseURL = "http://localhost"
		return c, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid control plane endpoint %q", endpoint)
	}
	c.hc = &http.Client{Timeout: utils.HTTPTimeout}
	c.baseURL = strings.TrimSuffix(endpoint, "/")
	return c, nil
}

func (c *Client) Type() string { return typ }

// GetMetadata implements controlplane.Client.
func (c *Client) GetMetadata(ctx context.Context, vm types.VMRef) (*types.Items, error) {
	body, err := utils.DoWithRetry(ctx, func() ([]byte, error) {
		return c.do(ctx, http.MethodGet, c.instanceURL(vm, "metadata"), nil, http.StatusOK)
	})
	if err != nil {
		return nil, mapError(err)
	}
	var items types.Items
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", vm, err)
	}
	return &items, nil
}

// SetMetadata implements controlplane.Client. Not retried: a lost response
// followed by a retry would trip over the write's own fingerprint change.
func (c *Client) SetMetadata(ctx context.Context, vm types.VMRef, items *types.Items) error {
	body, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode metadata of %s: %w", vm, err)
	}
	_, err = c.do(ctx, http.MethodPut, c.instanceURL(vm, "metadata"), body, http.StatusOK)
	return mapError(err)
}

// Reset implements controlplane.Client.
func (c *Client) Reset(ctx context.Context, vm types.VMRef) error {
	_, err := c.do(ctx, http.MethodPost, c.instanceURL(vm, "reset"), nil, http.StatusOK)
	return mapError(err)
}

// ReadSerialPort implements controlplane.Client. The first read for a
// VM/port starts at offset 0, i.e. the oldest output still buffered.
func (c *Client) ReadSerialPort(ctx context.Context, vm types.VMRef, port int) (string, error) {
	key := vm.String() + "#" + strconv.Itoa(port)
	c.mu.Lock()
	start := c.cursors[key]
	c.mu.Unlock()

	q := url.Values{}
	q.Set("port", strconv.Itoa(port))
	q.Set("start", strconv.FormatInt(start, 10))
	u := c.instanceURL(vm, "serialPort") + "?" + q.Encode()

	body, err := utils.DoWithRetry(ctx, func() ([]byte, error) {
		return c.do(ctx, http.MethodGet, u, nil, http.StatusOK)
	})
	if err != nil {
		return "", mapError(err)
	}
	var out serialOutput
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode serial output of %s: %w", vm, err)
	}
	if out.Start > start {
		log.WithFunc("rest.ReadSerialPort").Debugf(ctx, "%s port %d: %d bytes dropped from ring buffer", vm, port, out.Start-start)
	}

	c.mu.Lock()
	c.cursors[key] = out.Next
	c.mu.Unlock()
	return out.Contents, nil
}

func (c *Client) do(ctx context.Context, method, u string, body []byte, expected int) ([]byte, error) {
	return utils.DoAPI(ctx, c.hc, method, u, body, expected, utils.WithBearerToken(c.token))
}

func (c *Client) instanceURL(vm types.VMRef, action string) string {
	var b strings.Builder
	b.WriteString(c.baseURL)
	if vm.Project != "" {
		b.WriteString("/projects/" + url.PathEscape(vm.Project))
	}
	if vm.Zone != "" {
		b.WriteString("/zones/" + url.PathEscape(vm.Zone))
	}
	b.WriteString("/instances/" + url.PathEscape(vm.Name) + "/" + action)
	return b.String()
}

// mapError attaches controlplane sentinels to well-known statuses while
// keeping the APIError reachable.
func mapError(err error) error {
	var ae *utils.APIError
	if !errors.As(err, &ae) {
		return err
	}
	switch ae.Code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", controlplane.ErrNotFound, err)
	case http.StatusPreconditionFailed, http.StatusConflict:
		return fmt.Errorf("%w: %w", controlplane.ErrFingerprintMismatch, err)
	}
	return err
}
