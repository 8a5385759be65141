// Package backend adapts the tailscaled LocalAPI to the narrow request and
// event-bus interfaces the orchestrator depends on.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"tailscale.com/client/local"
	"tailscale.com/client/tailscale/apitype"
	"tailscale.com/ipn"

	"github.com/chillshell/tsvpn/common"
)

// LocalAPI paths used by the orchestrator.
const (
	PathLoginInteractive = "/localapi/v0/login-interactive"
	PathLogout           = "/localapi/v0/logout"
	PathStatus           = "/localapi/v0/status"
)

// maxResponseBytes caps how much of a LocalAPI response body is read.
const maxResponseBytes = 16 << 20

// Request is a single LocalAPI call.
type Request struct {
	// Timeout bounds the call. Zero uses common.RequestTimeout.
	Timeout time.Duration
	Method  string
	Path    string
	Body    []byte
}

// Response is the result of a LocalAPI call.
type Response struct {
	StatusCode int
	Body       []byte
}

// HTTPError is returned for responses with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("localapi: HTTP %d: %s", e.StatusCode, e.Body)
}

// LocalAPI issues requests against the backend's control-plane API.
type LocalAPI interface {
	Call(ctx context.Context, req Request) (Response, error)
}

// Watcher yields notifications from one event-bus subscription.
type Watcher interface {
	Next() (ipn.Notify, error)
	Close() error
}

// Bus opens event-bus subscriptions.
type Bus interface {
	Watch(ctx context.Context, mask ipn.NotifyWatchOpt) (Watcher, error)
}

// localDoer is the subset of *local.Client used for raw requests.
type localDoer interface {
	DoLocalRequest(req *http.Request) (*http.Response, error)
}

// Client implements LocalAPI and Bus over a tailscaled socket.
type Client struct {
	lc   *local.Client
	doer localDoer
}

var (
	_ LocalAPI = (*Client)(nil)
	_ Bus      = (*Client)(nil)
)

// New returns a Client talking to the tailscaled socket at socketPath.
// An empty path selects the platform default.
func New(socketPath string) *Client {
	lc := &local.Client{Socket: socketPath}
	return &Client{lc: lc, doer: lc}
}

// Call sends req and returns the response. Responses outside 2xx are
// returned together with an *HTTPError.
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = common.RequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hreq, err := http.NewRequestWithContext(ctx, method, "http://"+apitype.LocalAPIHost+req.Path, body)
	if err != nil {
		return Response{}, fmt.Errorf("localapi: building %s %s: %w", method, req.Path, err)
	}
	if req.Body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}

	res, err := c.doer.DoLocalRequest(hreq)
	if err != nil {
		return Response{}, fmt.Errorf("localapi: %s %s: %w", method, req.Path, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return Response{}, fmt.Errorf("localapi: reading %s: %w", req.Path, err)
	}
	resp := Response{StatusCode: res.StatusCode, Body: data}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return resp, &HTTPError{StatusCode: res.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	return resp, nil
}

// Watch subscribes to the IPN notification bus.
func (c *Client) Watch(ctx context.Context, mask ipn.NotifyWatchOpt) (Watcher, error) {
	w, err := c.lc.WatchIPNBus(ctx, mask)
	if err != nil {
		return nil, fmt.Errorf("localapi: watch ipn bus: %w", err)
	}
	return w, nil
}
