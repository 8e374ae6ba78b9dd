package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	wperrors "github.com/randalmurphal/waypoint/pkg/waypoint/errors"
	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
)

// HandleHeader carries the step handle on dispatch and cancel requests.
const HandleHeader = "X-Waypoint-Handle"

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

// HTTPDispatcher posts steps to an external executor service.
//
// Dispatch sends POST {endpoint} with the step as JSON. Cancel sends
// DELETE {endpoint}/{handle}. Any 2xx is success. When the endpoint routes
// by agent, handles are prefixed with the agent so Cancel can resolve it.
type HTTPDispatcher struct {
	endpoint Endpoint
	client   *http.Client
	headers  http.Header
	now      func() time.Time
}

// Compile-time interface check.
var _ Dispatcher = (*HTTPDispatcher)(nil)

// HTTPOption configures an HTTPDispatcher.
type HTTPOption func(*HTTPDispatcher)

// WithHTTPClient sets the client. Default: a client with a 10s timeout.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(d *HTTPDispatcher) {
		if c != nil {
			d.client = c
		}
	}
}

// WithHeader adds a header to every request, such as an auth token.
func WithHeader(key, value string) HTTPOption {
	return func(d *HTTPDispatcher) {
		d.headers.Add(key, value)
	}
}

// NewHTTPDispatcher creates a dispatcher for endpoint. See ParseEndpoint
// for the accepted forms.
func NewHTTPDispatcher(endpoint string, opts ...HTTPOption) (*HTTPDispatcher, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	d := &HTTPDispatcher{
		endpoint: ep,
		client:   &http.Client{Timeout: 10 * time.Second},
		headers:  make(http.Header),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

type stepRequest struct {
	Handle Handle `json:"handle"`
	Step
}

// Dispatch posts the step. Non-2xx responses become *errors.HTTPError.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, step Step) (Handle, error) {
	h := NewHandle(d.now())
	if d.endpoint.Routed() {
		h = routedHandle(step.Agent, h)
	}
	body, err := json.Marshal(stepRequest{Handle: h, Step: step})
	if err != nil {
		return "", fmt.Errorf("encode step: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint.Resolve(step.Agent), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HandleHeader, string(h))
	if err := d.do(req); err != nil {
		return "", err
	}
	return h, nil
}

// Cancel sends a best-effort DELETE. A 404 means the executor has already
// forgotten the step and counts as success.
func (d *HTTPDispatcher) Cancel(ctx context.Context, h Handle) error {
	if h == "" {
		return nil
	}
	var agent session.AgentType
	if d.endpoint.Routed() {
		var ok bool
		if agent, ok = splitHandle(h); !ok {
			return fmt.Errorf("handle %q does not name an agent for %s", h, d.endpoint)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, d.endpoint.Resolve(agent)+"/"+url.PathEscape(string(h)), nil)
	if err != nil {
		return fmt.Errorf("build cancel request: %w", err)
	}
	req.Header.Set(HandleHeader, string(h))
	err = d.do(req)
	var httpErr *wperrors.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (d *HTTPDispatcher) do(req *http.Request) error {
	for k, vs := range d.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &wperrors.HTTPError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(msg)),
		Endpoint:   req.URL.Redacted(),
	}
}
