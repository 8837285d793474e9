// Package client is a Go client for the qark scan API.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrNotFound is returned for unknown scan ids.
var ErrNotFound = errors.New("scan not found")

// ErrNotReady is returned when a result or report is requested before the
// scan completed.
var ErrNotReady = errors.New("scan result not ready")

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("qark api: %d %s", e.StatusCode, e.Message)
}

// Is lets callers match 404 and 409 responses with errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrNotReady:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

type errorBody struct {
	Error string `json:"error"`
}

// Client talks to one qark server.
type Client struct {
	httpc *resty.Client
}

// Option configures a Client.
type Option func(*resty.Client)

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(c *resty.Client) { c.SetTimeout(d) }
}

// WithRetries retries requests that fail at the transport level or with a
// 5xx response.
func WithRetries(count int, wait time.Duration) Option {
	return func(c *resty.Client) {
		c.SetRetryCount(count).
			SetRetryWaitTime(wait).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= http.StatusInternalServerError
			})
	}
}

// WithLogger routes resty's own logging to an hclog logger.
func WithLogger(logger hclog.Logger) Option {
	return func(c *resty.Client) { c.SetLogger(hclogAdapter{logger: logger}) }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	httpc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTransport(otelhttp.NewTransport(http.DefaultTransport)).
		SetHeader("Accept", "application/json")

	for _, opt := range opts {
		opt(httpc)
	}
	return &Client{httpc: httpc}
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.httpc.R().SetContext(ctx).SetError(&errorBody{})
}

// check maps an error status to *APIError. A body that is empty or not JSON
// falls back to the status text.
func check(resp *resty.Response, err error) error {
	if resp != nil && resp.IsError() {
		msg := http.StatusText(resp.StatusCode())
		if body, ok := resp.Error().(*errorBody); ok && body.Error != "" {
			msg = body.Error
		}
		return &APIError{StatusCode: resp.StatusCode(), Message: msg}
	}
	return err
}

// Upload submits the file at path for scanning.
func (c *Client) Upload(ctx context.Context, path string) (Created, error) {
	var out Created
	resp, err := c.request(ctx).
		SetFile("file", path).
		SetResult(&out).
		Post("/api/scan")
	if err := check(resp, err); err != nil {
		return Created{}, err
	}
	return out, nil
}

// Status returns the polling view of a scan.
func (c *Client) Status(ctx context.Context, id string) (Status, error) {
	var out Status
	resp, err := c.request(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		Get("/api/scan/{id}/status")
	if err := check(resp, err); err != nil {
		return Status{}, err
	}
	return out, nil
}

// Job returns the full detail view of a scan.
func (c *Client) Job(ctx context.Context, id string) (Job, error) {
	var out Job
	resp, err := c.request(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		Get("/api/scan/{id}")
	if err := check(resp, err); err != nil {
		return Job{}, err
	}
	return out, nil
}

// Result returns the findings of a completed scan.
func (c *Client) Result(ctx context.Context, id string) (Result, error) {
	var out Result
	resp, err := c.request(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		Get("/api/scan/{id}/result")
	if err := check(resp, err); err != nil {
		return Result{}, err
	}
	return out, nil
}

// Report downloads a rendered report. The filename is the one the server
// suggests in Content-Disposition.
func (c *Client) Report(ctx context.Context, id, format string) (body []byte, filename string, err error) {
	resp, err := c.request(ctx).
		SetPathParams(map[string]string{"id": id, "format": format}).
		SetHeader("Accept", "*/*").
		Get("/api/scan/{id}/report/{format}")
	if err := check(resp, err); err != nil {
		return nil, "", err
	}
	return resp.Body(), dispositionFilename(resp.Header().Get("Content-Disposition")), nil
}

// List returns every scan, newest first.
func (c *Client) List(ctx context.Context) ([]Summary, error) {
	var out []Summary
	resp, err := c.request(ctx).
		SetResult(&out).
		Get("/api/scans")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a scan and everything it stored.
func (c *Client) Delete(ctx context.Context, id string) error {
	resp, err := c.request(ctx).
		SetPathParam("id", id).
		Delete("/api/scan/{id}")
	return check(resp, err)
}

// Wait polls the scan every interval until it completes or fails. onUpdate,
// when set, is called with every status seen.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration, onUpdate func(Status)) (Status, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := c.Status(ctx, id)
		if err != nil {
			return Status{}, err
		}
		if onUpdate != nil {
			onUpdate(st)
		}
		if st.Terminal() {
			return st, nil
		}

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

func dispositionFilename(header string) string {
	const key = "filename="
	i := strings.Index(header, key)
	if i < 0 {
		return ""
	}
	return strings.Trim(header[i+len(key):], `"`)
}

// hclogAdapter satisfies resty.Logger.
type hclogAdapter struct {
	logger hclog.Logger
}

func (a hclogAdapter) Errorf(format string, v ...any) { a.logger.Error(fmt.Sprintf(format, v...)) }
func (a hclogAdapter) Warnf(format string, v ...any)  { a.logger.Warn(fmt.Sprintf(format, v...)) }
func (a hclogAdapter) Debugf(format string, v ...any) { a.logger.Debug(fmt.Sprintf(format, v...)) }
