// Package client is the Go client for the doclease HTTP API, including the
// websocket watch stream and the client-side lease watchdog.
package client

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
	"time"

	"pkt.systems/pslog"

	"github.com/docuvault/doclease/api"
)

const defaultHTTPTimeout = 30 * time.Second

// Client talks to a doclease server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     pslog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New constructs a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("client: base URL is required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("client: parse base URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported scheme %q", parsed.Scheme)
	}
	c := &Client{
		baseURL:    trimmed,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		logger:     pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError is a non-2xx server response.
type APIError struct {
	Status     int
	Response   api.ErrorResponse
	Body       []byte
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Response.Code != "" {
		if e.Response.Detail != "" {
			return fmt.Sprintf("doclease: %s: %s (http %d)", e.Response.Code, e.Response.Detail, e.Status)
		}
		return fmt.Sprintf("doclease: %s (http %d)", e.Response.Code, e.Status)
	}
	return fmt.Sprintf("doclease: http %d", e.Status)
}

// Code returns the machine-readable error code, if any.
func (e *APIError) Code() string {
	return e.Response.Code
}

// Acquire requests (or renews) the document lease. A contended document
// returns a response with Acquired set to false and the competing lease in
// Lock; that case is not an error.
func (c *Client) Acquire(ctx context.Context, req api.AcquireRequest) (*api.AcquireResponse, error) {
	var resp api.AcquireResponse
	err := c.postJSON(ctx, "/v1/acquire", req, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict && apiErr.Code() == "" {
			// 409 carries an AcquireResponse body, not the error envelope.
			if jsonErr := json.Unmarshal(apiErr.Body, &resp); jsonErr == nil {
				return &resp, nil
			}
		}
		return nil, err
	}
	return &resp, nil
}

// Release ends the caller's lease. The document owner may release a guest's
// lease by passing their own user id.
func (c *Client) Release(ctx context.Context, req api.ReleaseRequest) (*api.ReleaseResponse, error) {
	var resp api.ReleaseResponse
	if err := c.postJSON(ctx, "/v1/release", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ForceRelease breaks any active lease as the document owner.
func (c *Client) ForceRelease(ctx context.Context, req api.ForceReleaseRequest) (*api.ReleaseResponse, error) {
	var resp api.ReleaseResponse
	if err := c.postJSON(ctx, "/v1/force-release", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestAccess asks the current holder to yield the document.
func (c *Client) RequestAccess(ctx context.Context, req api.RequestAccessRequest) (*api.StatusResponse, error) {
	var resp api.StatusResponse
	if err := c.postJSON(ctx, "/v1/request-access", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TransferOwnership reassigns the document owner.
func (c *Client) TransferOwnership(ctx context.Context, req api.TransferOwnershipRequest) error {
	return c.postJSON(ctx, "/v1/transfer-ownership", req, nil)
}

// StatusOptions tunes Status queries.
type StatusOptions struct {
	IncludeHistory bool
	HistoryLimit   int
}

// Status reports the document's lock state.
func (c *Client) Status(ctx context.Context, documentID string, opts StatusOptions) (*api.StatusResponse, error) {
	values := url.Values{}
	values.Set("document_id", documentID)
	if opts.IncludeHistory {
		values.Set("history", "true")
		if opts.HistoryLimit > 0 {
			values.Set("limit", strconv.Itoa(opts.HistoryLimit))
		}
	}
	var resp api.StatusResponse
	if err := c.getJSON(ctx, "/v1/status?"+values.Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// NotificationsOptions tunes inbox listings.
type NotificationsOptions struct {
	UnreadOnly bool
	Limit      int
}

// Notifications lists the recipient's inbox, newest first.
func (c *Client) Notifications(ctx context.Context, recipient string, opts NotificationsOptions) (*api.NotificationsResponse, error) {
	values := url.Values{}
	values.Set("recipient", recipient)
	if opts.UnreadOnly {
		values.Set("unread", "true")
	}
	if opts.Limit > 0 {
		values.Set("limit", strconv.Itoa(opts.Limit))
	}
	var resp api.NotificationsResponse
	if err := c.getJSON(ctx, "/v1/notifications?"+values.Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MarkNotificationRead marks one inbox entry read.
func (c *Client) MarkNotificationRead(ctx context.Context, recipient, notificationID string) error {
	var resp api.MarkReadResponse
	return c.postJSON(ctx, "/v1/notifications/read", api.MarkReadRequest{
		Recipient:      recipient,
		NotificationID: notificationID,
	}, &resp)
}

// MarkAllNotificationsRead marks the whole inbox read and reports how many
// entries changed.
func (c *Client) MarkAllNotificationsRead(ctx context.Context, recipient string) (int64, error) {
	var resp api.MarkReadResponse
	if err := c.postJSON(ctx, "/v1/notifications/read", api.MarkReadRequest{
		Recipient: recipient,
		All:       true,
	}, &resp); err != nil {
		return 0, err
	}
	return resp.Updated, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("client: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

func (c *Client) decodeError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	apiErr := &APIError{Status: resp.StatusCode, Body: data}
	if len(data) > 0 {
		// A non-envelope body (e.g. the contended AcquireResponse) leaves
		// Response empty; callers inspect Body in that case.
		_ = json.Unmarshal(data, &apiErr.Response)
	}
	apiErr.RetryAfter = parseRetryAfterHeader(resp.Header.Get("Retry-After"))
	if apiErr.RetryAfter == 0 && apiErr.Response.RetryAfter > 0 {
		apiErr.RetryAfter = time.Duration(apiErr.Response.RetryAfter) * time.Second
	}
	return apiErr
}

func parseRetryAfterHeader(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if ts, err := http.ParseTime(raw); err == nil {
		if delay := time.Until(ts); delay > 0 {
			return delay
		}
	}
	return 0
}
