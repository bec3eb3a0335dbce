// Package httpx is the small REST client behind the JSON-over-HTTP backends.
// It signs every attempt, retries transient failures with backoff and turns
// non-2xx responses into *storagekit.ProtocolError.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gobeaver/storagekit"
	"github.com/gobeaver/storagekit/auth"
)

// RetryPolicy controls the retry behaviour for transient failures.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64
}

// DefaultRetryPolicy implements a conservative retry strategy.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 2,
	BaseDelay:  250 * time.Millisecond,
	MaxDelay:   2 * time.Second,
	Jitter:     0.25,
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithSigner signs every attempt before it is sent.
func WithSigner(s auth.Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithRetryPolicy overrides the default retry configuration.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) { c.retryPolicy = policy }
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics counts requests under the given backend label.
func WithMetrics(m *storagekit.Metrics, backend string) Option {
	return func(c *Client) {
		c.metrics = m
		c.backend = backend
	}
}

// Client wraps http.Client with a base URL, signing and retries.
type Client struct {
	baseURL     *url.URL
	httpClient  *http.Client
	signer      auth.Signer
	retryPolicy RetryPolicy
	logger      *zap.Logger
	metrics     *storagekit.Metrics
	backend     string
}

// Request describes a single outbound request. Body is kept as bytes so
// retries can replay it. DisableRetry marks calls that are not idempotent:
// they are sent exactly once.
type Request struct {
	Method       string
	Path         string
	Query        url.Values
	Header       http.Header
	DisableRetry bool
	Body         []byte
}

// NewClient creates a Client for baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("httpx: base URL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("httpx: invalid base URL: %w", err)
	}

	c := &Client{
		baseURL:     parsed,
		httpClient:  http.DefaultClient,
		retryPolicy: DefaultRetryPolicy,
		logger:      zap.NewNop(),
		backend:     parsed.Host,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retryPolicy.MaxRetries < 0 {
		c.retryPolicy.MaxRetries = 0
	}
	return c, nil
}

// Do executes req, retrying transient failures. The caller closes the
// response body.
func (c *Client) Do(ctx context.Context, req *Request) (*http.Response, error) {
	fullURL := c.buildURL(req.Path, req.Query)
	backoff := NewBackoff(c.retryPolicy.BaseDelay, c.retryPolicy.MaxDelay, c.retryPolicy.Jitter)

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, bytes.NewReader(req.Body))
		if err != nil {
			return nil, err
		}
		for k, values := range req.Header {
			for _, v := range values {
				httpReq.Header.Add(k, v)
			}
		}
		if c.signer != nil {
			if err := c.signer.Sign(ctx, httpReq); err != nil {
				return nil, err
			}
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if !c.retryable(req, attempt, 0, err) {
				return nil, err
			}
		} else {
			c.metrics.ObserveRequest(c.backend, req.Method, resp.StatusCode)
			if resp.StatusCode < 400 {
				return resp, nil
			}
			err = c.decodeError(resp)
			c.logFailure(req, resp.StatusCode, err)
			if !c.retryable(req, attempt, resp.StatusCode, nil) {
				return nil, err
			}
		}

		if err := sleep(ctx, backoff.ForAttempt(attempt)); err != nil {
			return nil, err
		}
	}
}

// DoJSON posts in as JSON (nil sends no body) and decodes the response into
// out (nil discards it).
func (c *Client) DoJSON(ctx context.Context, method, path string, in, out any) error {
	return c.JSON(ctx, &Request{Method: method, Path: path}, in, out)
}

// JSON is DoJSON for a prepared request, keeping its query and headers.
func (c *Client) JSON(ctx context.Context, req *Request, in, out any) error {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("httpx: encode request: %w", err)
		}
		req.Body = data
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("httpx: decode response: %w", err)
	}
	return nil
}

func (c *Client) buildURL(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) retryable(req *Request, attempt, status int, err error) bool {
	if req.DisableRetry {
		return false
	}
	if attempt >= c.retryPolicy.MaxRetries {
		return false
	}
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		(status >= 500 && status <= 599)
}

func (c *Client) logFailure(req *Request, status int, err error) {
	fields := []zap.Field{
		zap.String("backend", c.backend),
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Int("status", status),
		zap.Error(err),
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		c.logger.Warn("request rejected, check credentials and signing", fields...)
	case http.StatusNotFound:
		c.logger.Debug("not found", fields...)
	default:
		c.logger.Info("request failed", fields...)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ============================================================================
// Error decoding
// ============================================================================

func (c *Client) decodeError(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return DecodeError(resp.StatusCode, body)
}

// DecodeError builds a ProtocolError, pulling the machine code and message
// out of JSON or XML error bodies when present.
func DecodeError(status int, body []byte) *storagekit.ProtocolError {
	pe := &storagekit.ProtocolError{StatusCode: status}
	trimmed := bytes.TrimSpace(body)

	switch {
	case len(trimmed) == 0:
	case trimmed[0] == '{':
		var payload struct {
			ErrorCode string          `json:"error_code"`
			Message   string          `json:"message"`
			Error     json.RawMessage `json:"error"`
		}
		if json.Unmarshal(trimmed, &payload) == nil {
			pe.Code, pe.Message = payload.ErrorCode, payload.Message
			var nested struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			if pe.Code == "" && json.Unmarshal(payload.Error, &nested) == nil {
				pe.Code, pe.Message = nested.Code, nested.Message
			}
		}
	case trimmed[0] == '<':
		var payload struct {
			Code    string `xml:"Code"`
			Message string `xml:"Message"`
		}
		if xml.Unmarshal(trimmed, &payload) == nil {
			pe.Code, pe.Message = payload.Code, payload.Message
		}
	}

	if pe.Code == "" && pe.Message == "" && len(trimmed) > 0 {
		pe.Message = string(trimmed)
	}
	return pe
}
