// Package httpx is the JSON request helper shared by the provider clients.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/samuelmjordan/hosting-platform-api/internal/logging"
	"github.com/samuelmjordan/hosting-platform-api/internal/tracing"
)

// Limiter paces outgoing calls. *ratelimit.Limiter implements it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return e.Method + " " + e.Path + ": " + http.StatusText(e.Code) + ": " + e.Body
}

// IsStatus reports whether err carries a response with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// IgnoreNotFound drops 404s so teardown of an already deleted resource
// succeeds.
func IgnoreNotFound(err error) error {
	if IsStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

type Client struct {
	name    string
	base    string
	header  http.Header
	http    *http.Client
	limiter Limiter
	log     *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithLimiter(l Limiter) Option { return func(c *Client) { c.limiter = l } }

func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

func WithBearer(token string) Option {
	return func(c *Client) { c.header.Set("Authorization", "Bearer "+token) }
}

func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Set(key, value) }
}

func New(name, baseURL string, opts ...Option) *Client {
	c := &Client{
		name:   name,
		base:   strings.TrimRight(baseURL, "/"),
		header: make(http.Header),
		http:   &http.Client{Timeout: 30 * time.Second},
	}
	c.header.Set("Accept", "application/json")
	for _, o := range opts {
		o(c)
	}
	c.log = logging.OrNop(c.log).With(zap.String("provider", name))
	return c
}

// Do sends in as the JSON body (when non-nil) and decodes a JSON response
// into out (when non-nil and the response has a body).
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			c.log.Warn("rate limiter unavailable, sending anyway", zap.Error(err))
		}
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrapf(err, "%s: encode request", c.name)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return errors.Wrapf(err, "%s: build request", c.name)
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	tracing.Inject(ctx, req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s: %s %s", c.name, method, path)
	}
	defer resp.Body.Close()
	c.log.Debug("provider call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return errors.Wrapf(err, "%s: decode %s %s", c.name, method, path)
	}
	return nil
}

// Raw is like Do but returns the undecoded response body.
func (c *Client) Raw(ctx context.Context, method, path string) ([]byte, error) {
	var raw json.RawMessage
	if err := c.Do(ctx, method, path, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
