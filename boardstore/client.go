package boardstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/boardsync/connectivity"
	"github.com/hazyhaar/boardsync/record"
)

// Client is a Store backed by a relay's REST API. Transient failures (network
// errors, 5xx) are retried with backoff behind a circuit breaker; 4xx answers
// are returned as-is.
type Client struct {
	base    string
	http    *http.Client
	breaker *connectivity.CircuitBreaker
	backoff connectivity.Backoff
	retries int
	logger  *slog.Logger
}

var _ Store = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) ClientOption { return func(cl *Client) { cl.http = c } }

// WithRetries sets how many times a transient failure is retried. Default: 3.
func WithRetries(n int) ClientOption { return func(cl *Client) { cl.retries = n } }

// WithClientBackoff sets the delay between retries.
func WithClientBackoff(b connectivity.Backoff) ClientOption {
	return func(cl *Client) { cl.backoff = b }
}

// WithClientBreaker shares a circuit breaker with other callers.
func WithClientBreaker(cb *connectivity.CircuitBreaker) ClientOption {
	return func(cl *Client) { cl.breaker = cb }
}

// WithClientLogger sets the logger for retry warnings.
func WithClientLogger(l *slog.Logger) ClientOption { return func(cl *Client) { cl.logger = l } }

// NewClient creates a Client for the relay at base (e.g. "http://host:8080").
func NewClient(base string, opts ...ClientOption) *Client {
	c := &Client{
		base:    strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		backoff: connectivity.DefaultBackoff,
		retries: 3,
		logger:  slog.Default(),
	}
	for _, fn := range opts {
		fn(c)
	}
	if c.breaker == nil {
		c.breaker = connectivity.NewCircuitBreaker("boardstore:"+c.base,
			connectivity.WithBreakerOnChange(connectivity.LogStateChange(c.logger)))
	}
	return c
}

// StatusError is a non-2xx answer from the relay.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("boardstore: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func (c *Client) SaveSnapshot(ctx context.Context, ps PageSnapshot) (int64, error) {
	var out struct {
		UpdatedAt int64 `json:"updated_at"`
	}
	ps.Snapshot = sanitize(ps.Snapshot)
	err := c.do(ctx, http.MethodPut, pagePath(ps.BoardID, ps.PageID)+"/snapshot", ps, &out)
	return out.UpdatedAt, err
}

func (c *Client) LoadSnapshot(ctx context.Context, boardID, pageID string) (PageSnapshot, error) {
	var ps PageSnapshot
	err := c.do(ctx, http.MethodGet, pagePath(boardID, pageID)+"/snapshot", nil, &ps)
	return ps, err
}

func (c *Client) ListSnapshots(ctx context.Context, boardID string, since int64) ([]PageSnapshot, error) {
	var out []PageSnapshot
	p := boardPath(boardID) + "/snapshots?since=" + strconv.FormatInt(since, 10)
	err := c.do(ctx, http.MethodGet, p, nil, &out)
	return out, err
}

func (c *Client) ListPages(ctx context.Context, boardID string) ([]PageVersion, error) {
	var out []PageVersion
	err := c.do(ctx, http.MethodGet, boardPath(boardID)+"/pages", nil, &out)
	return out, err
}

func (c *Client) MaxUpdatedAt(ctx context.Context, boardID string) (int64, error) {
	var out struct {
		UpdatedAt int64 `json:"updated_at"`
	}
	err := c.do(ctx, http.MethodGet, boardPath(boardID)+"/max-updated", nil, &out)
	return out.UpdatedAt, err
}

func (c *Client) UpsertFunction(ctx context.Context, fn record.FunctionDefinition) error {
	if err := fn.Validate(); err != nil {
		return fmt.Errorf("boardstore: %w", err)
	}
	p := pagePath(fn.BoardID, fn.PageID) + "/functions/" + url.PathEscape(fn.FunctionID)
	return c.do(ctx, http.MethodPut, p, fn, nil)
}

func (c *Client) DeleteFunction(ctx context.Context, boardID, pageID, functionID string, at int64) error {
	p := pagePath(boardID, pageID) + "/functions/" + url.PathEscape(functionID) +
		"?at=" + strconv.FormatInt(at, 10)
	return c.do(ctx, http.MethodDelete, p, nil, nil)
}

func (c *Client) ListFunctions(ctx context.Context, boardID, pageID string) ([]record.FunctionDefinition, error) {
	var out []record.FunctionDefinition
	err := c.do(ctx, http.MethodGet, pagePath(boardID, pageID)+"/functions", nil, &out)
	return out, err
}

// do runs one request with retries. Only transport errors and 5xx answers
// are retried; a 404 becomes ErrNotFound.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("boardstore: marshal request: %w", err)
		}
		body = b
	}

	var final error
	err := connectivity.Retry(ctx, c.retries, c.backoff, c.logger, func(ctx context.Context) error {
		return c.breaker.Do(ctx, func(ctx context.Context) error {
			code, raw, err := c.roundTrip(ctx, method, path, body)
			if err != nil {
				return err
			}
			if code >= 500 {
				return &StatusError{Method: method, Path: path, Code: code, Body: string(raw)}
			}
			switch {
			case code == http.StatusNotFound:
				final = ErrNotFound
			case code >= 400:
				final = &StatusError{Method: method, Path: path, Code: code, Body: string(raw)}
			case out != nil && len(raw) > 0:
				if err := json.Unmarshal(raw, out); err != nil {
					final = fmt.Errorf("boardstore: decode %s: %w", path, err)
				}
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("boardstore: %s %s: %w", method, path, err)
	}
	return final
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, bytes.TrimSpace(raw), nil
}

func boardPath(boardID string) string { return "/boards/" + url.PathEscape(boardID) }

func pagePath(boardID, pageID string) string {
	return boardPath(boardID) + "/pages/" + url.PathEscape(pageID)
}
