// Package cube talks to a Cube.js semantic layer: schema discovery through
// /meta and query execution through /load.
package cube

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/askcube/internal/apperrors"
	"github.com/kalambet/askcube/internal/retry"
)

const continueWait = "Continue wait"

// Client calls the Cube.js REST API.
type Client struct {
	baseURL      string
	token        string
	httpClient   *http.Client
	timeout      time.Duration
	retry        *retry.Config
	maxWaitPolls int
	pollDelay    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds each individual HTTP call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRetry sets the backoff used for /meta.
func WithRetry(cfg *retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithMaxWaitPolls bounds how often a "Continue wait" answer is polled
// again before giving up.
func WithMaxWaitPolls(n int, delay time.Duration) Option {
	return func(c *Client) {
		c.maxWaitPolls = n
		c.pollDelay = delay
	}
}

// NewClient creates a Client for the API rooted at baseURL
// (e.g. http://localhost:4000/cubejs-api/v1). The token is sent verbatim in
// the Authorization header.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		httpClient:   &http.Client{},
		timeout:      30 * time.Second,
		retry:        retry.DefaultConfig(),
		maxWaitPolls: 10,
		pollDelay:    500 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StatusError is a non-200 answer from the API.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("cube %s: status %d: %s", e.Path, e.StatusCode, e.Body)
}

// IsRetryable implements retry.RetryableError.
func (e *StatusError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// LoadCatalog fetches and parses /meta. Every failure wraps
// apperrors.ErrCatalogUnavailable.
func (c *Client) LoadCatalog(ctx context.Context) (*Catalog, error) {
	body, err := retry.DoWithResult(ctx, c.retry, func() ([]byte, error) {
		status, body, err := c.call(ctx, http.MethodGet, "/meta", nil)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, &StatusError{Path: "/meta", StatusCode: status, Body: snippet(body)}
		}
		return body, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrCatalogUnavailable, err)
	}

	cat, err := ParseCatalog(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrCatalogUnavailable, err)
	}
	return cat, nil
}

// ExecResult is the normalized outcome of a /load call. Status 0 means no
// HTTP status was obtained at all.
type ExecResult struct {
	Status  int
	Rows    []map[string]any
	Message string
}

// OK reports whether the engine answered 200 with a data array.
func (r ExecResult) OK() bool { return r.Status == http.StatusOK && r.Rows != nil }

type loadResponse struct {
	Data  *[]map[string]any `json:"data"`
	Error string            `json:"error"`
}

// Execute runs q through /load. It never returns an error: failures are
// reported through Status and Message.
func (c *Client) Execute(ctx context.Context, q Query) ExecResult {
	payload := map[string]any{"query": q}

	delay := c.pollDelay
	for poll := 0; ; poll++ {
		status, body, err := c.call(ctx, http.MethodPost, "/load", payload)
		if err != nil {
			return ExecResult{Message: "Error executing Cube.js query: " + err.Error()}
		}

		switch status {
		case http.StatusOK:
		case http.StatusBadRequest:
			return ExecResult{Status: status, Message: "Bad request. The query format might be incorrect."}
		case http.StatusUnprocessableEntity:
			return ExecResult{Status: status, Message: "Invalid dimensions or measures."}
		default:
			return ExecResult{Status: status, Message: fmt.Sprintf("Cube.js API returned status code %d.", status)}
		}

		var lr loadResponse
		if err := json.Unmarshal(body, &lr); err != nil {
			return ExecResult{Status: status, Message: "Error executing Cube.js query: decoding response: " + err.Error()}
		}
		if lr.Data != nil {
			rows := *lr.Data
			if rows == nil {
				rows = []map[string]any{}
			}
			return ExecResult{Status: status, Rows: rows}
		}
		if lr.Error != continueWait {
			msg := "No data returned from Cube.js."
			if lr.Error != "" {
				msg = lr.Error
			}
			return ExecResult{Status: status, Message: msg}
		}

		if poll >= c.maxWaitPolls {
			return ExecResult{Status: status, Message: "Cube.js query did not finish in time."}
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ExecResult{Message: "Error executing Cube.js query: " + ctx.Err().Error()}
		}
		if delay < 5*time.Second {
			delay *= 2
		}
	}
}

// SQL returns the SQL the engine would run for q.
func (c *Client) SQL(ctx context.Context, q Query) (string, error) {
	status, body, err := c.call(ctx, http.MethodPost, "/sql", map[string]any{"query": q})
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrExecution, err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("%w: %v", apperrors.ErrExecution, &StatusError{Path: "/sql", StatusCode: status, Body: snippet(body)})
	}

	var resp struct {
		SQL struct {
			SQL []any `json:"sql"`
		} `json:"sql"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding sql response: %w", err)
	}
	if len(resp.SQL.SQL) == 0 {
		return "", fmt.Errorf("%w: sql response is empty", apperrors.ErrExecution)
	}
	sql, _ := resp.SQL.SQL[0].(string)
	return strings.TrimSpace(strings.ReplaceAll(sql, "\n", " ")), nil
}

// call performs one HTTP exchange under the per-call timeout.
func (c *Client) call(ctx context.Context, method, path string, in any) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("creating %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading %s response: %w", path, err)
	}
	return resp.StatusCode, b, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}
