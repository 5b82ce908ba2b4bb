package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/developingchet/streamguard/internal/metrics"
	"github.com/rs/zerolog"
)

// Endpoint paths on the gate.
const (
	TokenPath  = "/api/security/token"
	SignalPath = "/api/security/devtools-detection"
)

// ErrUnauthorized is returned when the gate refuses to serve the caller,
// typically because its session is blocked.
type ErrUnauthorized struct {
	Msg string
}

func (e *ErrUnauthorized) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Msg)
}

// ErrRateLimit is returned on HTTP 429.
type ErrRateLimit struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimit) Error() string {
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

// ErrStatus is returned for any other unexpected status.
type ErrStatus struct {
	Code int
}

func (e *ErrStatus) Error() string {
	return fmt.Sprintf("unexpected HTTP %d", e.Code)
}

// ClientConfig holds parameters for talking to the gate.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	// Headers are sent on every request, typically User-Agent, Accept and
	// Accept-Language so the gate sees a browser.
	Headers http.Header
	// TokenMinGap skips a token refresh if the last one was less than this ago.
	TokenMinGap time.Duration
	HTTPClient  *http.Client
}

// Client fetches tokens and posts signal reports.
type Client struct {
	cfg  ClientConfig
	http *http.Client
	log  zerolog.Logger

	mu        sync.Mutex
	token     string
	lastFetch time.Time
}

// NewClient returns a Client. No request is made until first use.
func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: httpClient, log: log}
}

// Token returns the cached token, fetching one if none is held.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	if tok != "" {
		return tok, nil
	}
	return c.Refresh(ctx)
}

// Refresh fetches a new token. The mutex ensures concurrent callers share
// one fetch; a refresh within TokenMinGap of the last one returns the
// cached token.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Thundering-herd guard: if another caller refreshed recently, reuse it.
	if c.token != "" && time.Since(c.lastFetch) < c.cfg.TokenMinGap {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+TokenPath, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	resp, err := c.do(req, "token")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := statusError(resp, http.StatusOK); err != nil {
		return "", err
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if body.Token == "" {
		return "", fmt.Errorf("empty token in response")
	}
	c.token = body.Token
	c.lastFetch = time.Now()
	c.log.Debug().Msg("security token refreshed")
	return c.token, nil
}

// Report is one detection sent to the gate.
type Report struct {
	Kind         string
	DevToolsOpen bool
	At           time.Time
}

// Report posts r with the current token. The gate always answers 403 to a
// report, so 403 is success here.
func (c *Client) Report(ctx context.Context, r Report) error {
	tok, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	body, err := json.Marshal(map[string]any{
		"token":        tok,
		"devToolsOpen": r.DevToolsOpen,
		"timestamp":    at.UnixMilli(),
		"kind":         r.Kind,
	})
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+SignalPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req, "report")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusOK, http.StatusNoContent:
		return nil
	}
	return statusError(resp, http.StatusOK)
}

// Get requests path on the gate the way a page load would and returns the
// status code. Non-2xx answers are translated into typed errors.
func (c *Client) Get(ctx context.Context, path string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.do(req, "page")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 == 2 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, statusError(resp, http.StatusOK)
}

// do executes req with the configured headers and records metrics.
func (c *Client) do(req *http.Request, endpoint string) (*http.Response, error) {
	for k, vs := range c.cfg.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.CollectorAPIDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", endpoint, err)
	}
	return resp, nil
}

func statusError(resp *http.Response, want int) error {
	switch resp.StatusCode {
	case want:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return &ErrUnauthorized{Msg: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	case http.StatusTooManyRequests:
		retryAfter := 10 * time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &ErrRateLimit{RetryAfter: retryAfter}
	}
	return &ErrStatus{Code: resp.StatusCode}
}
