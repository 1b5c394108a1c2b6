// Package poller fetches agent counters on a timer and feeds them to the
// per-agent stream reconcilers.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sdwanlab/ratewatch/internal/core"
)

// DefaultStatsPath is appended to agent URLs that carry no path.
const DefaultStatsPath = "/api/stats"

const (
	maxStatsBody = 1 << 20
	tokenTTL     = 15 * time.Minute
	tokenSubject = "ratewatch"
)

// StatusError is returned for non-2xx agent responses.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("agent returned HTTP %d", e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Throttled reports whether the agent asked us to slow down.
func (e *StatusError) Throttled() bool {
	return e.Code == http.StatusTooManyRequests
}

// Client reads the cumulative stats document of one agent.
type Client struct {
	endpoint  *url.URL
	http      *http.Client
	secret    []byte
	userAgent string
	clock     func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithJWTSecret signs every request with a short-lived HS256 bearer token.
func WithJWTSecret(secret string) ClientOption {
	return func(c *Client) {
		if secret != "" {
			c.secret = []byte(secret)
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithClock overrides the token issue time source.
func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewClient builds a client for the agent at rawURL.
func NewClient(rawURL string, opts ...ClientOption) (*Client, error) {
	endpoint, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid agent url: %w", err)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, fmt.Errorf("invalid agent url %q: scheme must be http or https", rawURL)
	}
	if endpoint.Host == "" {
		return nil, fmt.Errorf("invalid agent url %q: missing host", rawURL)
	}
	if endpoint.Path == "" || endpoint.Path == "/" {
		endpoint.Path = DefaultStatsPath
	}

	c := &Client{
		endpoint:  endpoint,
		http:      &http.Client{Timeout: 10 * time.Second},
		userAgent: "ratewatch",
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Host returns the host:port the client talks to. Poll budgets are keyed by it.
func (c *Client) Host() string {
	return strings.ToLower(c.endpoint.Host)
}

// URL returns the resolved stats URL.
func (c *Client) URL() string {
	return c.endpoint.String()
}

// FetchStats performs one GET of the stats document.
func (c *Client) FetchStats(ctx context.Context) (*core.StatsPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build stats request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if len(c.secret) > 0 {
		token, err := c.token()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch stats: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck // read-only body

	body := io.LimitReader(resp.Body, maxStatsBody)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(body, 256))
		return nil, &StatusError{
			Code:       resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.clock()),
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	var payload core.StatsPayload
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &payload, nil
}

func (c *Client) token() (string, error) {
	now := c.clock()
	claims := jwt.RegisteredClaims{
		Subject:   tokenSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign agent token: %w", err)
	}
	return signed, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := at.Sub(now); wait > 0 {
			return wait
		}
	}
	return 0
}
