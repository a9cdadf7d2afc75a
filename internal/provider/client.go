// Package provider is the HTTP client for the upstream tile provider. The
// provider enforces a request quota and answers 429 when it is exceeded.
package provider

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

	commonerrors "github.com/tileworks/platform/pkg/errors"
	"github.com/tileworks/platform/pkg/tracing"
)

const apiKeyHeader = "X-Api-Key"

// ErrUnavailable matches provider 5xx responses.
var ErrUnavailable = commonerrors.New(commonerrors.CodeUnavailable, "tile provider unavailable")

// RateLimitError is returned for HTTP 429. It carries the provider's
// Retry-After hint when one was sent.
type RateLimitError struct {
	RetryAfter time.Duration
	HasHint    bool
}

func (e *RateLimitError) Error() string {
	if e.HasHint {
		return fmt.Sprintf("tile provider rate limited, retry after %s", e.RetryAfter)
	}
	return "tile provider rate limited"
}

func (e *RateLimitError) RetryAfterHint() (time.Duration, bool) {
	return e.RetryAfter, e.HasHint
}

func (e *RateLimitError) Unwrap() error { return commonerrors.ErrRateLimited }

// StatusError is any other non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tile provider: status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode >= 500 {
		return ErrUnavailable
	}
	return nil
}

// Tile is one tile descriptor returned by the provider.
type Tile struct {
	ID      string    `json:"id"`
	Zoom    int       `json:"zoom"`
	X       int       `json:"x"`
	Y       int       `json:"y"`
	ETag    string    `json:"etag"`
	Updated time.Time `json:"updated"`
}

// SyncResult 区域同步结果
type SyncResult struct {
	Region string `json:"region"`
	Tiles  []Tile `json:"tiles"`
	Cursor string `json:"cursor,omitempty"`
}

// Client 瓦片服务客户端
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	now     func() time.Time
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

// SyncRegion lists tiles of region at zoom changed since cursor.
func (c *Client) SyncRegion(ctx context.Context, region string, zoom int, cursor string) (*SyncResult, error) {
	q := url.Values{}
	q.Set("zoom", strconv.Itoa(zoom))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := fmt.Sprintf("%s/v1/regions/%s/tiles?%s", c.baseURL, url.PathEscape(region), q.Encode())

	var out SyncResult
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, fmt.Errorf("sync region %s: %w", region, err)
	}
	if out.Region == "" {
		out.Region = region
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, endpoint string, out interface{}) error {
	ctx, span := tracing.StartSpan(ctx, "provider GET")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
	tracing.InjectHTTP(ctx, req)

	resp, err := c.client.Do(req)
	if err != nil {
		tracing.SetError(ctx, err)
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		hint, ok := parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		return &RateLimitError{RetryAfter: hint, HasHint: ok}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		tracing.SetError(ctx, err)
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d, true
		}
	}
	return 0, false
}
