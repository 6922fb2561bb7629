package eventbrite_http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/charleschow/ticket-watch/internal/core/fetch"
	"github.com/charleschow/ticket-watch/internal/telemetry"
)

const DefaultBaseURL = "https://www.eventbriteapi.com/v3"

// ErrRateLimited is wrapped by calls that have no RateLimited result to
// carry the 429, such as ticket class listing. The error is a
// *fetch.RateLimitError holding the Retry-After.
var ErrRateLimited = fetch.ErrRateLimited

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient builds a client for the v3 REST API. qps paces requests on the
// client side; the shared budget decides whether a call happens at all.
func NewClient(baseURL, token string, qps float64) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if qps <= 0 {
		qps = 10
	}
	burst := int(qps)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(qps), burst),
	}
}

type response struct {
	body       []byte
	status     int
	retryAfter time.Duration
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return response{}, fmt.Errorf("rate limit wait: %w", err)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return response{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{status: resp.StatusCode}, fmt.Errorf("read response: %w", err)
	}

	telemetry.Debugf("eventbrite_http: GET %s -> %d (%s)", path, resp.StatusCode, time.Since(start))

	return response{
		body:       body,
		status:     resp.StatusCode,
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}, nil
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
