package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const userAgent = "signal-relay/1.0"

const healthTimeout = 5 * time.Second

// Options configures the webhook client.
type Options struct {
	URL             string
	HealthURL       string // defaults to URL
	SignatureHeader string
	SharedSecret    string
	BearerToken     string
	Timeout         time.Duration
}

// StatusError is a non-2xx response from the webhook. It is distinct from
// transport failures so callers can log remote rejections with their status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook rejected with status %d", e.Code)
	}
	return fmt.Sprintf("webhook rejected with status %d: %s", e.Code, e.Body)
}

// Client posts prepared payloads to the configured endpoint. Transient
// failures (network errors, 429, 5xx) are retried with backoff, honoring
// Retry-After on rate limits.
type Client struct {
	http   *resty.Client
	opts   Options
	logger *slog.Logger
}

func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	rc := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("User-Agent", userAgent).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetRetryAfter(func(c *resty.Client, resp *resty.Response) (time.Duration, error) {
			if resp.StatusCode() == http.StatusTooManyRequests {
				wait := 5 * time.Second
				if ra := resp.Header().Get("Retry-After"); ra != "" {
					if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
						wait = time.Duration(secs) * time.Second
					}
				}
				// resty rejects waits above the configured max.
				if wait > c.RetryMaxWaitTime {
					wait = c.RetryMaxWaitTime
				}
				return wait, nil
			}
			return 0, nil // default backoff
		})

	return &Client{http: rc, opts: opts, logger: logger}
}

// Post delivers the payload. The signature header covers the exact body
// bytes; retries re-send the same bytes.
func (c *Client) Post(ctx context.Context, p *Payload) error {
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", p.ContentType).
		SetBody(p.Body)

	if c.opts.BearerToken != "" {
		req.SetHeader("Authorization", "Bearer "+c.opts.BearerToken)
	}
	if c.opts.SharedSecret != "" {
		req.SetHeader(c.opts.SignatureHeader, p.Sign(c.opts.SharedSecret))
	}

	resp, err := req.Post(c.opts.URL)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	if !resp.IsSuccess() {
		return &StatusError{Code: resp.StatusCode(), Body: trimBody(resp.Body())}
	}
	return nil
}

// Health probes the health URL (or the webhook URL when none is set) with
// a short GET and reports non-2xx responses as a StatusError.
func (c *Client) Health(ctx context.Context) error {
	target := c.opts.HealthURL
	if target == "" {
		target = c.opts.URL
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	resp, err := c.http.R().SetContext(ctx).Get(target)
	if err != nil {
		return fmt.Errorf("webhook health check: %w", err)
	}
	if !resp.IsSuccess() {
		return &StatusError{Code: resp.StatusCode(), Body: trimBody(resp.Body())}
	}
	return nil
}

// URL returns the configured delivery endpoint.
func (c *Client) URL() string { return c.opts.URL }

func trimBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
