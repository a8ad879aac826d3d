package reportflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// defaultRetryAfter is used when a 429 carries no usable Retry-After.
const defaultRetryAfter = 60 * time.Second

const warnInterval = time.Second

// Stats holds atomic request counters.
type Stats struct {
	Calls         uint64
	Attempts      uint64
	Retries       uint64
	Errors        uint64
	RateLimited   uint64
	AuthRefreshes uint64
}

// StatsProvider exposes metrics for external collectors (OTel, etc.).
type StatsProvider interface {
	Stats() Stats
}

// CallAttempt describes one attempt of a call. It is passed to hooks
// and logged; it does not outlive the retry loop.
type CallAttempt struct {
	Method      string
	URL         string
	Operation   Operation
	Index       int // 1-based
	MaxAttempts int
	RequestID   string
}

// Request is one logical call. The client may send it several times.
type Request struct {
	Method    string
	URL       string // absolute, or a path resolved against the base URL
	Operation Operation
	Query     url.Values
	Header    http.Header

	Body        []byte
	ContentType string

	// EstimatedRecords scales the timeout of job-creation and large-export calls.
	EstimatedRecords int

	// NoAuth sends the request without a bearer token (pre-signed URLs).
	NoAuth bool
	// NoRetry makes every failure terminal after the first attempt.
	NoRetry bool
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

// DecodeJSON unmarshals the response body into v.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("reportflow: decode response: %w", err)
	}
	return nil
}

// Client performs authenticated calls with rate limiting, token refresh,
// per-operation timeouts and bounded retries.
type Client struct {
	httpClient *http.Client
	tokens     *TokenManager
	limiter    *RateLimiter
	cfg        *config
	logger     *slog.Logger

	calls         atomic.Uint64
	attempts      atomic.Uint64
	retries       atomic.Uint64
	failures      atomic.Uint64
	rateLimited   atomic.Uint64
	authRefreshes atomic.Uint64

	// Retry and throttle warnings are shared by every worker on the
	// client; beyond one per interval they drop to debug.
	retryLog    rate.Sometimes
	throttleLog rate.Sometimes
}

// Compile-time interface check.
var _ StatsProvider = (*Client)(nil)

// New creates a Client. tokens may be nil, in which case every request is
// sent unauthenticated.
func New(tokens *TokenManager, opts ...Option) *Client {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}

	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{Transport: NewTransport()}
	}
	lim := cfg.limiter
	if lim == nil {
		lim = NewRateLimiter(DefaultPerSecond, DefaultPerMinute)
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default().With("component", "client")
	}

	return &Client{
		httpClient:  hc,
		tokens:      tokens,
		limiter:     lim,
		cfg:         cfg,
		logger:      logger,
		retryLog:    rate.Sometimes{Interval: warnInterval},
		throttleLog: rate.Sometimes{Interval: warnInterval},
	}
}

// Stats returns a snapshot of request statistics.
func (c *Client) Stats() Stats {
	return Stats{
		Calls:         c.calls.Load(),
		Attempts:      c.attempts.Load(),
		Retries:       c.retries.Load(),
		Errors:        c.failures.Load(),
		RateLimited:   c.rateLimited.Load(),
		AuthRefreshes: c.authRefreshes.Load(),
	}
}

// Limiter returns the client's rate limiter.
func (c *Client) Limiter() *RateLimiter { return c.limiter }

// Tokens returns the client's token manager, which may be nil.
func (c *Client) Tokens() *TokenManager { return c.tokens }

// Timeouts returns the client's timeout policy.
func (c *Client) Timeouts() TimeoutPolicy { return c.cfg.timeouts }

// Call sends req, retrying transient failures. Terminal failures are
// returned as *Error; caller cancellation returns the context's error.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	c.calls.Add(1)
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Operation == "" {
		req.Operation = OpAPICall
	}
	target, err := c.resolve(req)
	if err != nil {
		return nil, err
	}

	auth := c.tokens != nil && !req.NoAuth
	if auth {
		state, err := c.tokens.EnsureFresh(ctx)
		switch {
		case state == Unauthenticated || KindOf(err) == KindAuthRequired:
			c.failures.Add(1)
			return nil, authError(req, target, err)
		case err != nil:
			// Expired token and a transient refresh failure.
			c.failures.Add(1)
			return nil, err
		}
	}

	maxRetries := c.cfg.maxRetries
	if req.NoRetry {
		maxRetries = 0
	}
	attempt := CallAttempt{
		Method:      req.Method,
		URL:         target,
		Operation:   req.Operation,
		MaxAttempts: maxRetries + 1,
		RequestID:   uuid.NewString(),
	}

	var (
		retries   int
		refreshed bool
	)
	for {
		attempt.Index++
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, err
		}

		var token string
		if auth {
			token = c.tokens.AccessToken()
		}
		resp, err := c.send(ctx, req, attempt, token)
		c.attempts.Add(1)

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var tooLarge *Error
			if errors.As(err, &tooLarge) {
				return nil, c.fail(ctx, attempt, tooLarge)
			}
			c.sampled(ctx, &c.retryLog, "request failed",
				"method", req.Method, "url", target, "operation", string(req.Operation),
				"attempt", attempt.Index, "max_attempts", attempt.MaxAttempts,
				"request_id", attempt.RequestID, "error", err)
			if retries >= maxRetries {
				return nil, c.fail(ctx, attempt, &Error{Kind: KindTransport, Method: req.Method, URL: target, Err: err})
			}
			if err := c.backoff(ctx, retries); err != nil {
				return nil, err
			}
			retries++
			continue
		}

		c.logger.DebugContext(ctx, "request completed",
			"method", req.Method, "url", target, "operation", string(req.Operation),
			"attempt", attempt.Index, "max_attempts", attempt.MaxAttempts,
			"status", resp.StatusCode, "request_id", attempt.RequestID)

		switch status := resp.StatusCode; {
		case status >= 200 && status < 300:
			resp.Attempts = attempt.Index
			return resp, nil

		case status == http.StatusUnauthorized:
			if !auth || refreshed {
				return nil, c.fail(ctx, attempt, statusError(KindAuthRequired, req, target, resp))
			}
			refreshed = true
			c.logger.WarnContext(ctx, "unauthorized, refreshing token", "url", target, "request_id", attempt.RequestID)
			ran, err := c.tokens.RefreshIfStale(ctx, token)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, c.fail(ctx, attempt, authError(req, target, err))
			}
			if ran {
				c.authRefreshes.Add(1)
			}
			continue

		case status == http.StatusTooManyRequests:
			c.rateLimited.Add(1)
			wait := c.limiter.NotifyThrottled(parseRetryAfter(resp.Header.Get("Retry-After")))
			if c.cfg.onRateLimited != nil {
				c.cfg.onRateLimited(attempt, wait)
			}
			c.sampled(ctx, &c.throttleLog, "rate limited", "url", target, "wait", wait,
				"attempt", attempt.Index, "request_id", attempt.RequestID)
			if retries >= maxRetries {
				return nil, c.fail(ctx, attempt, statusError(KindRateLimited, req, target, resp))
			}
			retries++
			c.retries.Add(1)
			continue

		case status == http.StatusForbidden:
			return nil, c.fail(ctx, attempt, statusError(KindPermissionDenied, req, target, resp))

		case status == http.StatusNotFound:
			return nil, c.fail(ctx, attempt, statusError(KindNotFound, req, target, resp))

		case status >= 400 && status < 500:
			return nil, c.fail(ctx, attempt, statusError(KindClientError, req, target, resp))

		default:
			if retries >= maxRetries {
				return nil, c.fail(ctx, attempt, statusError(KindServerError, req, target, resp))
			}
			c.sampled(ctx, &c.retryLog, "server error, retrying", "url", target, "status", status,
				"attempt", attempt.Index, "request_id", attempt.RequestID)
			if err := c.backoff(ctx, retries); err != nil {
				return nil, err
			}
			retries++
		}
	}
}

func (c *Client) backoff(ctx context.Context, retry int) error {
	c.retries.Add(1)
	return sleep(ctx, c.cfg.backoff.Delay(retry))
}

// send performs one attempt under its own timeout and reads the body.
func (c *Client) send(ctx context.Context, req Request, a CallAttempt, token string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.timeouts.Timeout(req.Operation, req.EstimatedRecords))
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, a.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	if req.Body != nil && req.ContentType != "" {
		hr.Header.Set("Content-Type", req.ContentType)
	}
	if hr.Header.Get("Accept") == "" {
		hr.Header.Set("Accept", "application/json")
	}
	hr.Header.Set("client-request-id", a.RequestID)
	if token != "" {
		hr.Header.Set("Authorization", "Bearer "+token)
	}

	if c.cfg.requestHook != nil {
		c.cfg.requestHook(hr)
	}

	resp, err := c.httpClient.Do(hr)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if c.cfg.responseHook != nil {
		c.cfg.responseHook(resp)
	}

	limit := c.cfg.maxResponseSize
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, &Error{Kind: KindTransport, Method: req.Method, URL: a.URL, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("response exceeds %d bytes", limit)}
	}
	if c.cfg.onSuccess != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.cfg.onSuccess(a, resp)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// sampled logs at warn level at most once per warnInterval per sampler,
// and at debug level otherwise.
func (c *Client) sampled(ctx context.Context, s *rate.Sometimes, msg string, args ...any) {
	level := slog.LevelDebug
	s.Do(func() { level = slog.LevelWarn })
	c.logger.Log(ctx, level, msg, args...)
}

func (c *Client) fail(ctx context.Context, a CallAttempt, err *Error) error {
	c.failures.Add(1)
	if c.cfg.onError != nil {
		c.cfg.onError(a, err)
	}
	c.logger.DebugContext(ctx, "call failed", "url", a.URL, "kind", string(err.Kind), "status", err.StatusCode,
		"attempts", a.Index, "request_id", a.RequestID)
	return err
}

// resolve joins the base URL and query parameters into the target URL.
func (c *Client) resolve(req Request) (string, error) {
	raw := req.URL
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = strings.TrimRight(c.cfg.baseURL, "/") + "/" + strings.TrimLeft(raw, "/")
	}
	if len(req.Query) == 0 {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", &Error{Kind: KindClientError, Method: req.Method, URL: raw, Err: err}
	}
	q := u.Query()
	for k, vs := range req.Query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func statusError(kind Kind, req Request, target string, resp *Response) *Error {
	apiErr := ParseAPIError(resp.Body)
	return &Error{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Method:     req.Method,
		URL:        target,
		Code:       apiErr.Code,
		Message:    apiErr.Message,
		Body:       resp.Body,
	}
}

func authError(req Request, target string, cause error) *Error {
	var e *Error
	if errors.As(cause, &e) && e.Kind == KindAuthRequired {
		out := *e
		out.Method, out.URL = req.Method, target
		return &out
	}
	return &Error{Kind: KindAuthRequired, Method: req.Method, URL: target, Message: "re-authentication required", Err: cause}
}

// parseRetryAfter reads a Retry-After value in seconds. An absent or
// non-numeric value means 60 seconds.
func parseRetryAfter(val string) time.Duration {
	val = strings.TrimSpace(val)
	if val == "" {
		return defaultRetryAfter
	}
	secs, err := strconv.ParseFloat(val, 64)
	if err != nil || secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return defaultRetryAfter
	}
	return time.Duration(math.Ceil(secs)) * time.Second
}

// Get performs a GET against path (absolute or relative to the base URL).
func (c *Client) Get(ctx context.Context, path string, op Operation, query url.Values) (*Response, error) {
	return c.Call(ctx, Request{Method: http.MethodGet, URL: path, Operation: op, Query: query})
}

// PostJSON posts an already encoded JSON body.
func (c *Client) PostJSON(ctx context.Context, path string, op Operation, body []byte, estimatedRecords int) (*Response, error) {
	return c.Call(ctx, Request{
		Method:           http.MethodPost,
		URL:              path,
		Operation:        op,
		Body:             body,
		ContentType:      "application/json",
		EstimatedRecords: estimatedRecords,
	})
}
