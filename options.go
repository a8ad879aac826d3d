package reportflow

import (
	"log/slog"
	"net/http"
	"time"
)

// DefaultBaseURL is the Graph beta endpoint used by Intune reporting.
const DefaultBaseURL = "https://graph.microsoft.com/beta"

// Option configures a Client.
type Option func(*config)

type config struct {
	baseURL         string
	maxRetries      int
	backoff         Backoff
	timeouts        TimeoutPolicy
	maxResponseSize int64
	httpClient      *http.Client
	limiter         *RateLimiter
	logger          *slog.Logger

	onError       func(a CallAttempt, err error)
	onSuccess     func(a CallAttempt, resp *http.Response)
	onRateLimited func(a CallAttempt, wait time.Duration)

	requestHook  func(req *http.Request)
	responseHook func(resp *http.Response)
}

func defaultConfig() *config {
	return &config{
		baseURL:         DefaultBaseURL,
		maxRetries:      3,
		backoff:         DefaultBackoff(),
		maxResponseSize: 256 << 20, // exports can be large
	}
}

// WithBaseURL sets the prefix for request paths that are not absolute URLs.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithRateLimiter shares a RateLimiter with the client. Without one the
// client creates its own with the default quotas.
func WithRateLimiter(l *RateLimiter) Option {
	return func(c *config) { c.limiter = l }
}

// WithRetry sets how many times a transient failure is retried. The
// client makes at most maxRetries+1 attempts per call.
func WithRetry(maxRetries int) Option {
	return func(c *config) {
		if maxRetries >= 0 {
			c.maxRetries = maxRetries
		}
	}
}

// WithBackoff sets the retry backoff.
func WithBackoff(b Backoff) Option {
	return func(c *config) { c.backoff = b }
}

// WithTimeoutPolicy sets the per-operation timeout table.
func WithTimeoutPolicy(p TimeoutPolicy) Option {
	return func(c *config) { c.timeouts = p }
}

// WithMaxResponseSize sets the maximum response body size in bytes.
func WithMaxResponseSize(n int64) Option {
	return func(c *config) { c.maxResponseSize = n }
}

// WithHTTPClient sets a custom underlying *http.Client. Per-attempt
// timeouts are applied through the request context, so the client's own
// Timeout should normally be zero.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithLogger sets the logger for attempt events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithOnError sets a callback invoked when a call ends in error.
func WithOnError(fn func(a CallAttempt, err error)) Option {
	return func(c *config) { c.onError = fn }
}

// WithOnSuccess sets a callback invoked on successful (2xx) responses.
func WithOnSuccess(fn func(a CallAttempt, resp *http.Response)) Option {
	return func(c *config) { c.onSuccess = fn }
}

// WithOnRateLimited sets a callback invoked on every 429 with the throttle
// window that was opened.
func WithOnRateLimited(fn func(a CallAttempt, wait time.Duration)) Option {
	return func(c *config) { c.onRateLimited = fn }
}

// WithRequestHook sets a hook called before each attempt is sent.
func WithRequestHook(fn func(req *http.Request)) Option {
	return func(c *config) { c.requestHook = fn }
}

// WithResponseHook sets a hook called after each response is received.
func WithResponseHook(fn func(resp *http.Response)) Option {
	return func(c *config) { c.responseHook = fn }
}
