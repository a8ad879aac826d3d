package reportflow

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(srv *httptest.Server, tokens *TokenManager, opts ...Option) *Client {
	base := []Option{
		WithBaseURL(srv.URL),
		WithBackoff(fastBackoff),
		WithRateLimiter(NewRateLimiter(1000, 100000)),
	}
	return New(tokens, append(base, opts...)...)
}

func validTokens(access string) *TokenManager {
	m := NewTokenManager(TokenEndpoint{URL: "http://unused"}, WithTokenBackoff(fastBackoff))
	m.Set(Credential{AccessToken: access, RefreshToken: "r1", ExpiresAt: time.Now().Add(time.Hour)})
	return m
}

func TestCallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer a1", r.Header.Get("Authorization"))
		_, err := uuid.Parse(r.Header.Get("client-request-id"))
		assert.NoError(t, err)
		assert.Equal(t, "/beta/deviceManagement/managedDevices", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("$top"))
		_, _ = w.Write([]byte(`{"value":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv, validTokens("a1"), WithBaseURL(srv.URL+"/beta/"))
	resp, err := c.Get(context.Background(), "/deviceManagement/managedDevices", OpAPICall, url.Values{"$top": {"1"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, resp.Attempts)

	var out struct{ Value []any }
	require.NoError(t, resp.DecodeJSON(&out))
	assert.NotNil(t, out.Value)
}

func TestCallRetriesServerErrorsExactlyMaxRetries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"code":"ServiceUnavailable","message":"try later"}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv, validTokens("a1"))
	_, err := c.Get(context.Background(), "/", OpAPICall, nil)

	require.ErrorIs(t, err, ErrServerError)
	assert.Equal(t, http.StatusServiceUnavailable, StatusOf(err))
	assert.EqualValues(t, 4, attempts.Load(), "one attempt plus three retries")
	assert.EqualValues(t, 3, c.Stats().Retries)
}

func TestCallRecoversFromServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(srv, nil)
	resp, err := c.Get(context.Background(), "/", OpAPICall, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, "ok", string(resp.Body))
}

func TestCallRetriesTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := newTestClient(srv, nil, WithRetry(2))
	_, err := c.Get(context.Background(), "/", OpAPICall, nil)

	require.ErrorIs(t, err, ErrTransport)
	assert.EqualValues(t, 3, c.Stats().Attempts)
}

func TestCallPerAttemptTimeout(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := newTestClient(srv, nil, WithTimeoutPolicy(TimeoutPolicy{
		Base: map[Operation]time.Duration{OpJobStatus: 30 * time.Millisecond},
	}))
	_, err := c.Get(context.Background(), "/", OpJobStatus, nil)

	require.ErrorIs(t, err, ErrTransport)
	assert.EqualValues(t, 4, attempts.Load())
}

func TestCallTerminalStatusesAreNotRetried(t *testing.T) {
	tests := []struct {
		status int
		kind   Kind
	}{
		{http.StatusForbidden, KindPermissionDenied},
		{http.StatusNotFound, KindNotFound},
		{http.StatusBadRequest, KindClientError},
		{http.StatusConflict, KindClientError},
		{http.StatusUnprocessableEntity, KindClientError},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var attempts atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"code":"Nope","message":"denied"}}`))
			}))
			defer srv.Close()

			c := newTestClient(srv, validTokens("a1"))
			_, err := c.Get(context.Background(), "/", OpAPICall, nil)

			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.EqualValues(t, 1, attempts.Load())

			var apiErr *Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, "Nope", apiErr.Code)
			assert.Equal(t, "denied", apiErr.Message)
		})
	}
}

func TestCallRateLimitedThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var throttled atomic.Int32
	c := newTestClient(srv, nil, WithOnRateLimited(func(a CallAttempt, wait time.Duration) {
		throttled.Add(1)
	}))

	resp, err := c.Get(context.Background(), "/", OpAPICall, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
	assert.EqualValues(t, 2, throttled.Load())
	assert.EqualValues(t, 2, c.Stats().RateLimited)
}

func TestCallRateLimitExhausted(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(srv, nil, WithRetry(1))
	_, err := c.Get(context.Background(), "/", OpAPICall, nil)

	require.ErrorIs(t, err, ErrRateLimited)
	assert.EqualValues(t, 2, attempts.Load())
}

func TestCallRateLimitHoldsOtherCallers(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(srv, nil)
	start := time.Now()
	_, err := c.Get(context.Background(), "/", OpAPICall, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestCallRefreshesOnUnauthorized(t *testing.T) {
	var tokenCalls atomic.Int32
	tokenSrv := tokenServer(t, &tokenCalls, grant("a2", "", 3600))

	var (
		mu      sync.Mutex
		headers []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		headers = append(headers, r.Header.Get("Authorization"))
		n := len(headers)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tokens := newTestTokens(tokenSrv.URL, nil)
	tokens.Set(Credential{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: time.Now().Add(time.Hour)})

	c := newTestClient(srv, tokens)
	_, err := c.Get(context.Background(), "/", OpAPICall, nil)
	require.NoError(t, err)

	require.Len(t, headers, 2)
	assert.Equal(t, "Bearer a1", headers[0])
	assert.Equal(t, "Bearer a2", headers[1])
	assert.NotEqual(t, headers[0], headers[1])
	assert.EqualValues(t, 1, tokenCalls.Load())
	assert.EqualValues(t, 1, c.Stats().AuthRefreshes)
}

// staleTokenServer rejects the a1 token and accepts anything else.
func staleTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer a1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCallUnauthorizedAfterRotationSkipsRefresh(t *testing.T) {
	var tokenCalls atomic.Int32
	tokenSrv := tokenServer(t, &tokenCalls, grant("a3", "", 3600))

	tokens := newTestTokens(tokenSrv.URL, nil)
	tokens.Set(Credential{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: time.Now().Add(time.Hour)})

	// Another worker rotates the token while this request is rejected.
	c := newTestClient(staleTokenServer(t), tokens, WithResponseHook(func(resp *http.Response) {
		if resp.StatusCode == http.StatusUnauthorized {
			tokens.Set(Credential{AccessToken: "a2", RefreshToken: "r1", ExpiresAt: time.Now().Add(time.Hour)})
		}
	}))

	resp, err := c.Get(context.Background(), "/", OpAPICall, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
	assert.Zero(t, tokenCalls.Load())
	assert.Zero(t, c.Stats().AuthRefreshes)
}

func TestCallCancelledWorkerDoesNotFailSharedRefresh(t *testing.T) {
	var (
		tokenCalls atomic.Int32
		arrived    = make(chan struct{}, 1)
		release    = make(chan struct{})
		once       sync.Once
	)
	tokenSrv := tokenServer(t, &tokenCalls, heldGrant(arrived, release, "a2"))
	unblock := func() { once.Do(func() { close(release) }) }
	defer unblock()

	tokens := newTestTokens(tokenSrv.URL, nil)
	tokens.Set(Credential{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: time.Now().Add(time.Hour)})
	c := newTestClient(staleTokenServer(t), tokens)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := c.Get(ctxA, "/", OpAPICall, nil)
		errA <- err
	}()
	<-arrived

	type outcome struct {
		resp *Response
		err  error
	}
	outB := make(chan outcome, 1)
	go func() {
		resp, err := c.Get(context.Background(), "/", OpAPICall, nil)
		outB <- outcome{resp, err}
	}()

	cancelA()
	select {
	case err := <-errA:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled worker kept waiting on the shared refresh")
	}

	time.Sleep(20 * time.Millisecond)
	unblock()

	b := <-outB
	require.NoError(t, b.err)
	assert.Equal(t, http.StatusOK, b.resp.StatusCode)
	assert.EqualValues(t, 1, tokenCalls.Load())
	assert.Equal(t, "a2", tokens.AccessToken())
}

func TestCallUnauthorizedTwiceIsAuthRequired(t *testing.T) {
	var tokenCalls atomic.Int32
	tokenSrv := tokenServer(t, &tokenCalls, grant("a2", "", 3600))

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := newTestTokens(tokenSrv.URL, nil)
	tokens.Set(Credential{AccessToken: "a1", RefreshToken: "r1"})

	c := newTestClient(srv, tokens)
	_, err := c.Get(context.Background(), "/", OpAPICall, nil)

	require.ErrorIs(t, err, ErrAuthRequired)
	assert.EqualValues(t, 2, attempts.Load())
	assert.EqualValues(t, 1, tokenCalls.Load(), "only one refresh per call")
}

func TestCallRefreshesExpiredTokenBeforeFirstAttempt(t *testing.T) {
	var tokenCalls atomic.Int32
	tokenSrv := tokenServer(t, &tokenCalls, grant("fresh", "", 3600))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer fresh", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tokens := newTestTokens(tokenSrv.URL, nil)
	tokens.Set(Credential{AccessToken: "stale", RefreshToken: "r1", ExpiresAt: time.Now().Add(-time.Second)})

	c := newTestClient(srv, tokens)
	_, err := c.Get(context.Background(), "/", OpAPICall, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, tokenCalls.Load())
}

func TestCallFailsFastWhenUnauthenticated(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(srv, NewTokenManager(TokenEndpoint{}))
	_, err := c.Get(context.Background(), "/", OpAPICall, nil)

	require.ErrorIs(t, err, ErrAuthRequired)
	assert.Zero(t, attempts.Load())
	assert.NotEmpty(t, HintOf(err))
}

func TestCallNoAuthOmitsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("PK"))
	}))
	defer srv.Close()

	c := newTestClient(srv, validTokens("a1"))
	resp, err := c.Call(context.Background(), Request{URL: srv.URL + "/blob?sig=abc", Operation: OpDownload, NoAuth: true})
	require.NoError(t, err)
	assert.Equal(t, "PK", string(resp.Body))
}

func TestCallNoRetry(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv, nil)
	_, err := c.Call(context.Background(), Request{URL: "/", NoRetry: true})
	require.ErrorIs(t, err, ErrServerError)
	assert.EqualValues(t, 1, attempts.Load())
}

func TestCallContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(srv, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Get(ctx, "/", OpAPICall, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c := newTestClient(srv, nil)
	resp, err := c.PostJSON(context.Background(), "/exportJobs", OpJobCreation, []byte(`{"a":1}`), 1000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"a":1}`, string(resp.Body))
}

func TestCallMaxResponseSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	c := newTestClient(srv, nil, WithMaxResponseSize(10))
	_, err := c.Get(context.Background(), "/", OpAPICall, nil)
	require.ErrorIs(t, err, ErrTransport)
	assert.EqualValues(t, 1, c.Stats().Attempts)
}

func TestCallbacksAndHooks(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Hook") != "applied" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if attempts.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var (
		successCalled   atomic.Int32
		rateLimitCalled atomic.Int32
		responseHook    atomic.Int32
		errorCalled     atomic.Int32
	)
	c := newTestClient(srv, nil,
		WithRequestHook(func(req *http.Request) { req.Header.Set("X-Hook", "applied") }),
		WithResponseHook(func(resp *http.Response) { responseHook.Add(1) }),
		WithOnSuccess(func(a CallAttempt, resp *http.Response) {
			assert.Equal(t, 2, a.Index)
			assert.Equal(t, 4, a.MaxAttempts)
			successCalled.Add(1)
		}),
		WithOnRateLimited(func(a CallAttempt, wait time.Duration) { rateLimitCalled.Add(1) }),
		WithOnError(func(a CallAttempt, err error) { errorCalled.Add(1) }),
	)

	_, err := c.Get(context.Background(), "/", OpAPICall, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, successCalled.Load())
	assert.EqualValues(t, 1, rateLimitCalled.Load())
	assert.EqualValues(t, 2, responseHook.Load())
	assert.Zero(t, errorCalled.Load())
}

func TestConcurrentCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(srv, validTokens("a1"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background(), "/", OpAPICall, nil); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	s := c.Stats()
	assert.EqualValues(t, 20, s.Calls)
	assert.EqualValues(t, 20, s.Attempts)
	assert.Zero(t, s.Errors)
}

func TestRetryAfterHeaderParsing(t *testing.T) {
	tests := []struct {
		val      string
		expected time.Duration
	}{
		{"5", 5 * time.Second},
		{"0", 0},
		{"1.5", 2 * time.Second}, // ceil
		{"", 60 * time.Second},
		{"garbage", 60 * time.Second},
		{"Wed, 21 Oct 2015 07:28:00 GMT", 60 * time.Second},
		{"-3", 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, parseRetryAfter(tt.val), "parseRetryAfter(%q)", tt.val)
	}
}

func TestProbeAccess(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   AccessLevel
	}{
		{"admin", http.StatusOK, AccessAdmin},
		{"admin without content", http.StatusNoContent, AccessAdmin},
		{"forbidden", http.StatusForbidden, AccessLimited},
		{"server error", http.StatusInternalServerError, AccessUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				assert.Equal(t, "/deviceManagement/managedDevices", r.URL.Path)
				assert.Equal(t, "1", r.URL.Query().Get("$top"))
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := newTestClient(srv, validTokens("a1"))
			level := <-c.StartProbe(context.Background())
			assert.Equal(t, tt.want, level)
			assert.EqualValues(t, 1, attempts.Load(), "the probe never retries")
		})
	}
}

func TestRetryWarningsAreSampled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := newTestClient(srv, nil, WithLogger(logger))

	_, err := c.Get(context.Background(), "/", OpAPICall, nil)
	require.ErrorIs(t, err, ErrServerError)

	out := logs.String()
	assert.Equal(t, 1, strings.Count(out, `level=WARN msg="server error, retrying"`))
	assert.Equal(t, 2, strings.Count(out, `level=DEBUG msg="server error, retrying"`))
}

type ctxKey struct{}

// ctxRecorder remembers the context value seen with each message.
type ctxRecorder struct {
	slog.Handler
	mu   sync.Mutex
	seen map[string]any
}

func (h *ctxRecorder) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	h.seen[r.Message] = ctx.Value(ctxKey{})
	h.mu.Unlock()
	return nil
}

func TestFailureLogCarriesContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	h := &ctxRecorder{
		Handler: slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}),
		seen:    map[string]any{},
	}
	c := newTestClient(srv, nil, WithLogger(slog.New(h)))

	ctx := context.WithValue(context.Background(), ctxKey{}, "job-7")
	_, err := c.Get(ctx, "/", OpAPICall, nil)
	require.ErrorIs(t, err, ErrNotFound)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, "job-7", h.seen["call failed"])
}
