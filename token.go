package reportflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	// ExpiryBuffer is how long before expiry a token counts as expiring soon.
	ExpiryBuffer = 5 * time.Minute

	defaultExpiresIn     = 3600 * time.Second
	defaultRefreshTries  = 3
	defaultGraphScope    = "https://graph.microsoft.com/.default"
	microsoftTokenFormat = "https://login.microsoftonline.com/%s/oauth2/v2.0/token" //nolint:gosec // G101: public endpoint
)

// TokenState is the lifecycle state of the held credential.
type TokenState int

const (
	Unauthenticated TokenState = iota
	Valid
	ExpiringSoon
	Expired
)

func (s TokenState) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Valid:
		return "valid"
	case ExpiringSoon:
		return "expiring_soon"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// Credential is an access/refresh token pair with its lifetime.
// A zero ExpiresAt means the token carries no expiry and is treated as valid.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// TokenEndpoint identifies the OAuth application and the token URL.
type TokenEndpoint struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// Scope defaults to the Graph .default scope.
	Scope string
	// URL overrides the Microsoft identity platform token URL.
	URL string
}

func (e TokenEndpoint) tokenURL() string {
	if e.URL != "" {
		return e.URL
	}
	return fmt.Sprintf(microsoftTokenFormat, e.TenantID)
}

func (e TokenEndpoint) scope() string {
	if e.Scope != "" {
		return e.Scope
	}
	return defaultGraphScope
}

// terminalGrantErrors end a refresh immediately and clear the credential.
var terminalGrantErrors = map[string]bool{
	"invalid_grant": true,
	"expired_token": true,
}

// TokenManager owns the credential and keeps it fresh. Refreshes are
// single-writer: concurrent callers share one in-flight refresh.
type TokenManager struct {
	endpoint   TokenEndpoint
	httpClient *http.Client
	limiter    *RateLimiter
	backoff    Backoff
	timeouts   TimeoutPolicy
	maxTries   int
	logger     *slog.Logger
	now        func() time.Time

	mu   sync.RWMutex
	cred *Credential

	group     singleflight.Group
	refreshes uint64
}

// TokenOption configures a TokenManager.
type TokenOption func(*TokenManager)

// WithTokenHTTPClient sets the client used for the token endpoint.
func WithTokenHTTPClient(hc *http.Client) TokenOption {
	return func(m *TokenManager) { m.httpClient = hc }
}

// WithTokenLimiter shares a RateLimiter with the token endpoint so a 429
// from it throttles every caller.
func WithTokenLimiter(l *RateLimiter) TokenOption {
	return func(m *TokenManager) { m.limiter = l }
}

// WithTokenBackoff sets the refresh retry backoff.
func WithTokenBackoff(b Backoff) TokenOption {
	return func(m *TokenManager) { m.backoff = b }
}

// WithTokenLogger sets the logger.
func WithTokenLogger(logger *slog.Logger) TokenOption {
	return func(m *TokenManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTokenClock overrides the clock, for tests.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(m *TokenManager) { m.now = now }
}

// NewTokenManager creates a manager with no credential.
func NewTokenManager(endpoint TokenEndpoint, opts ...TokenOption) *TokenManager {
	m := &TokenManager{
		endpoint: endpoint,
		backoff:  DefaultBackoff(),
		maxTries: defaultRefreshTries,
		logger:   slog.Default().With("component", "tokens"),
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Transport: NewTransport()}
	}
	return m
}

// Set installs a credential obtained elsewhere (for example a stored
// refresh token). A zero IssuedAt is stamped with the current time.
func (m *TokenManager) Set(c Credential) {
	if c.IssuedAt.IsZero() {
		c.IssuedAt = m.now()
	}
	m.mu.Lock()
	m.cred = &c
	m.mu.Unlock()
}

// Clear drops the credential (logout).
func (m *TokenManager) Clear() {
	m.mu.Lock()
	m.cred = nil
	m.mu.Unlock()
}

// Snapshot returns a copy of the credential and whether one is held.
func (m *TokenManager) Snapshot() (Credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cred == nil {
		return Credential{}, false
	}
	return *m.cred, true
}

// AccessToken returns the current access token, or "" when unauthenticated.
func (m *TokenManager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cred == nil {
		return ""
	}
	return m.cred.AccessToken
}

// Refreshes returns how many refresh calls have completed successfully.
func (m *TokenManager) Refreshes() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refreshes
}

// State reports the credential's lifecycle state at the current time.
func (m *TokenManager) State() TokenState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateAt(m.now())
}

func (m *TokenManager) stateAt(now time.Time) TokenState {
	if m.cred == nil {
		return Unauthenticated
	}
	if m.cred.AccessToken == "" {
		// A bare refresh token must be redeemed before first use.
		if m.cred.RefreshToken != "" {
			return Expired
		}
		return Unauthenticated
	}
	exp := m.cred.ExpiresAt
	switch {
	case exp.IsZero():
		return Valid
	case !now.Before(exp):
		return Expired
	case !now.Add(ExpiryBuffer).Before(exp):
		return ExpiringSoon
	}
	return Valid
}

// EnsureFresh refreshes the token when it is expiring soon or expired.
// It returns ErrAuthRequired when no usable credential remains. If the
// token is only expiring soon and the refresh fails transiently, the
// current token stays in use and no error is returned.
func (m *TokenManager) EnsureFresh(ctx context.Context) (TokenState, error) {
	state := m.State()
	switch state {
	case Unauthenticated:
		return state, &Error{Kind: KindAuthRequired, Message: "no credential"}
	case Valid:
		return state, nil
	}

	m.logger.InfoContext(ctx, "access token needs refresh", "state", state.String())
	// Another caller may have refreshed while this one was queued.
	_, err := m.flight(ctx, func() bool { return m.State() == Valid })
	if err == nil {
		return m.State(), nil
	}
	if ctx.Err() != nil {
		return m.State(), ctx.Err()
	}
	after := m.State()
	if after == Unauthenticated {
		return after, err
	}
	if state == ExpiringSoon && after == ExpiringSoon {
		m.logger.WarnContext(ctx, "refresh failed, continuing with current token", "error", err)
		return after, nil
	}
	return after, err
}

// Refresh exchanges the refresh token for a new access token. Concurrent
// calls share one request.
func (m *TokenManager) Refresh(ctx context.Context) error {
	_, err := m.flight(ctx, nil)
	return err
}

// RefreshIfStale refreshes only if the held token is still the one that
// the server rejected; another worker may already have rotated it.
// refreshed is true only for the call whose request reached the token
// endpoint.
func (m *TokenManager) RefreshIfStale(ctx context.Context, rejected string) (refreshed bool, err error) {
	stale := func() bool {
		cur := m.AccessToken()
		return cur == "" || cur == rejected
	}
	if !stale() {
		return false, nil
	}
	return m.flight(ctx, func() bool { return !stale() })
}

// flight runs one refresh shared by every concurrent caller. The request
// is detached from the caller that started it and bounded by
// refreshBudget, so one caller's cancellation never fails the others;
// each caller stops waiting when its own ctx ends. skip, if set, is
// checked inside the flight.
func (m *TokenManager) flight(ctx context.Context, skip func() bool) (bool, error) {
	var led atomic.Bool
	ch := m.group.DoChan("refresh", func() (any, error) {
		led.Store(true)
		if skip != nil && skip() {
			return false, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshBudget())
		defer cancel()
		return true, m.refresh(fctx)
	})
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-ch:
		ran, _ := res.Val.(bool)
		return ran && led.Load(), res.Err
	}
}

// refreshBudget bounds a whole refresh: every attempt at the token
// refresh timeout plus the longest wait between attempts.
func (m *TokenManager) refreshBudget() time.Duration {
	per := m.timeouts.Timeout(OpTokenRefresh, 0) + max(m.backoff.Max, defaultRetryAfter)
	return per * time.Duration(m.maxTries)
}

func (m *TokenManager) refresh(ctx context.Context) error {
	cred, ok := m.Snapshot()
	if !ok || cred.RefreshToken == "" {
		return &Error{Kind: KindAuthRequired, Message: "no refresh token available"}
	}

	form := url.Values{
		"client_id":     {m.endpoint.ClientID},
		"scope":         {m.endpoint.scope()},
		"refresh_token": {cred.RefreshToken},
		"grant_type":    {"refresh_token"},
	}
	if m.endpoint.ClientSecret != "" {
		form.Set("client_secret", m.endpoint.ClientSecret)
	}

	var lastErr error
	for attempt := 0; attempt < m.maxTries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, m.backoff.Delay(attempt-1)); err != nil {
				return err
			}
		}
		if m.limiter != nil {
			if err := m.limiter.Acquire(ctx); err != nil {
				return err
			}
		}

		tok, status, body, err := m.postForm(ctx, OpTokenRefresh, form)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = &Error{Kind: KindTransport, Method: http.MethodPost, URL: m.endpoint.tokenURL(), Err: err}
			m.logger.WarnContext(ctx, "token refresh transport error", "attempt", attempt+1, "error", err)
			continue

		case status == http.StatusOK:
			m.store(tok)
			m.logger.InfoContext(ctx, "access token refreshed", "expires_in", tok.expiresIn().String())
			return nil

		case status == http.StatusBadRequest:
			apiErr := ParseAPIError(body)
			if terminalGrantErrors[apiErr.Code] {
				m.Clear()
				m.logger.ErrorContext(ctx, "refresh token rejected, re-authentication required", "code", apiErr.Code)
				return &Error{Kind: KindAuthRequired, StatusCode: status, Code: apiErr.Code, Message: apiErr.Message}
			}
			lastErr = &Error{Kind: KindClientError, StatusCode: status, Code: apiErr.Code, Message: apiErr.Message}

		case status == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(tok.retryAfter)
			wait := retryAfter
			if m.limiter != nil {
				wait = m.limiter.NotifyThrottled(retryAfter)
			}
			lastErr = &Error{Kind: KindRateLimited, StatusCode: status}
			m.logger.WarnContext(ctx, "token refresh rate limited", "wait", wait)
			if m.limiter == nil {
				if err := sleep(ctx, wait); err != nil {
					return err
				}
			}
			continue

		case status >= 500:
			lastErr = &Error{Kind: KindServerError, StatusCode: status, Body: body}

		default:
			apiErr := ParseAPIError(body)
			return &Error{Kind: KindAuthRequired, StatusCode: status, Code: apiErr.Code, Message: apiErr.Message}
		}
		m.logger.WarnContext(ctx, "token refresh failed", "attempt", attempt+1, "status", status)
	}
	return fmt.Errorf("token refresh failed after %d attempts: %w", m.maxTries, lastErr)
}

// Exchange redeems an authorization code for a credential.
func (m *TokenManager) Exchange(ctx context.Context, code, redirectURI string) error {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"client_id":    {m.endpoint.ClientID},
		"code":         {code},
		"redirect_uri": {redirectURI},
		"scope":        {m.endpoint.scope()},
	}
	if m.endpoint.ClientSecret != "" {
		form.Set("client_secret", m.endpoint.ClientSecret)
	}
	if m.limiter != nil {
		if err := m.limiter.Acquire(ctx); err != nil {
			return err
		}
	}
	tok, status, body, err := m.postForm(ctx, OpAuthentication, form)
	if err != nil {
		return &Error{Kind: KindTransport, Method: http.MethodPost, URL: m.endpoint.tokenURL(), Err: err}
	}
	if status != http.StatusOK {
		apiErr := ParseAPIError(body)
		return &Error{Kind: KindAuthRequired, StatusCode: status, Code: apiErr.Code, Message: apiErr.Message}
	}
	m.store(tok)
	return nil
}

type tokenResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresIn    json.RawMessage `json:"expires_in"`

	retryAfter string
}

// expiresIn accepts both numeric and string encodings of expires_in.
func (t tokenResponse) expiresIn() time.Duration {
	raw := strings.Trim(string(t.ExpiresIn), `"`)
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultExpiresIn
}

func (m *TokenManager) postForm(ctx context.Context, op Operation, form url.Values) (tokenResponse, int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeouts.Timeout(op, 0))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint.tokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return tokenResponse{}, 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return tokenResponse{}, 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return tokenResponse{}, resp.StatusCode, nil, err
	}

	var tok tokenResponse
	tok.retryAfter = resp.Header.Get("Retry-After")
	if resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(body, &tok); err != nil {
			return tok, resp.StatusCode, body, fmt.Errorf("decode token response: %w", err)
		}
		if tok.AccessToken == "" {
			return tok, resp.StatusCode, body, errors.New("token response has no access_token")
		}
	}
	return tok, resp.StatusCode, body, nil
}

// store installs a token response. The refresh token is replaced only if
// the server sent a new one.
func (m *TokenManager) store(tok tokenResponse) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	next := Credential{
		AccessToken: tok.AccessToken,
		IssuedAt:    now,
		ExpiresAt:   now.Add(tok.expiresIn()),
	}
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	} else if m.cred != nil {
		next.RefreshToken = m.cred.RefreshToken
	}
	m.cred = &next
	m.refreshes++
}

// TokenClaims is the diagnostic subset of the access token's payload.
type TokenClaims struct {
	Scopes   []string
	Roles    []string
	Audience []string
	AppID    string
	Subject  string
}

// Claims decodes the access token's JWT payload without verifying the
// signature. It is for permission diagnostics only.
func (m *TokenManager) Claims() (TokenClaims, error) {
	raw := m.AccessToken()
	if raw == "" {
		return TokenClaims{}, &Error{Kind: KindAuthRequired, Message: "no credential"}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return TokenClaims{}, fmt.Errorf("decode access token: %w", err)
	}

	out := TokenClaims{}
	if scp, ok := claims["scp"].(string); ok {
		out.Scopes = strings.Fields(scp)
	}
	if roles, ok := claims["roles"].([]any); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				out.Roles = append(out.Roles, s)
			}
		}
	}
	if aud, err := claims.GetAudience(); err == nil {
		out.Audience = aud
	}
	if sub, err := claims.GetSubject(); err == nil {
		out.Subject = sub
	}
	if appid, ok := claims["appid"].(string); ok {
		out.AppID = appid
	}
	return out, nil
}
