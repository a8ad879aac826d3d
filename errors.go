package reportflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure surfaced by the client or the orchestration layer.
type Kind string

const (
	KindAuthRequired     Kind = "auth_required"
	KindPermissionDenied Kind = "permission_denied"
	KindNotFound         Kind = "not_found"
	KindRateLimited      Kind = "rate_limited"
	KindServerError      Kind = "server_error"
	KindTransport        Kind = "transport_error"
	KindClientError      Kind = "client_error"
	KindParameter        Kind = "parameter_error"
	KindJobFailed        Kind = "job_failed"
	KindJobTimedOut      Kind = "job_timed_out"
	KindExtraction       Kind = "extraction_error"
)

// Sentinels for errors.Is. Any *Error of the same Kind matches.
var (
	ErrAuthRequired     = &Error{Kind: KindAuthRequired}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrRateLimited      = &Error{Kind: KindRateLimited}
	ErrServerError      = &Error{Kind: KindServerError}
	ErrTransport        = &Error{Kind: KindTransport}
	ErrClientError      = &Error{Kind: KindClientError}
	ErrParameter        = &Error{Kind: KindParameter}
	ErrJobFailed        = &Error{Kind: KindJobFailed}
	ErrJobTimedOut      = &Error{Kind: KindJobTimedOut}
	ErrExtraction       = &Error{Kind: KindExtraction}
)

// Error is the typed error returned by every package in this module.
// It carries enough context to render a message upstream.
type Error struct {
	Kind       Kind
	StatusCode int
	Method     string
	URL        string
	Report     string

	// Code and Message come from the service's error body when present.
	Code    string
	Message string
	Body    []byte

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("reportflow: ")
	b.WriteString(string(e.Kind))
	if e.Report != "" {
		fmt.Fprintf(&b, " (report %s)", e.Report)
	}
	if e.Method != "" || e.URL != "" {
		fmt.Fprintf(&b, " on %s %s", e.Method, e.URL)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.StatusCode)
	}
	switch {
	case e.Code != "" && e.Message != "":
		fmt.Fprintf(&b, ": %s: %s", e.Code, e.Message)
	case e.Message != "":
		fmt.Fprintf(&b, ": %s", e.Message)
	case e.Code != "":
		fmt.Fprintf(&b, ": %s", e.Code)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by Kind so callers can write errors.Is(err, ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.StatusCode == 0 && t.Err == nil
}

// Retryable reports whether the failure class is transient.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindServerError, KindTransport:
		return true
	}
	return false
}

// Hint returns short user-facing guidance for the failure class.
func (e *Error) Hint() string {
	switch e.Kind {
	case KindAuthRequired:
		return "session expired or invalid: sign in again"
	case KindPermissionDenied:
		return "the account lacks the Graph permission required for this report"
	case KindNotFound:
		return "the report or endpoint is not available in this tenant"
	case KindRateLimited:
		return "too many requests: wait a minute and try again"
	case KindServerError:
		return "the service is having problems: retry in a few minutes"
	case KindTransport:
		return "could not reach the service: check connectivity"
	case KindParameter, KindClientError:
		return "the request parameters were rejected by the service"
	case KindJobFailed:
		return "the export job failed on the server"
	case KindJobTimedOut:
		return "the export job did not finish in time: resume polling or try later"
	case KindExtraction:
		return "the downloaded report could not be read"
	}
	return ""
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// HintOf returns the user-facing hint for err, or "".
func HintOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Hint()
	}
	return ""
}

// APIError is the service's error envelope. Both the Graph shape
// {"error":{"code","message"}} and the OAuth shape
// {"error":"invalid_grant","error_description":"..."} decode into it.
type APIError struct {
	Code    string
	Message string
}

// ParseAPIError decodes an error body. It never fails: a body that is not
// a recognised envelope yields its trimmed text as Message.
func ParseAPIError(body []byte) APIError {
	var raw struct {
		Error            json.RawMessage `json:"error"`
		ErrorDescription string          `json:"error_description"`
		Message          string          `json:"message"`
	}
	if err := json.Unmarshal(body, &raw); err != nil || len(raw.Error) == 0 {
		if raw.Message != "" {
			return APIError{Message: raw.Message}
		}
		return APIError{Message: truncate(strings.TrimSpace(string(body)), 300)}
	}

	var nested struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw.Error, &nested); err == nil {
		return APIError{Code: nested.Code, Message: nested.Message}
	}

	var code string
	if err := json.Unmarshal(raw.Error, &code); err == nil {
		return APIError{Code: code, Message: raw.ErrorDescription}
	}
	return APIError{Message: truncate(strings.TrimSpace(string(body)), 300)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
