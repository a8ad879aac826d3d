package reportflow

import (
	"context"
	"net/http"
	"net/url"
)

// AccessLevel is the outcome of the capability probe.
type AccessLevel string

const (
	AccessAdmin   AccessLevel = "admin"
	AccessLimited AccessLevel = "limited"
	AccessUnknown AccessLevel = "unknown"
)

const probePath = "/deviceManagement/managedDevices"

// ProbeAccess checks whether the signed-in account can read managed
// devices, which in practice means it can run every Intune report.
// The probe is a single attempt: it never retries.
func (c *Client) ProbeAccess(ctx context.Context) AccessLevel {
	_, err := c.Call(ctx, Request{
		Method:    http.MethodGet,
		URL:       probePath,
		Operation: OpAPICall,
		Query:     url.Values{"$top": {"1"}},
		NoRetry:   true,
	})
	if err == nil {
		c.logger.InfoContext(ctx, "account has administrative access")
		return AccessAdmin
	}

	switch KindOf(err) {
	case KindPermissionDenied, KindNotFound, KindClientError, KindAuthRequired:
		c.logger.WarnContext(ctx, "account has limited access, some reports may be restricted", "error", err)
		return AccessLimited
	}
	c.logger.InfoContext(ctx, "access probe inconclusive", "error", err)
	return AccessUnknown
}

// StartProbe runs ProbeAccess on its own goroutine. The channel receives
// exactly one value and is then closed.
func (c *Client) StartProbe(ctx context.Context) <-chan AccessLevel {
	out := make(chan AccessLevel, 1)
	go func() {
		defer close(out)
		out <- c.ProbeAccess(ctx)
	}()
	return out
}
