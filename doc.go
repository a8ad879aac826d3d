// Package reportflow is the resilient core for pulling Intune reports out of
// Microsoft Graph: a sliding-window rate limiter, an OAuth token manager, a
// per-operation timeout policy and a Client that composes them into one
// retrying "call an endpoint" primitive.
//
// It adds, on top of net/http:
//   - Per-second and per-minute quotas with a shared throttle window on 429
//   - Token refresh before expiry and once on 401, coalesced across goroutines
//   - Exponential backoff with 10-30% additive jitter
//   - Typed errors (see Kind) that callers can match with errors.Is
//   - Atomic stats for external collectors
//
// Export jobs, direct queries, parameter learning and payload extraction
// live in the export, direct, learn and extract subpackages.
//
//	tokens := reportflow.NewTokenManager(reportflow.TokenEndpoint{
//	    TenantID: tenant,
//	    ClientID: clientID,
//	})
//	tokens.Set(reportflow.Credential{RefreshToken: refresh})
//
//	client := reportflow.New(tokens,
//	    reportflow.WithRateLimiter(reportflow.NewRateLimiter(10, 600)),
//	    reportflow.WithRetry(3),
//	)
//	resp, err := client.Get(ctx, "/deviceManagement/managedDevices", reportflow.OpAPICall, nil)
package reportflow
