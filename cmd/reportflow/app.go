package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/egorkaBurkenya/reportflow"
	"github.com/egorkaBurkenya/reportflow/direct"
	"github.com/egorkaBurkenya/reportflow/export"
	"github.com/egorkaBurkenya/reportflow/internal/config"
	"github.com/egorkaBurkenya/reportflow/learn"
	"github.com/egorkaBurkenya/reportflow/telemetry"
)

// app is the wired component graph for one command invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	tokens  *reportflow.TokenManager
	client  *reportflow.Client
	learner *learn.Learner
	closers []func() error
}

func newApp(ctx context.Context, configPath string, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	limiter := reportflow.NewRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.PerMinute).
		WithLogger(logger.With("component", "limiter"))
	tokens := reportflow.NewTokenManager(cfg.TokenEndpoint(),
		reportflow.WithTokenLimiter(limiter),
		reportflow.WithTokenBackoff(cfg.Backoff()),
		reportflow.WithTokenLogger(logger.With("component", "tokens")),
	)
	tokens.Set(reportflow.Credential{RefreshToken: cfg.RefreshToken})

	client := reportflow.New(tokens,
		reportflow.WithBaseURL(cfg.BaseURL),
		reportflow.WithRateLimiter(limiter),
		reportflow.WithRetry(cfg.Retry.MaxRetries),
		reportflow.WithBackoff(cfg.Backoff()),
		reportflow.WithTimeoutPolicy(cfg.TimeoutPolicy()),
		reportflow.WithLogger(logger.With("component", "client")),
	)

	a := &app{cfg: cfg, logger: logger, tokens: tokens, client: client}

	reg, err := telemetry.RegisterClient(telemetry.Meter(), client, attribute.String("tenant", cfg.TenantID))
	if err != nil {
		logger.Warn("metrics disabled", "error", err)
	} else {
		a.closers = append(a.closers, reg.Unregister)
	}

	var store learn.Store
	if cfg.Learner.RedisAddr != "" {
		rs, err := learn.DialRedis(ctx, cfg.Learner.RedisAddr, cfg.Learner.RedisPassword, cfg.Learner.RedisDB, cfg.Learner.TTL)
		if err != nil {
			logger.Warn("redis unavailable, learning in memory only", "addr", cfg.Learner.RedisAddr, "error", err)
		} else {
			store = rs
			a.closers = append(a.closers, rs.Close)
		}
	}
	if store == nil {
		store = learn.NewMemoryStore(learn.WithMaxEntries(cfg.Learner.MaxEntries), learn.WithTTL(cfg.Learner.TTL))
	}
	a.learner = learn.New(store, learn.WithLogger(logger.With("component", "learner")))
	return a, nil
}

func (a *app) exporter() *export.Orchestrator {
	return export.New(a.client,
		export.WithLearner(a.learner),
		export.WithCatalog(a.cfg.ExportCatalog()),
		export.WithLogger(a.logger.With("component", "export")),
	)
}

func (a *app) executor() *direct.Executor {
	return direct.New(a.client,
		direct.WithBaseURL(direct.Beta, a.cfg.BaseURL),
		direct.WithBaseURL(direct.V1, a.cfg.V1BaseURL),
		direct.WithLogger(a.logger.With("component", "direct")),
	)
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Debug("close failed", "error", err)
		}
	}
}
