// Package config loads the reportflow command configuration from a YAML
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/egorkaBurkenya/reportflow"
	"github.com/egorkaBurkenya/reportflow/direct"
	"github.com/egorkaBurkenya/reportflow/export"
)

// Environment variables that override file values.
const (
	EnvTenantID     = "REPORTFLOW_TENANT_ID"
	EnvClientID     = "REPORTFLOW_CLIENT_ID"
	EnvClientSecret = "REPORTFLOW_CLIENT_SECRET"
	EnvRefreshToken = "REPORTFLOW_REFRESH_TOKEN"
	EnvRedisAddr    = "REPORTFLOW_REDIS_ADDR"
	EnvLogLevel     = "REPORTFLOW_LOG_LEVEL"
)

// Config is the full command configuration.
type Config struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret,omitempty"`
	RefreshToken string `yaml:"refresh_token,omitempty"`
	TokenURL     string `yaml:"token_url,omitempty"`
	Scope        string `yaml:"scope,omitempty"`

	BaseURL   string `yaml:"base_url"`
	V1BaseURL string `yaml:"v1_base_url"`
	LogLevel  string `yaml:"log_level"`

	RateLimit RateLimit                `yaml:"rate_limit"`
	Retry     Retry                    `yaml:"retry"`
	Timeouts  map[string]time.Duration `yaml:"timeouts,omitempty"`
	Learner   Learner                  `yaml:"learner"`
	Catalog   export.Catalog           `yaml:"catalog,omitempty"`
}

// RateLimit holds the client-side request quotas.
type RateLimit struct {
	PerSecond int `yaml:"per_second"`
	PerMinute int `yaml:"per_minute"`
}

// Retry holds the retry budget and backoff bounds.
type Retry struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// Learner configures the learned-correction store. With RedisAddr set the
// store is shared through Redis.
type Learner struct {
	MaxEntries    int           `yaml:"max_entries"`
	TTL           time.Duration `yaml:"ttl,omitempty"`
	RedisAddr     string        `yaml:"redis_addr,omitempty"`
	RedisPassword string        `yaml:"redis_password,omitempty"`
	RedisDB       int           `yaml:"redis_db,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	b := reportflow.DefaultBackoff()
	return &Config{
		BaseURL:   direct.DefaultBaseURLs[direct.Beta],
		V1BaseURL: direct.DefaultBaseURLs[direct.V1],
		LogLevel:  "info",
		RateLimit: RateLimit{PerSecond: reportflow.DefaultPerSecond, PerMinute: reportflow.DefaultPerMinute},
		Retry:     Retry{MaxRetries: 3, BaseDelay: b.Base, MaxDelay: b.Max},
		Learner:   Learner{MaxEntries: 512},
	}
}

// Load reads the file at path, if any, over the defaults and then applies
// environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		cfg.applyEnv()
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	defer func() { _ = f.Close() }()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	for env, dst := range map[string]*string{
		EnvTenantID:     &c.TenantID,
		EnvClientID:     &c.ClientID,
		EnvClientSecret: &c.ClientSecret,
		EnvRefreshToken: &c.RefreshToken,
		EnvRedisAddr:    &c.Learner.RedisAddr,
		EnvLogLevel:     &c.LogLevel,
	} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			*dst = v
		}
	}
}

var operations = []reportflow.Operation{
	reportflow.OpAuthentication,
	reportflow.OpTokenRefresh,
	reportflow.OpAPICall,
	reportflow.OpJobCreation,
	reportflow.OpJobStatus,
	reportflow.OpDownload,
	reportflow.OpLargeExport,
}

// Validate reports every missing or invalid field.
func (c *Config) Validate() error {
	var errs []error
	if c.TenantID == "" {
		errs = append(errs, errors.New("tenant_id is required"))
	}
	if c.ClientID == "" {
		errs = append(errs, errors.New("client_id is required"))
	}
	if c.RefreshToken == "" {
		errs = append(errs, fmt.Errorf("refresh_token is required (or set %s)", EnvRefreshToken))
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.PerMinute <= 0 {
		errs = append(errs, errors.New("rate_limit quotas must be positive"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must not be negative"))
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry delays must satisfy 0 < base_delay <= max_delay"))
	}
	for name, d := range c.Timeouts {
		if !isOperation(name) {
			errs = append(errs, fmt.Errorf("timeouts: unknown operation %q", name))
		} else if d <= 0 {
			errs = append(errs, fmt.Errorf("timeouts: %s must be positive", name))
		}
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func isOperation(name string) bool {
	for _, op := range operations {
		if string(op) == name {
			return true
		}
	}
	return false
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// TokenEndpoint returns the OAuth endpoint settings.
func (c *Config) TokenEndpoint() reportflow.TokenEndpoint {
	return reportflow.TokenEndpoint{
		TenantID:     c.TenantID,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Scope:        c.Scope,
		URL:          c.TokenURL,
	}
}

// Backoff returns the configured retry backoff.
func (c *Config) Backoff() reportflow.Backoff {
	return reportflow.Backoff{Base: c.Retry.BaseDelay, Max: c.Retry.MaxDelay}
}

// TimeoutPolicy returns the timeout table with file overrides applied.
func (c *Config) TimeoutPolicy() reportflow.TimeoutPolicy {
	p := reportflow.TimeoutPolicy{}
	if len(c.Timeouts) > 0 {
		p.Base = make(map[reportflow.Operation]time.Duration, len(c.Timeouts))
		for name, d := range c.Timeouts {
			p.Base[reportflow.Operation(name)] = d
		}
	}
	return p
}

// ExportCatalog returns the built-in export catalog merged with the file's
// catalog section.
func (c *Config) ExportCatalog() *export.Catalog {
	cat := export.DefaultCatalog()
	cat.Merge(&c.Catalog)
	return cat
}
