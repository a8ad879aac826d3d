// Package learn records parameter corrections derived from failed export
// submissions and replays them on later requests for the same report.
package learn

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/egorkaBurkenya/reportflow"
)

// Kind is the kind of a learned correction.
type Kind string

const (
	// RemoveFilter drops the filter parameter and keeps everything else.
	RemoveFilter Kind = "remove_filter"
	// MinimalParams drops every parameter except the base fields.
	MinimalParams Kind = "minimal_params"
	AddDateRange  Kind = "add_date_range"
	AddFilter     Kind = "add_filter"
)

// Correction is a parameter patch learned for one report.
type Correction struct {
	Report    string            `json:"report"`
	Kinds     []Kind            `json:"kinds"`
	Set       map[string]string `json:"set,omitempty"`
	Rule      string            `json:"rule,omitempty"`
	LearnedAt time.Time         `json:"learned_at"`
}

// Has reports whether the correction includes kind k.
func (c Correction) Has(k Kind) bool {
	return slices.Contains(c.Kinds, k)
}

// Prune applies the correction's removals to params. Keys listed in keep
// survive MinimalParams.
func (c Correction) Prune(params map[string]any, keep ...string) {
	if c.Has(MinimalParams) {
		maps.DeleteFunc(params, func(k string, _ any) bool {
			return !slices.Contains(keep, k)
		})
	}
	if c.Has(RemoveFilter) {
		delete(params, "filter")
	}
}

// Store persists corrections keyed by report.
type Store interface {
	Get(ctx context.Context, report string) (Correction, bool, error)
	Put(ctx context.Context, c Correction) error
	Delete(ctx context.Context, report string) error
}

// Learner classifies parameter errors and records the resulting
// corrections. Safe for concurrent use; the last writer wins.
type Learner struct {
	store  Store
	rules  []Rule
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Learner.
type Option func(*Learner)

// WithRules replaces the rule set.
func WithRules(rules []Rule) Option {
	return func(l *Learner) { l.rules = rules }
}

// WithClock overrides the clock used for dates and timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Learner) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Learner) { l.logger = logger }
}

// New creates a Learner. A nil store gets a default MemoryStore.
func New(store Store, opts ...Option) *Learner {
	if store == nil {
		store = NewMemoryStore()
	}
	l := &Learner{
		store:  store,
		rules:  DefaultRules,
		now:    time.Now,
		logger: slog.Default().With("component", "learner"),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Classify runs the rules against msg without recording anything.
func (l *Learner) Classify(report, msg string) (Correction, bool) {
	norm := strings.ToLower(strings.TrimSpace(msg))
	if norm == "" {
		return Correction{}, false
	}
	now := l.now()
	for _, r := range l.rules {
		if !r.Match(norm) {
			continue
		}
		c := r.Correct(report, now)
		c.Report = report
		c.Rule = r.Name
		c.LearnedAt = now
		return c, true
	}
	return Correction{}, false
}

// ClassifyAndRecord derives a correction from an error response body and
// stores it. It returns nil when the error is not learnable.
func (l *Learner) ClassifyAndRecord(ctx context.Context, report string, body []byte) (*Correction, error) {
	msg := reportflow.ParseAPIError(body).Message
	if msg == "" {
		msg = string(body)
	}
	c, ok := l.Classify(report, msg)
	if !ok {
		l.logger.DebugContext(ctx, "error not learnable", "report", report)
		return nil, nil
	}
	if err := l.store.Put(ctx, c); err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "learned parameter correction",
		"report", report, "rule", c.Rule, "kinds", c.Kinds, "set", slices.Sorted(maps.Keys(c.Set)))
	return &c, nil
}

// Lookup returns the correction recorded for report, if any. A store
// failure is logged and treated as a miss so that requests still go out.
func (l *Learner) Lookup(ctx context.Context, report string) (Correction, bool) {
	c, ok, err := l.store.Get(ctx, report)
	if err != nil {
		l.logger.WarnContext(ctx, "correction lookup failed", "report", report, "error", err)
		return Correction{}, false
	}
	return c, ok
}

// Forget drops the correction for report.
func (l *Learner) Forget(ctx context.Context, report string) error {
	return l.store.Delete(ctx, report)
}
