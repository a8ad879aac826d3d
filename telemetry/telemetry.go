// Package telemetry publishes client counters as OpenTelemetry metrics.
package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/embedded"

	"github.com/egorkaBurkenya/reportflow"
)

// ScopeName is the instrumentation scope used by Meter.
const ScopeName = "github.com/egorkaBurkenya/reportflow"

// Meter returns a meter from the global provider.
func Meter() metric.Meter {
	return otel.Meter(ScopeName)
}

type counter struct {
	name, unit, desc string
	value            func(reportflow.Stats) uint64
}

var counters = []counter{
	{"reportflow.client.calls", "{call}", "Logical calls made through the client",
		func(s reportflow.Stats) uint64 { return s.Calls }},
	{"reportflow.client.attempts", "{attempt}", "HTTP attempts, including retries",
		func(s reportflow.Stats) uint64 { return s.Attempts }},
	{"reportflow.client.retries", "{retry}", "Retries after transient failures or throttling",
		func(s reportflow.Stats) uint64 { return s.Retries }},
	{"reportflow.client.errors", "{error}", "Calls that ended in an error",
		func(s reportflow.Stats) uint64 { return s.Errors }},
	{"reportflow.client.rate_limited", "{response}", "429 responses received",
		func(s reportflow.Stats) uint64 { return s.RateLimited }},
	{"reportflow.client.auth_refreshes", "{refresh}", "Token refreshes triggered by 401 responses",
		func(s reportflow.Stats) uint64 { return s.AuthRefreshes }},
}

// Register observes the counters of p on every collection. Unregister the
// returned registration to stop.
func Register(meter metric.Meter, p reportflow.StatsProvider, attrs ...attribute.KeyValue) (metric.Registration, error) {
	instruments := make([]metric.Int64ObservableCounter, len(counters))
	observables := make([]metric.Observable, len(counters))
	var errs []error
	for i, c := range counters {
		inst, err := meter.Int64ObservableCounter(c.name, metric.WithUnit(c.unit), metric.WithDescription(c.desc))
		errs = append(errs, err)
		instruments[i], observables[i] = inst, inst
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	opt := metric.WithAttributes(attrs...)
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := p.Stats()
		for i, c := range counters {
			o.ObserveInt64(instruments[i], int64(c.value(s)), opt)
		}
		return nil
	}, observables...)
}

// RegisterClient registers the client counters plus the throttle window of
// its rate limiter and the token refresh count.
func RegisterClient(meter metric.Meter, c *reportflow.Client, attrs ...attribute.KeyValue) (metric.Registration, error) {
	stats, err := Register(meter, c, attrs...)
	if err != nil {
		return nil, err
	}

	throttle, err1 := meter.Float64ObservableGauge("reportflow.limiter.throttle_remaining",
		metric.WithUnit("s"), metric.WithDescription("Time left in the current throttle window"))
	refreshes, err2 := meter.Int64ObservableCounter("reportflow.token.refreshes",
		metric.WithUnit("{refresh}"), metric.WithDescription("Completed token refreshes"))
	if err := errors.Join(err1, err2); err != nil {
		_ = stats.Unregister()
		return nil, err
	}

	opt := metric.WithAttributes(attrs...)
	extra, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		remaining := time.Until(c.Limiter().ThrottledUntil())
		o.ObserveFloat64(throttle, max(remaining, 0).Seconds(), opt)
		if t := c.Tokens(); t != nil {
			o.ObserveInt64(refreshes, int64(t.Refreshes()), opt)
		}
		return nil
	}, throttle, refreshes)
	if err != nil {
		_ = stats.Unregister()
		return nil, err
	}
	return registrations{regs: []metric.Registration{stats, extra}}, nil
}

type registrations struct {
	embedded.Registration
	regs []metric.Registration
}

func (r registrations) Unregister() error {
	var errs []error
	for _, reg := range r.regs {
		errs = append(errs, reg.Unregister())
	}
	return errors.Join(errs...)
}
