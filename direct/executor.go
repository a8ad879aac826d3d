// Package direct fetches reports that are plain collection endpoints with
// a single GET, as opposed to asynchronous export jobs.
package direct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"strings"

	"github.com/egorkaBurkenya/reportflow"
	"github.com/egorkaBurkenya/reportflow/extract"
)

// Request names a catalog report plus caller parameters.
type Request struct {
	Report string
	Params map[string]string
	// PostFilters are applied to the rows in addition to any produced by
	// MergeParams.
	PostFilters map[string]string
}

// Result is the decoded collection.
type Result struct {
	Report Report
	Query  map[string]string
	Table  *extract.Table
	Filter extract.FilterOutcome
	// NextLink is the server's continuation link, if the collection has
	// more pages. It is not followed.
	NextLink string
}

// Outcome is delivered by Start.
type Outcome struct {
	Result *Result
	Err    error
}

// Executor runs direct queries through a client.
type Executor struct {
	client  *reportflow.Client
	catalog Catalog
	bases   map[string]string
	logger  *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithCatalog replaces the built-in catalog.
func WithCatalog(c Catalog) Option {
	return func(e *Executor) { e.catalog = c }
}

// WithBaseURL overrides the base URL of one API version.
func WithBaseURL(version, base string) Option {
	return func(e *Executor) { e.bases[version] = strings.TrimRight(base, "/") }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// New creates an Executor.
func New(client *reportflow.Client, opts ...Option) *Executor {
	e := &Executor{
		client:  client,
		catalog: DefaultCatalog(),
		bases:   maps.Clone(DefaultBaseURLs),
		logger:  slog.Default().With("component", "direct"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Catalog returns the executor's catalog.
func (e *Executor) Catalog() Catalog { return e.catalog }

// Run performs the query. An empty collection is not an error.
func (e *Executor) Run(ctx context.Context, req Request) (*Result, error) {
	r, ok := e.catalog[req.Report]
	if !ok {
		return nil, &reportflow.Error{Kind: reportflow.KindNotFound, Report: req.Report, Message: "unknown direct report"}
	}
	base, ok := e.bases[r.Version]
	if !ok {
		return nil, &reportflow.Error{Kind: reportflow.KindClientError, Report: r.Name,
			Message: fmt.Sprintf("no base URL for API version %q", r.Version)}
	}

	merged := MergeParams(r, req.Params)
	maps.Copy(merged.PostFilters, req.PostFilters)

	query := url.Values{}
	for k, v := range merged.Query {
		query.Set(k, v)
	}
	e.logger.InfoContext(ctx, "direct query", "report", r.Name, "endpoint", r.Endpoint,
		"permission", r.Permission, "query", merged.Query)

	resp, err := e.client.Get(ctx, base+r.Endpoint, reportflow.OpAPICall, query)
	if err != nil {
		return nil, e.wrap(r, err)
	}

	p, err := decodePage(resp.Body)
	if err != nil {
		return nil, &reportflow.Error{Kind: reportflow.KindExtraction, Report: r.Name, Err: err}
	}
	if !p.hasValue {
		return nil, &reportflow.Error{Kind: reportflow.KindExtraction, Report: r.Name,
			Message: "response has no value array"}
	}
	if t, ok := transforms[r.Name]; ok {
		t(p.table)
	}

	res := &Result{Report: r, Query: merged.Query, NextLink: p.nextLink}
	res.Table, res.Filter = extract.ApplyFilters(e.logger, r.Name, p.table,
		extract.PredicatesFor(merged.PostFilters))

	if p.nextLink != "" {
		e.logger.DebugContext(ctx, "collection has more pages", "report", r.Name)
	}
	e.logger.InfoContext(ctx, "direct query finished", "report", r.Name,
		"rows", res.Table.Len(), "columns", len(res.Table.Columns))
	return res, nil
}

// Start runs the query on its own goroutine.
func (e *Executor) Start(ctx context.Context, req Request) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		defer close(ch)
		res, err := e.Run(ctx, req)
		ch <- Outcome{Result: res, Err: err}
	}()
	return ch
}

// wrap attaches the report, and the required permission on a 403.
func (e *Executor) wrap(r Report, err error) error {
	var apiErr *reportflow.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	out := *apiErr
	out.Report = r.Name
	if out.Kind == reportflow.KindPermissionDenied && r.Permission != "" {
		msg := "requires " + r.Permission
		if out.Message != "" {
			msg = out.Message + ": " + msg
		}
		out.Message = msg
	}
	return &out
}
