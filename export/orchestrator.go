// Package export drives asynchronous report exports: build the request,
// submit the job, poll until it settles, download and extract the file.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/egorkaBurkenya/reportflow"
	"github.com/egorkaBurkenya/reportflow/extract"
	"github.com/egorkaBurkenya/reportflow/learn"
)

// DefaultEndpoint is the export jobs collection, relative to the client's
// base URL.
const DefaultEndpoint = "/deviceManagement/reports/exportJobs"

const notFlighted = "ReportTypeNotFlighted"

// Request describes one export.
type Request struct {
	Report string
	// Params override every other parameter source.
	Params map[string]any
	// PostFilters are applied to the extracted table (deviceId, policyId,
	// userId, applicationId).
	PostFilters map[string]string
}

// Result is a finished export.
type Result struct {
	Job    *Job
	Table  *extract.Table
	Filter extract.FilterOutcome
}

// Outcome is delivered by Start.
type Outcome struct {
	Result *Result
	Err    error
}

// Orchestrator runs export jobs through a client. Jobs are independent;
// one Orchestrator may run many concurrently.
type Orchestrator struct {
	client    *reportflow.Client
	learner   *learn.Learner
	catalog   *Catalog
	extractor *extract.Extractor
	endpoint  string
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLearner enables learning from rejected submissions.
func WithLearner(l *learn.Learner) Option {
	return func(o *Orchestrator) { o.learner = l }
}

// WithCatalog replaces the built-in catalog.
func WithCatalog(c *Catalog) Option {
	return func(o *Orchestrator) { o.catalog = c }
}

// WithEndpoint overrides the export jobs endpoint.
func WithEndpoint(endpoint string) Option {
	return func(o *Orchestrator) { o.endpoint = strings.TrimRight(endpoint, "/") }
}

// WithExtractor sets the content extractor.
func WithExtractor(e *extract.Extractor) Option {
	return func(o *Orchestrator) { o.extractor = e }
}

// WithClock overrides the clock used for dates and wait accounting.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep overrides the wait between polls.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// New creates an Orchestrator.
func New(client *reportflow.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:   client,
		catalog:  DefaultCatalog(),
		endpoint: DefaultEndpoint,
		now:      time.Now,
		sleep:    reportflow.Sleep,
		logger:   slog.Default().With("component", "export"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.extractor == nil {
		o.extractor = extract.New(o.logger)
	}
	return o
}

// Catalog returns the orchestrator's catalog.
func (o *Orchestrator) Catalog() *Catalog { return o.catalog }

// Build layers the parameters for report: base fields, then static or
// smart defaults, then the learned correction, then overrides. Learned
// removals are applied last.
func (o *Orchestrator) Build(ctx context.Context, report string, overrides map[string]any) map[string]any {
	var (
		c       learn.Correction
		learned bool
	)
	if o.learner != nil {
		c, learned = o.learner.Lookup(ctx, report)
	}
	return o.build(ctx, report, overrides, c, learned)
}

func (o *Orchestrator) build(ctx context.Context, report string, overrides map[string]any, c learn.Correction, learned bool) map[string]any {
	params := BaseParams(report)
	defaults, source := o.catalog.Defaults(report, o.now())
	maps.Copy(params, defaults)
	if learned {
		for k, v := range c.Set {
			params[k] = v
		}
	}
	maps.Copy(params, overrides)
	if learned {
		c.Prune(params, baseKeys...)
	}
	params["reportName"] = report

	o.logger.DebugContext(ctx, "export parameters built",
		"report", report, "defaults", source, "learned", learned, "params", len(params))
	return params
}

// Run performs a full export. When a job was created the returned Result
// is non-nil even on error, so a timed out job can be resumed.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	job, err := o.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	res := &Result{Job: job}
	if err := o.wait(ctx, job); err != nil {
		return res, err
	}
	return o.fetch(ctx, job)
}

// Start runs the export on its own goroutine.
func (o *Orchestrator) Start(ctx context.Context, req Request) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		defer close(ch)
		res, err := o.Run(ctx, req)
		ch <- Outcome{Result: res, Err: err}
	}()
	return ch
}

// Resume continues polling a timed out job for up to extraWait more, then
// downloads it if it completes.
func (o *Orchestrator) Resume(ctx context.Context, job *Job, extraWait time.Duration) (*Result, error) {
	if err := o.transition(ctx, job, StatePolling); err != nil {
		return nil, err
	}
	job.MaxWait = job.Waited + extraWait
	res := &Result{Job: job}
	if err := o.poll(ctx, job); err != nil {
		return res, err
	}
	return o.fetch(ctx, job)
}

// Submit builds the request and creates the export job. A rejected
// submission whose error can be learned from is corrected and resubmitted
// once.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Job, error) {
	est := o.catalog.Estimate(req.Report)
	maxWait := o.client.Timeouts().MaxWait(est)
	job := &Job{
		Report:           req.Report,
		Params:           o.Build(ctx, req.Report, req.Params),
		PostFilters:      req.PostFilters,
		State:            StateBuilding,
		CreatedAt:        o.now(),
		EstimatedRecords: est,
		MaxWait:          maxWait,
		PollInterval:     o.client.Timeouts().PollInterval(maxWait),
	}

	err := o.post(ctx, job)
	if err == nil {
		return job, nil
	}
	if ctx.Err() != nil {
		return job, ctx.Err()
	}

	var apiErr *reportflow.Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		return job, o.failed(ctx, job, err)
	}
	if strings.Contains(apiErr.Code, notFlighted) || strings.Contains(apiErr.Message, notFlighted) ||
		strings.Contains(string(apiErr.Body), notFlighted) {
		return job, o.failed(ctx, job, &reportflow.Error{
			Kind:       reportflow.KindNotFound,
			StatusCode: apiErr.StatusCode,
			Method:     apiErr.Method,
			URL:        apiErr.URL,
			Report:     job.Report,
			Code:       apiErr.Code,
			Message:    "report not available in tenant",
			Body:       apiErr.Body,
		})
	}

	correction := o.learnFrom(ctx, job.Report, apiErr)
	if correction == nil {
		return job, o.failed(ctx, job, &reportflow.Error{
			Kind:       reportflow.KindParameter,
			StatusCode: apiErr.StatusCode,
			Method:     apiErr.Method,
			URL:        apiErr.URL,
			Report:     job.Report,
			Code:       apiErr.Code,
			Message:    apiErr.Message,
			Body:       apiErr.Body,
		})
	}

	job.Params = o.build(ctx, job.Report, req.Params, *correction, true)
	job.Resubmitted = true
	o.logger.InfoContext(ctx, "resubmitting export with learned correction",
		"report", job.Report, "rule", correction.Rule, "kinds", correction.Kinds)
	if err := o.post(ctx, job); err != nil {
		if ctx.Err() != nil {
			return job, ctx.Err()
		}
		return job, o.failed(ctx, job, &reportflow.Error{
			Kind:    reportflow.KindJobFailed,
			Report:  job.Report,
			Message: "submission rejected after applying learned correction",
			Err:     err,
		})
	}
	return job, nil
}

// learnFrom returns a correction for a rejected submission, or nil. A store
// failure still yields the correction for this request.
func (o *Orchestrator) learnFrom(ctx context.Context, report string, apiErr *reportflow.Error) *learn.Correction {
	if o.learner == nil {
		return nil
	}
	msg := apiErr.Message
	if msg == "" {
		msg = string(apiErr.Body)
	}
	if !learn.IsParameterError(msg) {
		return nil
	}
	c, err := o.learner.ClassifyAndRecord(ctx, report, apiErr.Body)
	if err != nil {
		o.logger.WarnContext(ctx, "could not record correction", "report", report, "error", err)
		if fallback, ok := o.learner.Classify(report, msg); ok {
			return &fallback
		}
		return nil
	}
	return c
}

func (o *Orchestrator) post(ctx context.Context, job *Job) error {
	body, err := EncodeBody(job.Params)
	if err != nil {
		return err
	}
	resp, err := o.client.PostJSON(ctx, o.endpoint, reportflow.OpJobCreation, body, job.EstimatedRecords)
	if err != nil {
		return err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := resp.DecodeJSON(&created); err != nil || created.ID == "" {
		return o.failed(ctx, job, &reportflow.Error{
			Kind:       reportflow.KindJobFailed,
			StatusCode: resp.StatusCode,
			Report:     job.Report,
			Message:    "export job response carried no id",
			Body:       resp.Body,
			Err:        err,
		})
	}
	job.ID = created.ID
	if err := o.transition(ctx, job, StateSubmitted); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) wait(ctx context.Context, job *Job) error {
	if err := o.transition(ctx, job, StatePolling); err != nil {
		return err
	}
	return o.poll(ctx, job)
}

// poll checks the job status until it settles or job.MaxWait is spent.
func (o *Orchestrator) poll(ctx context.Context, job *Job) error {
	statusURL := fmt.Sprintf("%s('%s')", o.endpoint, job.ID)
	start := o.now()
	waited := job.Waited

	for {
		resp, err := o.client.Get(ctx, statusURL, reportflow.OpJobStatus, nil)
		job.Polls++
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var apiErr *reportflow.Error
			if errors.As(err, &apiErr) && !apiErr.Retryable() {
				return o.failed(ctx, job, err)
			}
			o.logger.WarnContext(ctx, "job status check failed, will poll again",
				"report", job.Report, "job_id", job.ID, "error", err)

		default:
			done, err := o.handleStatus(ctx, job, resp)
			if done {
				return err
			}
		}

		job.Waited = waited + o.now().Sub(start)
		if job.Waited >= job.MaxWait {
			if err := o.transition(ctx, job, StateTimedOut); err != nil {
				return err
			}
			return &reportflow.Error{
				Kind:    reportflow.KindJobTimedOut,
				Report:  job.Report,
				Message: fmt.Sprintf("job %s not finished after %s", job.ID, job.Waited.Round(time.Second)),
			}
		}
		if err := o.sleep(ctx, job.PollInterval); err != nil {
			return err
		}
	}
}

// handleStatus interprets one status payload. done is false while the job
// is still running.
func (o *Orchestrator) handleStatus(ctx context.Context, job *Job, resp *reportflow.Response) (done bool, err error) {
	var st struct {
		Status       string `json:"status"`
		URL          string `json:"url"`
		ErrorMessage string `json:"errorMessage"`
		Message      string `json:"message"`
	}
	if err := resp.DecodeJSON(&st); err != nil {
		o.logger.WarnContext(ctx, "unreadable job status", "report", job.Report, "job_id", job.ID, "error", err)
		return false, nil
	}

	status := strings.ToLower(strings.TrimSpace(st.Status))
	o.logger.DebugContext(ctx, "job status", "report", job.Report, "job_id", job.ID, "status", status, "poll", job.Polls)

	switch status {
	case "completed":
		if st.URL == "" {
			return true, o.failed(ctx, job, &reportflow.Error{
				Kind:    reportflow.KindJobFailed,
				Report:  job.Report,
				Message: "job completed without a download url",
			})
		}
		job.DownloadURL = st.URL
		return true, o.transition(ctx, job, StateCompleted)

	case "failed", "cancelled", "error":
		msg := st.ErrorMessage
		if msg == "" {
			msg = st.Message
		}
		if msg == "" {
			msg = "job " + status
		}
		return true, o.failed(ctx, job, &reportflow.Error{
			Kind:    reportflow.KindJobFailed,
			Report:  job.Report,
			Message: msg,
		})

	case "running", "queued", "inprogress", "notstarted":
	default:
		o.logger.DebugContext(ctx, "unknown job status, still polling", "report", job.Report, "status", st.Status)
	}
	return false, nil
}

// fetch downloads and extracts a completed job.
func (o *Orchestrator) fetch(ctx context.Context, job *Job) (*Result, error) {
	res := &Result{Job: job}
	resp, err := o.client.Call(ctx, reportflow.Request{
		Method:    http.MethodGet,
		URL:       job.DownloadURL,
		Operation: reportflow.OpDownload,
		Header:    http.Header{"Accept": {"*/*"}},
		NoAuth:    true,
	})
	if err != nil {
		return res, withReport(err, job.Report)
	}

	table, err := o.extractor.Extract(job.Report, resp.Body)
	if err != nil {
		return res, err
	}
	res.Table, res.Filter = extract.ApplyFilters(o.logger, job.Report, table, extract.PredicatesFor(job.PostFilters))
	o.logger.InfoContext(ctx, "export finished",
		"report", job.Report, "job_id", job.ID, "rows", res.Table.Len(), "columns", len(res.Table.Columns),
		"polls", job.Polls)
	return res, nil
}

func (o *Orchestrator) transition(ctx context.Context, job *Job, to State) error {
	from := job.State
	if err := job.transition(to); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "export job state changed",
		"report", job.Report, "job_id", job.ID, "from", string(from), "to", string(to))
	return nil
}

// failed moves job to Failed and returns err with the report attached.
func (o *Orchestrator) failed(ctx context.Context, job *Job, err error) error {
	if job.State != StateFailed {
		if terr := o.transition(ctx, job, StateFailed); terr != nil {
			o.logger.ErrorContext(ctx, "could not mark job failed", "report", job.Report, "error", terr)
		}
	}
	return withReport(err, job.Report)
}

func withReport(err error, report string) error {
	var e *reportflow.Error
	if !errors.As(err, &e) || e.Report != "" {
		return err
	}
	out := *e
	out.Report = report
	return &out
}
