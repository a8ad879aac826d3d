package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/egorkaBurkenya/reportflow"
	"github.com/egorkaBurkenya/reportflow/direct"
	"github.com/egorkaBurkenya/reportflow/export"
	"github.com/egorkaBurkenya/reportflow/internal/config"
)

func runExport(args []string, stdout, stderr io.Writer) int {
	report, args := splitReport(args)
	fs, common := newFlagSet("export", stderr)
	params := kvFlag{}
	filters := kvFlag{}
	fs.Var(params, "p", "report parameter key=value (deviceId, policyId, startDate, endDate, filter, top)")
	fs.Var(filters, "filter", "post-processing filter key=value (deviceId, policyId, userId, applicationId)")
	extraWait := fs.Duration("resume", 0, "keep polling this much longer if the job times out")
	if err := fs.Parse(args); err != nil {
		return exitInvalidInput
	}
	if report == "" {
		report = fs.Arg(0)
	}
	if report == "" {
		_, _ = fmt.Fprintln(stderr, "export: report name required")
		return exitInvalidInput
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	a, err := newApp(ctx, common.configPath, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	o := a.exporter()
	res, err := o.Run(ctx, export.Request{
		Report:      report,
		Params:      export.TranslateParams(params),
		PostFilters: filters,
	})
	if errors.Is(err, reportflow.ErrJobTimedOut) && *extraWait > 0 && res != nil {
		a.logger.Warn("export still running, resuming", "report", report, "extra_wait", *extraWait)
		res, err = o.Resume(ctx, res.Job, *extraWait)
	}
	if err != nil {
		return fail(stderr, err)
	}
	return writeResult(stdout, common.json, exportView(res))
}

func runDirect(args []string, stdout, stderr io.Writer) int {
	report, args := splitReport(args)
	fs, common := newFlagSet("direct", stderr)
	params := kvFlag{}
	filters := kvFlag{}
	fs.Var(params, "p", "query parameter key=value (deviceId, policyId, userId, applicationId, startDate, endDate, top)")
	fs.Var(filters, "filter", "post-processing filter key=value")
	if err := fs.Parse(args); err != nil {
		return exitInvalidInput
	}
	if report == "" {
		report = fs.Arg(0)
	}
	if report == "" {
		_, _ = fmt.Fprintln(stderr, "direct: report name required")
		return exitInvalidInput
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	a, err := newApp(ctx, common.configPath, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	res, err := a.executor().Run(ctx, direct.Request{Report: report, Params: params, PostFilters: filters})
	if err != nil {
		return fail(stderr, err)
	}
	return writeResult(stdout, common.json, directView(res))
}

func runReports(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("reports", stderr)
	if err := fs.Parse(args); err != nil {
		return exitInvalidInput
	}
	// Listing needs the catalog overlay only, not credentials.
	cfg, err := config.Load(common.configPath)
	if err != nil {
		return fail(stderr, err)
	}
	cat := direct.DefaultCatalog()
	view := reportsView{Export: cfg.ExportCatalog().Names()}
	for _, name := range cat.Names() {
		r := cat[name]
		view.Direct = append(view.Direct, directReport{Name: r.Name, Endpoint: r.Endpoint, Version: r.Version, Permission: r.Permission})
	}
	return writeResult(stdout, common.json, view)
}

func runProbe(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("probe", stderr)
	if err := fs.Parse(args); err != nil {
		return exitInvalidInput
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	a, err := newApp(ctx, common.configPath, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	level := <-a.client.StartProbe(ctx)
	return writeResult(stdout, common.json, probeView{Access: level})
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("token", stderr)
	if err := fs.Parse(args); err != nil {
		return exitInvalidInput
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	a, err := newApp(ctx, common.configPath, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	if _, err := a.tokens.EnsureFresh(ctx); err != nil {
		return fail(stderr, err)
	}
	cred, _ := a.tokens.Snapshot()
	view := tokenView{State: a.tokens.State().String()}
	if !cred.ExpiresAt.IsZero() {
		view.ExpiresAt = cred.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if claims, err := a.tokens.Claims(); err != nil {
		a.logger.Debug("access token is not a readable JWT", "error", err)
	} else {
		view.Scopes, view.Roles, view.Audience, view.AppID = claims.Scopes, claims.Roles, claims.Audience, claims.AppID
	}
	return writeResult(stdout, common.json, view)
}

func fail(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintln(stderr, "error:", err)
	if hint := reportflow.HintOf(err); hint != "" {
		_, _ = fmt.Fprintln(stderr, "hint:", hint)
	}
	if errors.Is(err, reportflow.ErrAuthRequired) {
		return exitAuth
	}
	return exitError
}
