package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/egorkaBurkenya/reportflow"
	"github.com/egorkaBurkenya/reportflow/direct"
	"github.com/egorkaBurkenya/reportflow/export"
	"github.com/egorkaBurkenya/reportflow/extract"
)

// summarizer is implemented by views with a terminal rendering.
type summarizer interface {
	Summary() string
}

// writeResult prints v as JSON when asked to or when stdout is not a
// terminal, and as a short summary otherwise.
func writeResult(stdout io.Writer, forceJSON bool, v summarizer) int {
	if forceJSON || !isTerminal(stdout) {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return exitError
		}
		return exitOK
	}
	_, _ = fmt.Fprintln(stdout, v.Summary())
	return exitOK
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type tableView struct {
	Report   string            `json:"report"`
	Columns  []string          `json:"columns"`
	Rows     []extract.Row     `json:"rows"`
	Filtered *filterView       `json:"filter,omitempty"`
	JobID    string            `json:"job_id,omitempty"`
	Polls    int               `json:"polls,omitempty"`
	Params   map[string]any    `json:"params,omitempty"`
	Query    map[string]string `json:"query,omitempty"`
	NextLink string            `json:"next_link,omitempty"`
}

type filterView struct {
	Before   int      `json:"before"`
	After    int      `json:"after"`
	Applied  []string `json:"applied,omitempty"`
	FellBack bool     `json:"fell_back,omitempty"`
}

func newFilterView(o extract.FilterOutcome) *filterView {
	if len(o.Applied) == 0 {
		return nil
	}
	return &filterView{Before: o.Before, After: o.After, Applied: o.Applied, FellBack: o.FellBack}
}

func exportView(res *export.Result) tableView {
	return tableView{
		Report:   res.Job.Report,
		Columns:  res.Table.Columns,
		Rows:     res.Table.Rows,
		Filtered: newFilterView(res.Filter),
		JobID:    res.Job.ID,
		Polls:    res.Job.Polls,
		Params:   res.Job.Params,
	}
}

func directView(res *direct.Result) tableView {
	return tableView{
		Report:   res.Report.Name,
		Columns:  res.Table.Columns,
		Rows:     res.Table.Rows,
		Filtered: newFilterView(res.Filter),
		Query:    res.Query,
		NextLink: res.NextLink,
	}
}

func (v tableView) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d rows, %d columns", v.Report, len(v.Rows), len(v.Columns))
	if v.JobID != "" {
		fmt.Fprintf(&b, " (job %s, %d polls)", v.JobID, v.Polls)
	}
	if v.Filtered != nil && v.Filtered.FellBack {
		b.WriteString("\nfilters matched nothing; showing unfiltered rows")
	}
	if len(v.Columns) > 0 {
		cols := v.Columns
		if len(cols) > 8 {
			cols = append(cols[:8:8], "…")
		}
		fmt.Fprintf(&b, "\ncolumns: %s", strings.Join(cols, ", "))
	}
	if v.NextLink != "" {
		b.WriteString("\nmore pages available")
	}
	return b.String()
}

type directReport struct {
	Name       string `json:"name"`
	Endpoint   string `json:"endpoint"`
	Version    string `json:"version"`
	Permission string `json:"permission"`
}

type reportsView struct {
	Export []string       `json:"export"`
	Direct []directReport `json:"direct"`
}

func (v reportsView) Summary() string {
	var b strings.Builder
	b.WriteString("export reports with known parameters:\n")
	for _, n := range v.Export {
		fmt.Fprintf(&b, "  %s\n", n)
	}
	b.WriteString("direct reports:\n")
	for _, r := range v.Direct {
		fmt.Fprintf(&b, "  %-24s %s %s (%s)\n", r.Name, r.Version, r.Endpoint, r.Permission)
	}
	return strings.TrimRight(b.String(), "\n")
}

type probeView struct {
	Access reportflow.AccessLevel `json:"access"`
}

func (v probeView) Summary() string {
	return "access: " + string(v.Access)
}

type tokenView struct {
	State     string   `json:"state"`
	ExpiresAt string   `json:"expires_at,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	Audience  []string `json:"audience,omitempty"`
	AppID     string   `json:"app_id,omitempty"`
}

func (v tokenView) Summary() string {
	s := "token: " + v.State
	if v.ExpiresAt != "" {
		s += ", expires " + v.ExpiresAt
	}
	if len(v.Scopes) > 0 {
		s += "\nscopes: " + strings.Join(v.Scopes, " ")
	}
	if len(v.Roles) > 0 {
		s += "\nroles: " + strings.Join(v.Roles, " ")
	}
	return s
}
