package extract

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// Predicate keeps rows whose value in any of Columns equals Value. A
// predicate whose columns are all absent from the table is skipped.
type Predicate struct {
	Param   string
	Columns []string
	Value   string
}

// filterColumns maps caller parameters to the columns they constrain.
var filterColumns = map[string][]string{
	"deviceId":      {"deviceId", "DeviceId", "managedDeviceId", "ManagedDeviceId"},
	"policyId":      {"id", "policyId", "PolicyId"},
	"userId":        {"userId", "UserId"},
	"applicationId": {"id", "applicationId", "ApplicationId"},
}

// PredicatesFor builds predicates for the filterable parameters in params,
// in a stable order. Blank values are ignored.
func PredicatesFor(params map[string]string) []Predicate {
	var out []Predicate
	for _, p := range []string{"deviceId", "policyId", "userId", "applicationId"} {
		v := strings.TrimSpace(params[p])
		if v == "" {
			continue
		}
		out = append(out, Predicate{Param: p, Columns: filterColumns[p], Value: v})
	}
	return out
}

// FilterOutcome reports what ApplyFilters did.
type FilterOutcome struct {
	Before   int
	After    int
	Applied  []string // params whose columns were present
	FellBack bool     // filtering emptied the table; the unfiltered table was kept
}

// ApplyFilters filters t by preds. If that would reduce a non-empty table
// to zero rows, the unfiltered table is returned and the fallback logged.
func ApplyFilters(logger *slog.Logger, report string, t *Table, preds []Predicate) (*Table, FilterOutcome) {
	out := FilterOutcome{Before: t.Len(), After: t.Len()}
	if t.Len() == 0 || len(preds) == 0 {
		return t, out
	}
	if logger == nil {
		logger = slog.Default()
	}

	filtered := t
	for _, p := range preds {
		cols := presentColumns(t.Columns, p.Columns)
		if len(cols) == 0 {
			logger.Debug("post filter column absent", "report", report, "param", p.Param)
			continue
		}
		out.Applied = append(out.Applied, p.Param)
		filtered = filtered.Filter(func(r Row) bool {
			for _, c := range cols {
				if v, ok := r[c]; ok && fmt.Sprint(v) == p.Value {
					return true
				}
			}
			return false
		})
	}

	if filtered.Len() == 0 {
		out.FellBack = true
		logger.Warn("post filters removed every row, returning unfiltered data",
			"report", report, "rows", t.Len(), "filters", out.Applied)
		return t, out
	}
	out.After = filtered.Len()
	if out.After != out.Before {
		logger.Info("post filters applied", "report", report, "before", out.Before, "after", out.After)
	}
	return filtered, out
}

func presentColumns(have, want []string) []string {
	var out []string
	for _, w := range want {
		if slices.Contains(have, w) {
			out = append(out, w)
		}
	}
	return out
}
