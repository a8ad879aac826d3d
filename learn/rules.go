package learn

import (
	"strings"
	"time"
)

// DateLayout is the date format the export API expects.
const DateLayout = "2006-01-02"

const defaultWindow = 30 * 24 * time.Hour

// Rule maps a normalized (lower-cased) error message to a correction.
// Rules are evaluated in order; the first match wins.
type Rule struct {
	Name    string
	Match   func(msg string) bool
	Correct func(report string, now time.Time) Correction
}

var (
	inventoryByDevice = []string{"appinv"}
	installStatus     = []string{"appinv", "installstatus", "orgdeviceinstallstatus", "deviceinstallstatus"}
)

// DefaultRules is the built-in rule set.
var DefaultRules = []Rule{
	{
		Name:  "property-not-found",
		Match: func(msg string) bool { return strings.Contains(msg, "could not find a property named") },
		Correct: func(report string, now time.Time) Correction {
			if reportMatches(report, inventoryByDevice) {
				return Correction{Kinds: []Kind{MinimalParams}}
			}
			return Correction{Kinds: []Kind{RemoveFilter, AddDateRange}, Set: dateRange(now)}
		},
	},
	{
		Name:  "missing-filter",
		Match: func(msg string) bool { return strings.Contains(msg, "filter") && strings.Contains(msg, "required") },
		Correct: func(report string, now time.Time) Correction {
			if reportMatches(report, installStatus) {
				return Correction{Kinds: []Kind{AddDateRange}, Set: dateRange(now)}
			}
			return Correction{Kinds: []Kind{AddFilter}, Set: map[string]string{"filter": "PolicyId ne null"}}
		},
	},
	{
		Name:  "date-range",
		Match: func(msg string) bool { return strings.Contains(msg, "date") || strings.Contains(msg, "time") },
		Correct: func(_ string, now time.Time) Correction {
			return Correction{Kinds: []Kind{AddDateRange}, Set: dateRange(now)}
		},
	},
}

func reportMatches(report string, needles []string) bool {
	r := strings.ToLower(report)
	for _, n := range needles {
		if strings.Contains(r, n) {
			return true
		}
	}
	return false
}

func dateRange(now time.Time) map[string]string {
	return map[string]string{
		"startDate": now.Add(-defaultWindow).Format(DateLayout),
		"endDate":   now.Format(DateLayout),
	}
}

// IsParameterError reports whether a 400 message looks like a bad or
// missing parameter, which is worth learning from.
func IsParameterError(msg string) bool {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "could not find a property named"),
		strings.Contains(m, "required filter"),
		strings.Contains(m, "required parameter"),
		strings.Contains(m, "filter") && strings.Contains(m, "required"):
		return true
	}
	return false
}
