package export

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/egorkaBurkenya/reportflow/learn"
)

// Date tokens accepted in catalog parameter values. They are resolved
// against the orchestrator clock when a request is built.
const (
	Auto30DaysAgo = "auto_30_days_ago"
	Auto7DaysAgo  = "auto_7_days_ago"
	AutoToday     = "auto_today"
)

// DefaultEstimate is the record estimate for reports without an entry.
const DefaultEstimate = 10000

// ReportConfig holds the known parameters of one export report.
type ReportConfig struct {
	Required map[string]any `yaml:"required,omitempty"`
	Optional map[string]any `yaml:"optional,omitempty"`
}

// Catalog is the data-driven part of request building: static per-report
// parameters and export size estimates.
type Catalog struct {
	Reports         map[string]ReportConfig `yaml:"reports"`
	Estimates       map[string]int          `yaml:"estimates"`
	DefaultEstimate int                     `yaml:"default_estimate"`
}

// DefaultCatalog returns a fresh copy of the built-in catalog.
func DefaultCatalog() *Catalog {
	dates30 := map[string]any{"startDate": Auto30DaysAgo, "endDate": AutoToday}
	withPolicy := func(m map[string]any) map[string]any {
		out := maps.Clone(m)
		out["filter"] = "PolicyId ne null"
		return out
	}
	return &Catalog{
		Reports: map[string]ReportConfig{
			"FeatureUpdateDeviceState": {
				Required: withPolicy(dates30),
				Optional: map[string]any{"top": 1000},
			},
			"QualityUpdateDeviceStatusByPolicy": {
				Required: map[string]any{"filter": "PolicyId ne null", "startDate": Auto7DaysAgo, "endDate": AutoToday},
			},
			"WindowsUpdatePerPolicyPerDeviceStatus": {Required: withPolicy(dates30)},
			"DeviceEnrollmentFailures": {
				Required: maps.Clone(dates30),
				Optional: map[string]any{"filter": "FailureCategory ne null"},
			},
			"EnrollmentActivity":             {Required: maps.Clone(dates30)},
			"AutopilotV1DeploymentStatus":    {Required: maps.Clone(dates30)},
			"AutopilotV2DeploymentStatus":    {Required: maps.Clone(dates30)},
			"EADevicePerformance":            {Required: maps.Clone(dates30)},
			"EAStartupPerfDevicePerformance": {Required: maps.Clone(dates30)},
			"DeviceStatusByCompliacePolicyReport": {
				Required: map[string]any{"filter": "PolicyId ne null"},
				Optional: maps.Clone(dates30),
			},
			"DeviceStatusByCompliancePolicySettingReport": {
				Required: map[string]any{"filter": "PolicyId ne null AND SettingName ne null"},
			},
		},
		Estimates: map[string]int{
			"Devices":                   100000,
			"DevicesWithInventory":      100000,
			"DeviceCompliance":          50000,
			"DeviceNonCompliance":       25000,
			"DevicesWithoutInventory":   10000,
			"UserInstallStateSummary":   50000,
			"UserDeviceAssociations":    25000,
			"AppInstallStatusAggregate": 75000,
			"AllAppsList":               5000,
			"PolicyNonCompliance":       15000,
			"SettingsNonCompliance":     20000,
			"ActiveMalware":             1000,
			"Malware":                   5000,
			"DefenderAgents":            100000,
			"CertificateReport":         10000,
		},
		DefaultEstimate: DefaultEstimate,
	}
}

// LoadCatalog reads YAML from r and merges it over the built-in catalog.
// Report entries replace built-in entries of the same name.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var overlay Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&overlay); err != nil && err != io.EOF {
		return nil, fmt.Errorf("export: decode catalog: %w", err)
	}
	c := DefaultCatalog()
	c.Merge(&overlay)
	return c, nil
}

// Merge copies the entries of other over c.
func (c *Catalog) Merge(other *Catalog) {
	if other == nil {
		return
	}
	if c.Reports == nil {
		c.Reports = make(map[string]ReportConfig)
	}
	if c.Estimates == nil {
		c.Estimates = make(map[string]int)
	}
	maps.Copy(c.Reports, other.Reports)
	maps.Copy(c.Estimates, other.Estimates)
	if other.DefaultEstimate > 0 {
		c.DefaultEstimate = other.DefaultEstimate
	}
}

// Names returns the reports with a static entry, sorted.
func (c *Catalog) Names() []string {
	return slices.Sorted(maps.Keys(c.Reports))
}

// Estimate returns the expected record count of report.
func (c *Catalog) Estimate(report string) int {
	if n, ok := c.Estimates[report]; ok && n > 0 {
		return n
	}
	if c.DefaultEstimate > 0 {
		return c.DefaultEstimate
	}
	return DefaultEstimate
}

// Defaults returns the default parameters for report and where they came
// from: "static" for a catalog entry, "smart" for name-based defaults, or
// "" when there are none.
func (c *Catalog) Defaults(report string, now time.Time) (map[string]any, string) {
	if cfg, ok := c.Reports[report]; ok {
		out := make(map[string]any, len(cfg.Required)+len(cfg.Optional))
		for k, v := range cfg.Required {
			out[k] = resolveToken(v, now)
		}
		for k, v := range cfg.Optional {
			out[k] = resolveToken(v, now)
		}
		return out, "static"
	}
	if smart := SmartDefaults(report, now); len(smart) > 0 {
		return smart, "smart"
	}
	return nil, ""
}

// SmartDefaults derives parameters from the report name. The first
// matching family wins.
func SmartDefaults(report string, now time.Time) map[string]any {
	name := strings.ToLower(report)
	out := map[string]any{}
	switch {
	case containsAny(name, "update", "feature", "quality", "enrollment", "autopilot"):
		out["startDate"] = resolveToken(Auto30DaysAgo, now)
		out["endDate"] = resolveToken(AutoToday, now)
		if strings.Contains(name, "update") && !strings.Contains(name, "appinv") {
			out["filter"] = "PolicyId ne null"
		}
	case containsAny(name, "performance", "analytics", "ea"):
		out["startDate"] = resolveToken(Auto30DaysAgo, now)
		out["endDate"] = resolveToken(AutoToday, now)
	case containsAny(name, "policy", "compliance", "setting") && !strings.Contains(name, "appinv"):
		out["filter"] = "PolicyId ne null"
	case strings.Contains(name, "device") && strings.Contains(name, "status"):
		out["top"] = 1000
	}
	return out
}

func resolveToken(v any, now time.Time) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch s {
	case Auto30DaysAgo:
		return now.AddDate(0, 0, -30).Format(learn.DateLayout)
	case Auto7DaysAgo:
		return now.AddDate(0, 0, -7).Format(learn.DateLayout)
	case AutoToday:
		return now.Format(learn.DateLayout)
	}
	return s
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
