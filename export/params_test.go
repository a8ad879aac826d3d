package export

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egorkaBurkenya/reportflow"
	"github.com/egorkaBurkenya/reportflow/learn"
)

func TestEncodeBodyOrder(t *testing.T) {
	params := BaseParams("FeatureUpdateDeviceState")
	params["top"] = 1000
	params["filter"] = "PolicyId ne null"
	params["endDate"] = "2026-03-15"

	body, err := EncodeBody(params)
	require.NoError(t, err)
	assert.Equal(t,
		`{"reportName":"FeatureUpdateDeviceState","format":"csv","localizationType":"LocalizedValuesAsAdditionalColumn",`+
			`"endDate":"2026-03-15","filter":"PolicyId ne null","top":1000}`,
		string(body))
}

func TestEncodeBodyDoesNotEscapeOperators(t *testing.T) {
	body, err := EncodeBody(map[string]any{"filter": "Count > 5 && x < 2"})
	require.NoError(t, err)
	assert.Equal(t, `{"filter":"Count > 5 && x < 2"}`, string(body))
}

func TestTranslateParams(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]string
		want map[string]any
	}{
		{
			name: "device",
			in:   map[string]string{"deviceId": "d1"},
			want: map[string]any{"filter": "DeviceId eq 'd1'"},
		},
		{
			name: "device and policy",
			in:   map[string]string{"deviceId": "d1", "policyId": "p'1"},
			want: map[string]any{"filter": "DeviceId eq 'd1' and PolicyId eq 'p''1'"},
		},
		{
			name: "explicit filter wins",
			in:   map[string]string{"policyId": "p1", "filter": "Status eq 'x'"},
			want: map[string]any{"filter": "Status eq 'x'"},
		},
		{
			name: "dates and top",
			in:   map[string]string{"startDate": "2026-01-01", "endDate": "2026-01-31", "top": "50"},
			want: map[string]any{"startDate": "2026-01-01", "endDate": "2026-01-31", "top": 50},
		},
		{
			name: "bad top",
			in:   map[string]string{"top": "lots"},
			want: map[string]any{"top": 1000},
		},
		{
			name: "unknown dropped",
			in:   map[string]string{"colour": "blue"},
			want: map[string]any{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TranslateParams(tt.in))
		})
	}
}

func TestSmartDefaults(t *testing.T) {
	now := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	dates := map[string]any{"startDate": "2026-03-01", "endDate": "2026-03-31"}

	tests := []struct {
		report string
		want   map[string]any
	}{
		{"DriverUpdateSummary", map[string]any{"startDate": "2026-03-01", "endDate": "2026-03-31", "filter": "PolicyId ne null"}},
		{"AppInvUpdateStatus", dates},
		{"StartupPerformance", dates},
		{"ConfigurationPolicyAggregate", map[string]any{"filter": "PolicyId ne null"}},
		{"DeviceInstallStatusByApp", map[string]any{"top": 1000}},
		{"Devices", map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.report, func(t *testing.T) {
			assert.Equal(t, tt.want, SmartDefaults(tt.report, now))
		})
	}
}

func TestCatalogDefaults(t *testing.T) {
	c := DefaultCatalog()

	got, source := c.Defaults("FeatureUpdateDeviceState", epoch)
	assert.Equal(t, "static", source)
	assert.Equal(t, map[string]any{
		"filter":    "PolicyId ne null",
		"startDate": "2026-02-13",
		"endDate":   "2026-03-15",
		"top":       1000,
	}, got)

	_, source = c.Defaults("EnrollmentTrends", epoch)
	assert.Equal(t, "smart", source)

	got, source = c.Defaults("Devices", epoch)
	assert.Empty(t, source)
	assert.Nil(t, got)
}

func TestCatalogEstimate(t *testing.T) {
	c := DefaultCatalog()
	assert.Equal(t, 100000, c.Estimate("Devices"))
	assert.Equal(t, 1000, c.Estimate("ActiveMalware"))
	assert.Equal(t, DefaultEstimate, c.Estimate("SomethingNew"))
}

func TestLoadCatalogOverlay(t *testing.T) {
	c, err := LoadCatalog(strings.NewReader(`
reports:
  Devices:
    optional:
      top: 250
estimates:
  Devices: 400000
default_estimate: 2000
`))
	require.NoError(t, err)

	got, source := c.Defaults("Devices", epoch)
	assert.Equal(t, "static", source)
	assert.Equal(t, map[string]any{"top": 250}, got)
	assert.Equal(t, 400000, c.Estimate("Devices"))
	assert.Equal(t, 2000, c.Estimate("Unknown"))
	assert.Contains(t, c.Reports, "EnrollmentActivity")
}

func TestLoadCatalogRejectsUnknownFields(t *testing.T) {
	_, err := LoadCatalog(strings.NewReader("report:\n  Devices: {}\n"))
	assert.Error(t, err)

	c, err := LoadCatalog(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultCatalog(), c)
}

func TestBuildLayering(t *testing.T) {
	store := learn.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), learn.Correction{
		Report: "FeatureUpdateDeviceState",
		Kinds:  []learn.Kind{learn.RemoveFilter, learn.AddDateRange},
		Set:    map[string]string{"startDate": "2026-01-01"},
	}))
	clock := newFakeClock()
	o := New(reportflow.New(nil), WithLearner(learn.New(store)), WithClock(clock.Now))

	got := o.Build(context.Background(), "FeatureUpdateDeviceState", map[string]any{
		"endDate":    "2026-02-01",
		"filter":     "PolicyId eq 'p1'",
		"reportName": "Other",
	})
	assert.Equal(t, map[string]any{
		"reportName":       "FeatureUpdateDeviceState",
		"format":           "csv",
		"localizationType": "LocalizedValuesAsAdditionalColumn",
		"startDate":        "2026-01-01",
		"endDate":          "2026-02-01",
		"top":              1000,
	}, got)
}

func TestJobTransitions(t *testing.T) {
	j := &Job{State: StateBuilding}
	require.NoError(t, j.transition(StateSubmitted))
	require.NoError(t, j.transition(StatePolling))
	require.NoError(t, j.transition(StateTimedOut))
	require.NoError(t, j.transition(StatePolling))
	require.NoError(t, j.transition(StateCompleted))
	assert.True(t, j.State.Terminal())

	err := j.transition(StatePolling)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateCompleted, j.State)

	assert.ErrorIs(t, (&Job{State: StateBuilding}).transition(StateCompleted), ErrInvalidTransition)
	assert.False(t, StateTimedOut.Terminal())
}
