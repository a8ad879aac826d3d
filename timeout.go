package reportflow

import "time"

// Operation names a class of call. Each class has its own timeout.
type Operation string

const (
	OpAuthentication Operation = "authentication"
	OpTokenRefresh   Operation = "token_refresh"
	OpAPICall        Operation = "api_call"
	OpJobCreation    Operation = "export_job_creation"
	OpJobStatus      Operation = "export_job_status"
	OpDownload       Operation = "file_download"
	OpLargeExport    Operation = "large_export"
)

const (
	jobCreationCap = 30 * time.Minute
	largeExportCap = time.Hour

	minPollInterval = 5 * time.Second
	maxPollInterval = 10 * time.Second
)

// TimeoutPolicy derives per-operation timeouts, the export wait ceiling
// and the poll cadence. The zero value uses the built-in table.
type TimeoutPolicy struct {
	// Base overrides entries of the default table.
	Base map[Operation]time.Duration
	// PerThousandRecords is added per 1000 estimated records to
	// job-creation and large-export timeouts. Zero means one second.
	PerThousandRecords time.Duration
}

var defaultTimeouts = map[Operation]time.Duration{
	OpAuthentication: 60 * time.Second,
	OpTokenRefresh:   30 * time.Second,
	OpAPICall:        120 * time.Second,
	OpJobCreation:    180 * time.Second,
	OpJobStatus:      60 * time.Second,
	OpDownload:       300 * time.Second,
	OpLargeExport:    600 * time.Second,
}

// Timeout returns the per-attempt timeout for op. estimatedRecords only
// affects job creation (capped at 30m) and large exports (capped at 1h).
func (p TimeoutPolicy) Timeout(op Operation, estimatedRecords int) time.Duration {
	base, ok := p.Base[op]
	if !ok {
		base, ok = defaultTimeouts[op]
	}
	if !ok {
		base = defaultTimeouts[OpAPICall]
	}
	if estimatedRecords <= 0 {
		return base
	}

	per := p.PerThousandRecords
	if per <= 0 {
		per = time.Second
	}
	extra := time.Duration(float64(per) * float64(estimatedRecords) / 1000)

	switch op {
	case OpJobCreation:
		return min(base+extra, jobCreationCap)
	case OpLargeExport:
		return min(base+extra, largeExportCap)
	}
	return base
}

// MaxWait is the wall-clock ceiling for an export job of the given size.
func (p TimeoutPolicy) MaxWait(estimatedRecords int) time.Duration {
	return p.Timeout(OpLargeExport, estimatedRecords)
}

// PollInterval derives a 5–10s poll cadence from the total allotted wait:
// one sixtieth of maxWait, clamped.
func (p TimeoutPolicy) PollInterval(maxWait time.Duration) time.Duration {
	d := (maxWait / 60).Truncate(time.Second)
	return max(minPollInterval, min(d, maxPollInterval))
}
