package export

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// State is the lifecycle state of an export job.
type State string

const (
	StateBuilding  State = "building"
	StateSubmitted State = "submitted"
	StatePolling   State = "polling"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// ErrInvalidTransition is returned when a job is moved to a state that
// is not reachable from its current one.
var ErrInvalidTransition = errors.New("invalid transition")

var transitions = map[State][]State{
	StateBuilding:  {StateSubmitted, StateFailed},
	StateSubmitted: {StatePolling, StateFailed},
	StatePolling:   {StateCompleted, StateFailed, StateTimedOut},
	StateTimedOut:  {StatePolling},
}

// Terminal reports whether no further transitions are possible. A timed
// out job can still be resumed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is one export: submitted once, polled until it settles.
type Job struct {
	Report      string
	Params      map[string]any
	PostFilters map[string]string

	ID        string
	State     State
	CreatedAt time.Time

	EstimatedRecords int
	PollInterval     time.Duration
	MaxWait          time.Duration

	// Waited is the polling time spent so far, across resumes.
	Waited      time.Duration
	Polls       int
	DownloadURL string
	// Resubmitted is set when a learned correction was applied after a
	// rejected submission.
	Resubmitted bool
}

func (j *Job) transition(to State) error {
	if !slices.Contains(transitions[j.State], to) {
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, to, j.State)
	}
	j.State = to
	return nil
}
