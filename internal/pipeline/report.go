package pipeline

import (
	"errors"
	"time"
)

// RunState is a step of the per-run state machine.
type RunState string

// Run states. Idle is both the initial and the successful terminal state.
const (
	StateIdle          RunState = "idle"
	StateFetching      RunState = "fetching"
	StateExtracting    RunState = "extracting"
	StateDeduplicating RunState = "deduplicating"
	StatePersisting    RunState = "persisting"
	StateNotifying     RunState = "notifying"
	StateSucceeded     RunState = "succeeded"
	StateFailed        RunState = "failed"
	StateSkipped       RunState = "skipped"
)

// RunReport summarises one run of the pipeline for one target.
type RunReport struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id"`
	State      RunState  `json:"state"`
	FailedIn   RunState  `json:"failed_in,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Fetched   int `json:"fetched"`
	Extracted int `json:"extracted"`
	New       int `json:"new"`
	Duplicate int `json:"duplicate"`
	Failed    int `json:"failed"`

	Errors      []string `json:"errors,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	Notified    bool     `json:"notified"`
	NotifyError string   `json:"notify_error,omitempty"`

	finalized bool
}

// ErrReportFinalized is returned when a finalised report is modified.
var ErrReportFinalized = errors.New("run report already finalized")

// NewRunReport opens a report for a target.
func NewRunReport(id, targetID string, startedAt time.Time) *RunReport {
	return &RunReport{
		ID:        id,
		TargetID:  targetID,
		State:     StateIdle,
		StartedAt: startedAt,
	}
}

// AddError appends a run-level error message.
func (r *RunReport) AddError(err error) {
	if r.finalized || err == nil {
		return
	}
	r.Errors = append(r.Errors, err.Error())
}

// AddWarning appends a non-fatal message.
func (r *RunReport) AddWarning(msg string) {
	if r.finalized || msg == "" {
		return
	}
	r.Warnings = append(r.Warnings, msg)
}

// Enter moves the report into the given stage.
func (r *RunReport) Enter(state RunState) error {
	if r.finalized {
		return ErrReportFinalized
	}
	r.State = state
	return nil
}

// Fail records the stage a run failed in together with the cause.
func (r *RunReport) Fail(err error) {
	if r.finalized {
		return
	}
	r.FailedIn = r.State
	r.State = StateFailed
	r.AddError(err)
}

// Finalize closes the report and returns an immutable copy.
func (r *RunReport) Finalize(finishedAt time.Time) RunReport {
	if !r.finalized {
		if r.State != StateFailed && r.State != StateSkipped {
			r.State = StateSucceeded
		}
		r.FinishedAt = finishedAt
		r.finalized = true
	}
	out := *r
	out.Errors = append([]string(nil), r.Errors...)
	out.Warnings = append([]string(nil), r.Warnings...)
	return out
}

// Finalized reports whether Finalize has been called.
func (r *RunReport) Finalized() bool {
	return r.finalized
}

// Duration is the wall time between start and finish.
func (r RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
