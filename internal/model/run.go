// Package model defines the data structures shared across the runner.
package model

import "time"

// RunKind distinguishes single-submission runs from batches.
type RunKind string

const (
	RunKindSingle RunKind = "single"
	RunKindBatch  RunKind = "batch"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is the history record of one caller-facing invocation (a single
// submission or a whole batch). Report holds the full text handed back to the
// caller; Error holds the top-level failure when there is no report.
//
// A batch whose submissions failed individually still "succeeds": the
// per-submission errors live inside the report.
type Run struct {
	ID          string     `json:"id"`
	Kind        RunKind    `json:"kind"`
	Status      RunStatus  `json:"status"`
	Submissions int        `json:"submissions"`
	Report      string     `json:"report,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// Done reports whether the run has reached a terminal status.
func (r *Run) Done() bool {
	return r.Status == RunStatusSucceeded || r.Status == RunStatusFailed
}
