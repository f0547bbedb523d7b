// Package execute runs install plans step by step and streams progress
// as line-delimited events. Execution happens on a bounded worker pool;
// each run's events are consumable exactly once over a channel, with
// terminal results retained for late or reconnecting readers.
package execute

import "time"

// Event types, in stream order.
const (
	EventStepStart  = "step_start"
	EventLog        = "log"
	EventStepDone   = "step_done"
	EventStepFailed = "step_failed"
	EventDone       = "done"
)

// Run results carried by the final done event.
const (
	ResultSuccess   = "success"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
)

// Event is one line of an execution stream. The sudo secret is written
// only to the elevated process's stdin and never appears in any event
// field.
type Event struct {
	Type  string `json:"type"`
	RunID string `json:"run_id"`

	StepID       string `json:"step_id,omitempty"`
	ToolID       string `json:"tool_id,omitempty"`
	MethodFamily string `json:"method_family,omitempty"`
	Label        string `json:"label,omitempty"`

	// StepIdx (1-based) and Total place step-scoped events in the plan,
	// so clients can render "step N of M".
	StepIdx int `json:"step_idx,omitempty"`
	Total   int `json:"total,omitempty"`

	// Stream and Line carry one line of subprocess output on log events.
	// Truncated marks a line cut at the 64 KiB cap.
	Stream    string `json:"stream,omitempty"`
	Line      string `json:"line,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`

	// ExitCode is set on step_done and step_failed. Nil means the
	// process never produced one (spawn failure, timeout kill).
	ExitCode *int `json:"exit_code,omitempty"`

	// Message carries human-readable detail: spawn errors, the timeout
	// notice, cancellation.
	Message string `json:"message,omitempty"`

	// StderrTail is the last lines of stderr, set on step_failed for
	// failure classification.
	StderrTail []string `json:"stderr_tail,omitempty"`

	// Result is set on the done event: success, failed or cancelled.
	Result string `json:"result,omitempty"`

	Timestamp time.Time `json:"ts"`
}

// StepFailure snapshots the failing step of a run for remediation
// planning.
type StepFailure struct {
	StepID       string   `json:"step_id"`
	ToolID       string   `json:"tool_id"`
	MethodFamily string   `json:"method_family,omitempty"`
	ExitCode     *int     `json:"exit_code,omitempty"`
	StderrTail   []string `json:"stderr_tail,omitempty"`
	TimedOut     bool     `json:"timed_out,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// Result is the terminal outcome of one run.
type Result struct {
	RunID      string       `json:"run_id"`
	ToolID     string       `json:"tool_id"`
	PlanID     string       `json:"plan_id"`
	Status     string       `json:"status"`
	Failure    *StepFailure `json:"failure,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}
