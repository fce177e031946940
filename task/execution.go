package task

import (
	"time"
)

// OutcomeKind is the terminal result of one task attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeTransientFailure
	OutcomeFatalFailure
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransientFailure:
		return "transient_failure"
	case OutcomeFatalFailure:
		return "fatal_failure"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is the result of one task attempt. Output is set only on success;
// Reason carries the failure description otherwise.
type Outcome struct {
	Kind   OutcomeKind
	Output Payload
	Reason string
}

// Execution records a single attempt at running a task against a work item.
// It is immutable once finished and appended to the work item's log.
type Execution struct {
	TaskName   string    `json:"task_name"`
	WorkItemID string    `json:"work_item_id"`
	Attempt    int       `json:"attempt"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
}

// Duration returns the wall time the attempt took.
func (e Execution) Duration() time.Duration {
	return e.FinishedAt.Sub(e.StartedAt)
}
