package task

import (
	"sync"
)

// Status is the lifecycle state of a work item.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusPaused
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is a final one.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// WorkItem is one unit of migration work: a single source page carried
// through the pipeline. The orchestrator owns the item; the engine and the
// session manager only mutate it through these accessors.
type WorkItem struct {
	// ID identifies the item across checkpoints and logs.
	ID string
	// Source is the path of the source page, relative to the input root.
	Source string

	mu     sync.Mutex
	status Status
	log    []Execution
}

// NewWorkItem creates a pending work item for a source page.
func NewWorkItem(id, source string) *WorkItem {
	return &WorkItem{
		ID:     id,
		Source: source,
		status: StatusPending,
	}
}

// Status returns the item's current status.
func (w *WorkItem) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// SetStatus moves the item to a new status. Terminal statuses stick: once an
// item succeeded, failed or was cancelled its status never changes again.
func (w *WorkItem) SetStatus(s Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status.Terminal() {
		return
	}
	w.status = s
}

// AppendExecution adds a finished attempt record to the item's log.
func (w *WorkItem) AppendExecution(exec Execution) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.log = append(w.log, exec)
}

// Executions returns a copy of the item's attempt log.
func (w *WorkItem) Executions() []Execution {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Execution, len(w.log))
	copy(out, w.log)
	return out
}

// ExecutionsFor returns a copy of the attempts recorded for one stage.
func (w *WorkItem) ExecutionsFor(taskName string) []Execution {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []Execution
	for _, exec := range w.log {
		if exec.TaskName == taskName {
			out = append(out, exec)
		}
	}
	return out
}
