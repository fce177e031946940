// Package session is the control plane of a run: an explicit state machine
// over Active/Paused/Cancelling/Cancelled/Completed with a cooperative pause
// gate and a persisted checkpoint of per-item progress. Pause and cancel are
// control flow, not thread suspension: workers check the gate between stages
// and during backoff waits.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pagelift/pagelift/config"
	"github.com/pagelift/pagelift/task"
)

// State is the lifecycle state of a session.
type State int

const (
	Active State = iota
	Paused
	Cancelling
	Cancelled
	Completed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Cancelling:
		return "cancelling"
	case Cancelled:
		return "cancelled"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// StateError reports an invalid session state transition, such as resuming a
// completed session. It is a contract violation surfaced to the caller, never
// retried.
type StateError struct {
	From State
	To   State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("session: invalid transition %s -> %s", e.From, e.To)
}

// ItemProgress is the checkpointed progress of one work item: its status and
// the index of the last stage that completed successfully (-1 when none has).
type ItemProgress struct {
	Status             string `json:"status"`
	LastCompletedStage int    `json:"last_completed_stage"`
}

// Checkpoint is the persisted session state. It is sufficient to resume a
// run without re-running completed tasks; a crash between checkpoints loses
// at most the in-flight attempt.
type Checkpoint struct {
	RunID     string                  `json:"run_id"`
	State     string                  `json:"state"`
	Items     map[string]ItemProgress `json:"items"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Manager owns the session state machine and its checkpoint file.
type Manager struct {
	mu    sync.Mutex
	runID string
	path  string
	state State
	items map[string]ItemProgress
	gate  chan struct{}
	done  chan struct{}
}

// NewManager creates an active session persisted to the given checkpoint
// path.
func NewManager(runID, path string) *Manager {
	gate := make(chan struct{})
	close(gate) // open: not paused
	return &Manager{
		runID: runID,
		path:  path,
		state: Active,
		items: make(map[string]ItemProgress),
		gate:  gate,
		done:  make(chan struct{}),
	}
}

// LoadCheckpoint reads a checkpoint file written by a previous run.
func LoadCheckpoint(path string) (Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("session: read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("session: parse checkpoint: %w", err)
	}
	return cp, nil
}

// Restore seeds the manager's per-item progress from a prior checkpoint so
// that resume skips every task that already succeeded.
func (m *Manager) Restore(cp Checkpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, progress := range cp.Items {
		m.items[id] = progress
	}
}

// RunID returns the session's run identifier.
func (m *Manager) RunID() string {
	return m.runID
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

var validTransitions = map[State][]State{
	Active:     {Paused, Cancelling, Completed},
	Paused:     {Active, Cancelling},
	Cancelling: {Cancelled},
}

func (m *Manager) transitionLocked(to State) error {
	for _, allowed := range validTransitions[m.state] {
		if allowed == to {
			m.state = to
			return nil
		}
	}
	return &StateError{From: m.state, To: to}
}

// Pause stops new task attempts from starting. In-flight attempts finish;
// the checkpoint is persisted immediately.
func (m *Manager) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.transitionLocked(Paused); err != nil {
		return err
	}
	m.gate = make(chan struct{}) // shut the gate
	return m.saveLocked()
}

// Resume reopens the gate. Work continues at the next unexecuted task per
// item; completed tasks are never re-run.
func (m *Manager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.transitionLocked(Active); err != nil {
		return err
	}
	close(m.gate)
	return m.saveLocked()
}

// Cancel requests cancellation. In-flight attempts get to finish, no new
// attempt starts, and paused workers are released so they can observe the
// cancellation.
func (m *Manager) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.transitionLocked(Cancelling); err != nil {
		return err
	}
	select {
	case <-m.gate:
	default:
		close(m.gate)
	}
	close(m.done)
	return m.saveLocked()
}

// Done is closed once cancellation has been requested. Workers select on it
// during backoff waits so a cancel does not have to wait out the delay.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// FinishCancel moves Cancelling to Cancelled once the orchestrator has
// drained in-flight work.
func (m *Manager) FinishCancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.transitionLocked(Cancelled); err != nil {
		return err
	}
	return m.saveLocked()
}

// Complete marks the session finished after every item reached a terminal
// status.
func (m *Manager) Complete() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.transitionLocked(Completed); err != nil {
		return err
	}
	return m.saveLocked()
}

// Cancelled reports whether cancellation has been requested.
func (m *Manager) Cancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Cancelling || m.state == Cancelled
}

// Wait blocks while the session is paused. It returns nil once the session
// is active again (or cancelling, so the caller can observe the
// cancellation), or the context error if the context ends first.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()

	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordCompletion checkpoints a successfully completed stage for an item.
func (m *Manager) RecordCompletion(itemID string, stageIndex int, status task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	progress := m.progressLocked(itemID)
	if stageIndex > progress.LastCompletedStage {
		progress.LastCompletedStage = stageIndex
	}
	progress.Status = status.String()
	m.items[itemID] = progress
	return m.saveLocked()
}

// SetItemStatus checkpoints an item status change without stage progress.
func (m *Manager) SetItemStatus(itemID string, status task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	progress := m.progressLocked(itemID)
	progress.Status = status.String()
	m.items[itemID] = progress
	return m.saveLocked()
}

// LastCompletedStage returns the index of the last stage that succeeded for
// the item, or -1 when none has.
func (m *Manager) LastCompletedStage(itemID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progressLocked(itemID).LastCompletedStage
}

func (m *Manager) progressLocked(itemID string) ItemProgress {
	if progress, ok := m.items[itemID]; ok {
		return progress
	}
	return ItemProgress{Status: task.StatusPending.String(), LastCompletedStage: -1}
}

// Checkpoint returns a copy of the current checkpoint.
func (m *Manager) Checkpoint() Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpointLocked()
}

func (m *Manager) checkpointLocked() Checkpoint {
	items := make(map[string]ItemProgress, len(m.items))
	for id, progress := range m.items {
		items[id] = progress
	}
	return Checkpoint{
		RunID:     m.runID,
		State:     m.state.String(),
		Items:     items,
		UpdatedAt: time.Now(),
	}
}

func (m *Manager) saveLocked() error {
	if m.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("session: create checkpoint directory: %w", err)
	}
	data, err := json.MarshalIndent(m.checkpointLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal checkpoint: %w", err)
	}
	if err := config.AtomicWriteFile(m.path, data, 0644); err != nil {
		return fmt.Errorf("session: write checkpoint: %w", err)
	}
	return nil
}
