// Package engine executes pipeline stages against work items with bounded
// concurrency, per-class retry backoff and strict failure isolation: a fatal
// failure ends its own work item and nothing else.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/pagelift/pagelift/log"
	"github.com/pagelift/pagelift/task"
)

// Gate is the cooperative control surface the session manager exposes to
// the engine. Workers consult it between stages and during backoff waits.
type Gate interface {
	// Wait blocks while the session is paused.
	Wait(ctx context.Context) error
	// Cancelled reports whether cancellation has been requested.
	Cancelled() bool
	// Done is closed once cancellation has been requested.
	Done() <-chan struct{}
}

// Sink receives one execution record per attempt, success or failure.
type Sink interface {
	Record(exec task.Execution)
}

// Config holds the engine's concurrency and retry settings.
type Config struct {
	// MaxConcurrentWorkItems bounds how many item pipelines run at once.
	MaxConcurrentWorkItems int
	// MaxRetries is the transient-failure retry budget per task.
	MaxRetries int
	// BaseRetryDelay seeds the backoff for non-quota transient failures.
	BaseRetryDelay time.Duration
	// QuotaBackoffInitial seeds the backoff for rate-limit failures.
	QuotaBackoffInitial time.Duration
	// BackoffMultiplier grows the quota backoff between attempts.
	BackoffMultiplier float64
	// BackoffMaxCap caps any backoff delay.
	BackoffMaxCap time.Duration
}

// DefaultConfig returns an engine configuration with the stock settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentWorkItems: 2,
		MaxRetries:             4,
		BaseRetryDelay:         5 * time.Second,
		QuotaBackoffInitial:    30 * time.Second,
		BackoffMultiplier:      1.5,
		BackoffMaxCap:          5 * time.Minute,
	}
}

// Engine runs tasks with retries and bounded work-item concurrency.
type Engine struct {
	cfg          Config
	registry     *task.Registry
	gate         Gate
	sink         Sink
	slots        chan struct{}
	quotaBackoff BackoffStrategy
	retryBackoff BackoffStrategy
	retryWarn    *log.Every
}

// New creates an engine. Zero config fields fall back to defaults.
func New(cfg Config, registry *task.Registry, gate Gate, sink Sink) *Engine {
	def := DefaultConfig()
	if cfg.MaxConcurrentWorkItems <= 0 {
		cfg.MaxConcurrentWorkItems = def.MaxConcurrentWorkItems
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = def.BaseRetryDelay
	}
	if cfg.QuotaBackoffInitial <= 0 {
		cfg.QuotaBackoffInitial = def.QuotaBackoffInitial
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.BackoffMaxCap <= 0 {
		cfg.BackoffMaxCap = def.BackoffMaxCap
	}

	return &Engine{
		cfg:      cfg,
		registry: registry,
		gate:     gate,
		sink:     sink,
		slots:    make(chan struct{}, cfg.MaxConcurrentWorkItems),
		quotaBackoff: &ExponentialBackoff{
			BaseDelay:  cfg.QuotaBackoffInitial,
			MaxDelay:   cfg.BackoffMaxCap,
			Multiplier: cfg.BackoffMultiplier,
		},
		retryBackoff: &ExponentialBackoff{
			BaseDelay:  cfg.BaseRetryDelay,
			MaxDelay:   cfg.BackoffMaxCap,
			Multiplier: 2.0,
		},
		// A run with many rate-limited items would otherwise spam the log
		// with one warning per backed-off attempt.
		retryWarn: log.NewEvery(5 * time.Second),
	}
}

// Future is the pending outcome of a submitted task.
type Future struct {
	done    chan struct{}
	outcome task.Outcome
}

// Outcome blocks until the task finished or the context ended.
func (f *Future) Outcome(ctx context.Context) (task.Outcome, error) {
	select {
	case <-f.done:
		return f.outcome, nil
	case <-ctx.Done():
		return task.Outcome{}, ctx.Err()
	}
}

// Submit runs a single task asynchronously and returns a future for its
// outcome. Submit does not consume a work-item slot; it exists for
// standalone tasks such as the bootstrap pass.
func (e *Engine) Submit(ctx context.Context, t task.Task, item *task.WorkItem, input task.Payload) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.outcome = e.Execute(ctx, t, item, input)
	}()
	return f
}

// Execute runs one task attempt loop to a terminal outcome: success, fatal
// failure (including retry exhaustion) or cancellation. Every attempt is
// appended to the item's log and recorded to the sink.
func (e *Engine) Execute(ctx context.Context, t task.Task, item *task.WorkItem, input task.Payload) task.Outcome {
	cap, err := e.registry.Resolve(t.CapabilityName)
	if err != nil {
		outcome := task.Outcome{Kind: task.OutcomeFatalFailure, Reason: err.Error()}
		e.record(t, item, 1, time.Now(), time.Now(), outcome)
		return outcome
	}

	maxRetries := e.cfg.MaxRetries
	if t.Retry.MaxRetries > 0 {
		maxRetries = t.Retry.MaxRetries
	}
	maxAttempts := 1 + maxRetries

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := e.gate.Wait(ctx); err != nil {
			return task.Outcome{Kind: task.OutcomeCancelled, Reason: err.Error()}
		}
		if e.gate.Cancelled() {
			return task.Outcome{Kind: task.OutcomeCancelled, Reason: "session cancelled"}
		}

		started := time.Now()
		output, err := cap.Invoke(ctx, input)
		finished := time.Now()

		if e.gate.Cancelled() {
			// The attempt ran to completion, but its result is discarded.
			outcome := task.Outcome{Kind: task.OutcomeCancelled, Reason: "session cancelled"}
			e.record(t, item, attempt, started, finished, outcome)
			return outcome
		}

		if err == nil {
			outcome := task.Outcome{Kind: task.OutcomeSuccess, Output: output}
			e.record(t, item, attempt, started, finished, outcome)
			return outcome
		}

		lastErr = err
		switch task.ClassifyError(err) {
		case task.ClassCancelled:
			outcome := task.Outcome{Kind: task.OutcomeCancelled, Reason: err.Error()}
			e.record(t, item, attempt, started, finished, outcome)
			return outcome

		case task.ClassFatal:
			outcome := task.Outcome{Kind: task.OutcomeFatalFailure, Reason: err.Error()}
			e.record(t, item, attempt, started, finished, outcome)
			return outcome

		case task.ClassTransient:
			outcome := task.Outcome{Kind: task.OutcomeTransientFailure, Reason: err.Error()}
			e.record(t, item, attempt, started, finished, outcome)

			if attempt == maxAttempts {
				break
			}

			delay := e.retryBackoff.NextDelay(attempt - 1)
			if task.IsQuotaError(err) {
				delay = e.quotaBackoff.NextDelay(attempt - 1)
			}
			if e.retryWarn.ShouldLog() {
				log.WarningLog.Printf("task %s item %s attempt %d failed (%v), retrying in %v",
					t.Name, item.ID, attempt, err, delay)
			}

			if !e.sleep(ctx, delay) {
				return task.Outcome{Kind: task.OutcomeCancelled, Reason: "cancelled during backoff"}
			}
		}
	}

	return task.Outcome{
		Kind:   task.OutcomeFatalFailure,
		Reason: fmt.Sprintf("max retries exceeded: %v", lastErr),
	}
}

// sleep waits for the backoff delay without blocking other work items.
// Returns false if the wait was interrupted by cancellation.
func (e *Engine) sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-e.gate.Done():
		return false
	}
}

func (e *Engine) record(t task.Task, item *task.WorkItem, attempt int, started, finished time.Time, outcome task.Outcome) {
	exec := task.Execution{
		TaskName:   t.Name,
		WorkItemID: item.ID,
		Attempt:    attempt,
		StartedAt:  started,
		FinishedAt: finished,
		Outcome:    outcome.Kind.String(),
		Reason:     outcome.Reason,
	}
	item.AppendExecution(exec)
	if e.sink != nil {
		e.sink.Record(exec)
	}
}

// PipelineHooks let the orchestrator assemble stage inputs and consume stage
// outputs without the engine knowing about memory or messaging.
type PipelineHooks struct {
	// StageInput builds the payload for a stage. An error fails the item.
	StageInput func(stageIndex int, t task.Task) (task.Payload, error)
	// StageDone consumes a successful stage's output (publish, checkpoint).
	StageDone func(stageIndex int, t task.Task, output task.Payload) error
}

// RunPipeline drives one work item through an ordered stage sequence,
// holding a concurrency slot for the duration. Stages run strictly
// sequentially; startStage supports checkpoint-driven resume. The returned
// status is terminal for the item.
func (e *Engine) RunPipeline(ctx context.Context, stages []task.Task, item *task.WorkItem, startStage int, hooks PipelineHooks) task.Status {
	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		item.SetStatus(task.StatusCancelled)
		return task.StatusCancelled
	case <-e.gate.Done():
		item.SetStatus(task.StatusCancelled)
		return task.StatusCancelled
	}
	defer func() { <-e.slots }()

	item.SetStatus(task.StatusRunning)
	if startStage < 0 {
		startStage = 0
	}

	for i := startStage; i < len(stages); i++ {
		if err := e.gate.Wait(ctx); err != nil {
			item.SetStatus(task.StatusCancelled)
			return task.StatusCancelled
		}
		if e.gate.Cancelled() {
			item.SetStatus(task.StatusCancelled)
			return task.StatusCancelled
		}

		t := stages[i]
		input, err := hooks.StageInput(i, t)
		if err != nil {
			log.ErrorLog.Printf("item %s stage %s: input assembly failed: %v", item.ID, t.Name, err)
			item.SetStatus(task.StatusFailed)
			return task.StatusFailed
		}

		outcome := e.Execute(ctx, t, item, input)
		switch outcome.Kind {
		case task.OutcomeSuccess:
			if hooks.StageDone != nil {
				if err := hooks.StageDone(i, t, outcome.Output); err != nil {
					log.ErrorLog.Printf("item %s stage %s: completion hook failed: %v", item.ID, t.Name, err)
					item.SetStatus(task.StatusFailed)
					return task.StatusFailed
				}
			}

		case task.OutcomeCancelled:
			item.SetStatus(task.StatusCancelled)
			return task.StatusCancelled

		default:
			// Fatal, or transient retries exhausted: the item fails, the
			// remaining stages are skipped, other items are unaffected.
			item.SetStatus(task.StatusFailed)
			return task.StatusFailed
		}
	}

	item.SetStatus(task.StatusSucceeded)
	return task.StatusSucceeded
}
