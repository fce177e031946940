package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pagelift/pagelift/log"
	"github.com/pagelift/pagelift/task"
)

func TestMain(m *testing.M) {
	log.Initialize()
	defer log.Close()
	m.Run()
}

// openGate never pauses and never cancels.
type openGate struct {
	done chan struct{}
}

func newOpenGate() *openGate {
	return &openGate{done: make(chan struct{})}
}

func (g *openGate) Wait(ctx context.Context) error { return nil }
func (g *openGate) Cancelled() bool                { return false }
func (g *openGate) Done() <-chan struct{}          { return g.done }

// cancelGate flips to cancelled when trip is called.
type cancelGate struct {
	mu        sync.Mutex
	cancelled bool
	done      chan struct{}
}

func newCancelGate() *cancelGate {
	return &cancelGate{done: make(chan struct{})}
}

func (g *cancelGate) Wait(ctx context.Context) error { return nil }

func (g *cancelGate) Cancelled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelled
}

func (g *cancelGate) Done() <-chan struct{} { return g.done }

func (g *cancelGate) trip() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.cancelled {
		g.cancelled = true
		close(g.done)
	}
}

// recordingSink collects execution records.
type recordingSink struct {
	mu    sync.Mutex
	execs []task.Execution
}

func (s *recordingSink) Record(exec task.Execution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs = append(s.execs, exec)
}

func (s *recordingSink) all() []task.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]task.Execution, len(s.execs))
	copy(out, s.execs)
	return out
}

func fastConfig() Config {
	return Config{
		MaxConcurrentWorkItems: 2,
		MaxRetries:             2,
		BaseRetryDelay:         time.Millisecond,
		QuotaBackoffInitial:    time.Millisecond,
		BackoffMultiplier:      1.5,
		BackoffMaxCap:          10 * time.Millisecond,
	}
}

func registryWith(t *testing.T, name string, cap task.Capability) *task.Registry {
	t.Helper()
	reg := task.NewRegistry()
	reg.Register(name, cap)
	return reg
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	cap := task.CapabilityFunc(func(ctx context.Context, input task.Payload) (task.Payload, error) {
		if calls.Add(1) < 3 {
			return nil, task.NewError(task.CodeUnavailable, "backend busy", nil)
		}
		return task.Payload{"ok": true}, nil
	})

	sink := &recordingSink{}
	eng := New(fastConfig(), registryWith(t, "extract", cap), newOpenGate(), sink)
	item := task.NewWorkItem("page-1", "page-1.xhtml")

	outcome := eng.Execute(context.Background(), task.Task{Name: "extract", CapabilityName: "extract"}, item, task.Payload{})
	if outcome.Kind != task.OutcomeSuccess {
		t.Fatalf("outcome = %v (%s), want success", outcome.Kind, outcome.Reason)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("capability invoked %d times, want 3", got)
	}

	execs := sink.all()
	if len(execs) != 3 {
		t.Fatalf("sink recorded %d executions, want 3", len(execs))
	}
	for i, exec := range execs {
		if exec.Attempt != i+1 {
			t.Errorf("execution %d has attempt %d", i, exec.Attempt)
		}
	}
	if execs[2].Outcome != task.OutcomeSuccess.String() {
		t.Errorf("final execution outcome = %q", execs[2].Outcome)
	}
	if len(item.Executions()) != 3 {
		t.Errorf("item log has %d executions, want 3", len(item.Executions()))
	}
}

func TestExecuteFatalFailsImmediately(t *testing.T) {
	var calls atomic.Int32
	cap := task.CapabilityFunc(func(ctx context.Context, input task.Payload) (task.Payload, error) {
		calls.Add(1)
		return nil, task.NewError(task.CodeValidation, "schema mismatch", nil)
	})

	eng := New(fastConfig(), registryWith(t, "architect", cap), newOpenGate(), nil)
	item := task.NewWorkItem("page-1", "page-1.xhtml")

	outcome := eng.Execute(context.Background(), task.Task{Name: "architect", CapabilityName: "architect"}, item, task.Payload{})
	if outcome.Kind != task.OutcomeFatalFailure {
		t.Fatalf("outcome = %v, want fatal failure", outcome.Kind)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fatal failure was retried: %d invocations", got)
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	cap := task.CapabilityFunc(func(ctx context.Context, input task.Payload) (task.Payload, error) {
		calls.Add(1)
		return nil, task.NewError(task.CodeTimeout, "deadline hit", nil)
	})

	cfg := fastConfig()
	cfg.MaxRetries = 2
	eng := New(cfg, registryWith(t, "codegen", cap), newOpenGate(), nil)
	item := task.NewWorkItem("page-1", "page-1.xhtml")

	outcome := eng.Execute(context.Background(), task.Task{Name: "codegen", CapabilityName: "codegen"}, item, task.Payload{})
	if outcome.Kind != task.OutcomeFatalFailure {
		t.Fatalf("outcome = %v, want fatal failure after exhaustion", outcome.Kind)
	}
	if !strings.Contains(outcome.Reason, "max retries exceeded") {
		t.Errorf("reason = %q", outcome.Reason)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("capability invoked %d times, want 1 + 2 retries", got)
	}
}

func TestExecuteUnknownCapabilityIsFatal(t *testing.T) {
	sink := &recordingSink{}
	eng := New(fastConfig(), task.NewRegistry(), newOpenGate(), sink)
	item := task.NewWorkItem("page-1", "page-1.xhtml")

	outcome := eng.Execute(context.Background(), task.Task{Name: "ghost", CapabilityName: "ghost"}, item, task.Payload{})
	if outcome.Kind != task.OutcomeFatalFailure {
		t.Fatalf("outcome = %v, want fatal failure", outcome.Kind)
	}
	if len(sink.all()) != 1 {
		t.Errorf("sink recorded %d executions, want 1", len(sink.all()))
	}
}

func TestExecutePerTaskRetryOverride(t *testing.T) {
	var calls atomic.Int32
	cap := task.CapabilityFunc(func(ctx context.Context, input task.Payload) (task.Payload, error) {
		calls.Add(1)
		return nil, task.NewError(task.CodeUnavailable, "busy", nil)
	})

	cfg := fastConfig()
	cfg.MaxRetries = 5
	eng := New(cfg, registryWith(t, "evaluator", cap), newOpenGate(), nil)
	item := task.NewWorkItem("page-1", "page-1.xhtml")

	tk := task.Task{Name: "evaluator", CapabilityName: "evaluator", Retry: task.RetryPolicy{MaxRetries: 1}}
	outcome := eng.Execute(context.Background(), tk, item, task.Payload{})
	if outcome.Kind != task.OutcomeFatalFailure {
		t.Fatalf("outcome = %v, want fatal failure", outcome.Kind)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("capability invoked %d times, want 2 with per-task budget", got)
	}
}

func TestExecuteCancelledDuringBackoff(t *testing.T) {
	gate := newCancelGate()
	cap := task.CapabilityFunc(func(ctx context.Context, input task.Payload) (task.Payload, error) {
		return nil, task.NewError(task.CodeRateLimited, "quota", nil)
	})

	cfg := fastConfig()
	cfg.QuotaBackoffInitial = time.Hour
	cfg.BackoffMaxCap = time.Hour
	eng := New(cfg, registryWith(t, "extract", cap), gate, nil)
	item := task.NewWorkItem("page-1", "page-1.xhtml")

	done := make(chan task.Outcome, 1)
	go func() {
		done <- eng.Execute(context.Background(), task.Task{Name: "extract", CapabilityName: "extract"}, item, task.Payload{})
	}()

	time.Sleep(20 * time.Millisecond)
	gate.trip()

	select {
	case outcome := <-done:
		if outcome.Kind != task.OutcomeCancelled {
			t.Fatalf("outcome = %v, want cancelled", outcome.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after cancellation during backoff")
	}
}

func TestExecuteDiscardsResultWhenCancelledMidAttempt(t *testing.T) {
	gate := newCancelGate()
	cap := task.CapabilityFunc(func(ctx context.Context, input task.Payload) (task.Payload, error) {
		gate.trip()
		return task.Payload{"ok": true}, nil
	})

	eng := New(fastConfig(), registryWith(t, "extract", cap), gate, nil)
	item := task.NewWorkItem("page-1", "page-1.xhtml")

	outcome := eng.Execute(context.Background(), task.Task{Name: "extract", CapabilityName: "extract"}, item, task.Payload{})
	if outcome.Kind != task.OutcomeCancelled {
		t.Fatalf("outcome = %v, want cancelled", outcome.Kind)
	}
	if outcome.Output != nil {
		t.Error("cancelled outcome carried an output")
	}
}

func TestRunPipelineRunsStagesInOrder(t *testing.T) {
	var mu sync.Mutex
	var invoked []string
	cap := task.CapabilityFunc(func(ctx context.Context, input task.Payload) (task.Payload, error) {
		mu.Lock()
		invoked = append(invoked, input["stage"].(string))
		mu.Unlock()
		return task.Payload{}, nil
	})

	reg := task.NewRegistry()
	stages := make([]task.Task, 0, 3)
	for _, name := range []string{"logic", "visual", "architect"} {
		reg.Register(name, cap)
		stages = append(stages, task.Task{Name: name, CapabilityName: name})
	}

	eng := New(fastConfig(), reg, newOpenGate(), nil)
	item := task.NewWorkItem("page-1", "page-1.xhtml")

	var doneStages []int
	status := eng.RunPipeline(context.Background(), stages, item, 0, PipelineHooks{
		StageInput: func(i int, tk task.Task) (task.Payload, error) {
			return task.Payload{"stage": tk.Name}, nil
		},
		StageDone: func(i int, tk task.Task, output task.Payload) error {
			doneStages = append(doneStages, i)
			return nil
		},
	})

	if status != task.StatusSucceeded {
		t.Fatalf("status = %v, want succeeded", status)
	}
	if want := []string{"logic", "visual", "architect"}; !equalStrings(invoked, want) {
		t.Errorf("stages invoked = %v, want %v", invoked, want)
	}
	if len(doneStages) != 3 || doneStages[0] != 0 || doneStages[2] != 2 {
		t.Errorf("completion hooks fired for stages %v", doneStages)
	}
	if item.Status() != task.StatusSucceeded {
		t.Errorf("item status = %v", item.Status())
	}
}

func TestRunPipelineResumesFromStartStage(t *testing.T) {
	var mu sync.Mutex
	var invoked []string
	cap := task.CapabilityFunc(func(ctx context.Context, input task.Payload) (task.Payload, error) {
		mu.Lock()
		invoked = append(invoked, input["stage"].(string))
		mu.Unlock()
		return task.Payload{}, nil
	})

	reg := task.NewRegistry()
	var stages []task.Task
	for _, name := range []string{"logic", "visual", "architect"} {
		reg.Register(name, cap)
		stages = append(stages, task.Task{Name: name, CapabilityName: name})
	}

	eng := New(fastConfig(), reg, newOpenGate(), nil)
	item := task.NewWorkItem("page-1", "page-1.xhtml")

	status := eng.RunPipeline(context.Background(), stages, item, 2, PipelineHooks{
		StageInput: func(i int, tk task.Task) (task.Payload, error) {
			return task.Payload{"stage": tk.Name}, nil
		},
	})

	if status != task.StatusSucceeded {
		t.Fatalf("status = %v, want succeeded", status)
	}
	if want := []string{"architect"}; !equalStrings(invoked, want) {
		t.Errorf("stages invoked = %v, want only the unfinished stage", invoked)
	}
}

func TestRunPipelineFailureSkipsRemainingStages(t *testing.T) {
	var calls atomic.Int32
	failing := task.CapabilityFunc(func(ctx context.Context, input task.Payload) (task.Payload, error) {
		return nil, task.NewError(task.CodeValidation, "bad page", nil)
	})
	counting := task.CapabilityFunc(func(ctx context.Context, input task.Payload) (task.Payload, error) {
		calls.Add(1)
		return task.Payload{}, nil
	})

	reg := task.NewRegistry()
	reg.Register("logic", failing)
	reg.Register("visual", counting)
	stages := []task.Task{
		{Name: "logic", CapabilityName: "logic"},
		{Name: "visual", CapabilityName: "visual"},
	}

	eng := New(fastConfig(), reg, newOpenGate(), nil)
	item := task.NewWorkItem("page-1", "page-1.xhtml")

	status := eng.RunPipeline(context.Background(), stages, item, 0, PipelineHooks{
		StageInput: func(i int, tk task.Task) (task.Payload, error) { return task.Payload{}, nil },
	})

	if status != task.StatusFailed {
		t.Fatalf("status = %v, want failed", status)
	}
	if calls.Load() != 0 {
		t.Error("a stage ran after the item had already failed")
	}
	if item.Status() != task.StatusFailed {
		t.Errorf("item status = %v", item.Status())
	}
}

func TestRunPipelineInputAssemblyErrorFailsItem(t *testing.T) {
	cap := task.CapabilityFunc(func(ctx context.Context, input task.Payload) (task.Payload, error) {
		t.Error("capability invoked despite input assembly failure")
		return task.Payload{}, nil
	})

	eng := New(fastConfig(), registryWith(t, "logic", cap), newOpenGate(), nil)
	item := task.NewWorkItem("page-1", "page-1.xhtml")

	status := eng.RunPipeline(context.Background(), []task.Task{{Name: "logic", CapabilityName: "logic"}}, item, 0, PipelineHooks{
		StageInput: func(i int, tk task.Task) (task.Payload, error) {
			return nil, errors.New("payload too large")
		},
	})

	if status != task.StatusFailed {
		t.Fatalf("status = %v, want failed", status)
	}
}

func TestRunPipelineBoundsConcurrency(t *testing.T) {
	const items = 6
	const limit = 2

	var running, peak atomic.Int32
	cap := task.CapabilityFunc(func(ctx context.Context, input task.Payload) (task.Payload, error) {
		now := running.Add(1)
		for {
			old := peak.Load()
			if now <= old || peak.CompareAndSwap(old, now) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return task.Payload{}, nil
	})

	cfg := fastConfig()
	cfg.MaxConcurrentWorkItems = limit
	eng := New(cfg, registryWith(t, "logic", cap), newOpenGate(), nil)
	stages := []task.Task{{Name: "logic", CapabilityName: "logic"}}

	var wg sync.WaitGroup
	statuses := make([]task.Status, items)
	for i := 0; i < items; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			item := task.NewWorkItem(fmt.Sprintf("page-%d", i), "page.xhtml")
			statuses[i] = eng.RunPipeline(context.Background(), stages, item, 0, PipelineHooks{
				StageInput: func(int, task.Task) (task.Payload, error) { return task.Payload{}, nil },
			})
		}(i)
	}
	wg.Wait()

	if got := peak.Load(); got > limit {
		t.Errorf("peak concurrency %d exceeds limit %d", got, limit)
	}
	for i, status := range statuses {
		if status != task.StatusSucceeded {
			t.Errorf("item %d status = %v", i, status)
		}
	}
}

func TestSubmitReturnsFuture(t *testing.T) {
	cap := task.CapabilityFunc(func(ctx context.Context, input task.Payload) (task.Payload, error) {
		return task.Payload{"scanned": true}, nil
	})

	eng := New(fastConfig(), registryWith(t, "scanner", cap), newOpenGate(), nil)
	item := task.NewWorkItem("bootstrap", "")

	f := eng.Submit(context.Background(), task.Task{Name: "scanner", CapabilityName: "scanner"}, item, task.Payload{})
	outcome, err := f.Outcome(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Kind != task.OutcomeSuccess {
		t.Fatalf("outcome = %v", outcome.Kind)
	}
	if outcome.Output["scanned"] != true {
		t.Errorf("output = %v", outcome.Output)
	}
}

func TestExponentialBackoffGrowsAndCaps(t *testing.T) {
	b := &ExponentialBackoff{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2.0}

	if got := b.NextDelay(0); got != time.Second {
		t.Errorf("NextDelay(0) = %v", got)
	}
	if got := b.NextDelay(1); got != 2*time.Second {
		t.Errorf("NextDelay(1) = %v", got)
	}
	if got := b.NextDelay(10); got != 5*time.Second {
		t.Errorf("NextDelay(10) = %v, want the cap", got)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
