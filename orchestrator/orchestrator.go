// Package orchestrator composes the migration runtime: the bootstrap pass
// that populates shared memory, the per-item pipelines run with bounded
// concurrency, and the run lifecycle around them. Pause, resume and cancel
// delegate to the session manager.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/pagelift/pagelift/compact"
	"github.com/pagelift/pagelift/config"
	"github.com/pagelift/pagelift/engine"
	"github.com/pagelift/pagelift/log"
	"github.com/pagelift/pagelift/memory"
	"github.com/pagelift/pagelift/messenger"
	"github.com/pagelift/pagelift/obs"
	"github.com/pagelift/pagelift/session"
	"github.com/pagelift/pagelift/task"
)

// ErrNoActiveRun is returned by the control methods outside a run.
var ErrNoActiveRun = errors.New("orchestrator: no active run")

// bootstrapItemID is the pseudo work item the bootstrap pipeline runs as.
const bootstrapItemID = "bootstrap"

// Run directory layout.
const (
	memoryDirName   = "memory"
	obsDirName      = "observability"
	snapshotName    = "project_memory.json"
	checkpointName  = "session.json"
	memoryWriterTag = "orchestrator"
)

// RunStatus is the terminal status of a whole run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// ItemResult is the terminal report for one work item.
type ItemResult struct {
	ID       string      `json:"id"`
	Source   string      `json:"source"`
	Status   task.Status `json:"-"`
	StatusS  string      `json:"status"`
	Attempts int         `json:"attempts"`
}

// RunResult summarizes a finished run: per-item terminal status plus the
// aggregate counts from the observability sink.
type RunResult struct {
	RunID   string       `json:"run_id"`
	Status  RunStatus    `json:"status"`
	Items   []ItemResult `json:"items"`
	Summary obs.Summary  `json:"summary"`
}

// resumable reports whether the run left work behind that a resumed run
// could pick up.
func (r *RunResult) resumable() bool {
	if r.Status != RunCompleted {
		return true
	}
	for _, item := range r.Items {
		if item.Status != task.StatusSucceeded {
			return true
		}
	}
	return false
}

// Orchestrator owns the run lifecycle. One orchestrator drives one run at a
// time.
type Orchestrator struct {
	cfg       *config.Config
	registry  *task.Registry
	bootstrap task.PipelineDefinition
	migration task.PipelineDefinition

	// ResumeFromCheckpoint seeds the session from an existing checkpoint file
	// so completed stages are not re-run.
	ResumeFromCheckpoint bool

	mu   sync.Mutex
	sess *session.Manager
}

// New creates an orchestrator for the given configuration, capability
// registry and pipeline definitions.
func New(cfg *config.Config, registry *task.Registry, bootstrap, migration task.PipelineDefinition) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		bootstrap: bootstrap,
		migration: migration,
	}
}

// Pause asks the active run to stop starting new task attempts. In-flight
// attempts finish.
func (o *Orchestrator) Pause() error {
	sess := o.currentSession()
	if sess == nil {
		return ErrNoActiveRun
	}
	return sess.Pause()
}

// Resume continues a paused run from the next unexecuted task per item.
func (o *Orchestrator) Resume() error {
	sess := o.currentSession()
	if sess == nil {
		return ErrNoActiveRun
	}
	return sess.Resume()
}

// Cancel requests cancellation of the active run.
func (o *Orchestrator) Cancel() error {
	sess := o.currentSession()
	if sess == nil {
		return ErrNoActiveRun
	}
	return sess.Cancel()
}

// Session returns the active run's session manager, or nil outside a run.
func (o *Orchestrator) Session() *session.Manager {
	return o.currentSession()
}

func (o *Orchestrator) currentSession() *session.Manager {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess
}

func (o *Orchestrator) setSession(sess *session.Manager) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sess = sess
}

// Run executes the full run over the given source pages: bootstrap barrier,
// then one pipeline per page with bounded concurrency. It always returns a
// per-item status report; a single page's failure never aborts the run.
func (o *Orchestrator) Run(ctx context.Context, sources []string) (*RunResult, error) {
	runDir := o.cfg.RunDir
	if runDir == "" {
		runDir = "."
	}
	memoryDir := filepath.Join(runDir, memoryDirName)
	checkpointPath := filepath.Join(runDir, checkpointName)

	runID := uuid.NewString()
	sess := session.NewManager(runID, checkpointPath)
	if o.ResumeFromCheckpoint {
		if cp, err := session.LoadCheckpoint(checkpointPath); err == nil {
			sess.Restore(cp)
			runID = cp.RunID
		} else {
			log.WarningLog.Printf("resume requested but no usable checkpoint: %v", err)
		}
	}
	o.setSession(sess)
	defer o.setSession(nil)

	bank := memory.NewBank(filepath.Join(memoryDir, snapshotName))
	if o.ResumeFromCheckpoint {
		if err := bank.Load(); err != nil {
			return nil, fmt.Errorf("orchestrator: load memory snapshot: %w", err)
		}
	}

	observer, err := obs.NewObserver(filepath.Join(runDir, obsDirName))
	if err != nil {
		return nil, err
	}

	bus := messenger.NewBus()
	eng := engine.New(engine.Config{
		MaxConcurrentWorkItems: o.cfg.MaxConcurrentWorkItems,
		MaxRetries:             o.cfg.MaxRetries,
		BaseRetryDelay:         o.cfg.BaseRetryDelay,
		QuotaBackoffInitial:    o.cfg.QuotaBackoffInitial,
		BackoffMultiplier:      o.cfg.BackoffMultiplier,
		BackoffMaxCap:          o.cfg.BackoffMaxCap,
	}, o.registry, sess, observer)

	items := make([]*task.WorkItem, 0, len(sources))
	for _, source := range sources {
		items = append(items, task.NewWorkItem(source, source))
	}

	log.InfoLog.Printf("run %s starting: %d pages, concurrency %d", runID, len(items), o.cfg.MaxConcurrentWorkItems)

	r := &run{
		orchestrator: o,
		sess:         sess,
		bank:         bank,
		bus:          bus,
		eng:          eng,
		observer:     observer,
		items:        items,
	}
	result := r.execute(ctx, sources)

	// Teardown order matters: flush the observability log and the memory
	// snapshot first, then clear the bank, then release the bus. The snapshot
	// survives any run that left unfinished items behind; a later resumed run
	// reads the upstream outputs back out of it.
	if err := observer.Close(); err != nil {
		log.ErrorLog.Printf("run %s: close observer: %v", runID, err)
	}
	if err := bank.Flush(); err != nil {
		log.ErrorLog.Printf("run %s: flush memory: %v", runID, err)
	}
	if result.resumable() {
		log.InfoLog.Printf("run %s: unfinished items remain, keeping memory snapshot", runID)
	} else {
		if err := bank.Clear(); err != nil {
			log.ErrorLog.Printf("run %s: clear memory: %v", runID, err)
		}
		if err := os.Remove(memoryDir); err != nil && !os.IsNotExist(err) {
			log.DebugLog.Printf("run %s: remove memory dir: %v", runID, err)
		}
	}
	bus.Close()

	result.RunID = runID
	result.Summary = observer.Summary()
	log.InfoLog.Printf("run %s finished: %s", runID, result.Status)
	return result, nil
}

// run bundles the per-run collaborators so the stage hooks stay readable.
type run struct {
	orchestrator *Orchestrator
	sess         *session.Manager
	bank         *memory.Bank
	bus          *messenger.Bus
	eng          *engine.Engine
	observer     *obs.Observer
	items        []*task.WorkItem
}

func (r *run) execute(ctx context.Context, sources []string) *RunResult {
	if ok := r.runBootstrap(ctx, sources); !ok {
		// Bootstrap is a barrier: nothing per-item may start after it fails.
		result := r.collect(RunFailed)
		r.finishSession()
		return result
	}
	r.bank.SealBootstrap()
	if log.IsDebugEnabled() {
		log.DebugLog.Printf("bootstrap barrier sealed=%v, %d shared facts", r.bank.Sealed(), len(r.globalSnapshot()))
	}

	stages := r.orchestrator.migration.Tasks()
	var wg sync.WaitGroup
	for _, item := range r.items {
		startStage := r.sess.LastCompletedStage(item.ID) + 1
		if startStage >= len(stages) {
			// Already done in a previous run.
			item.SetStatus(task.StatusSucceeded)
			continue
		}

		wg.Add(1)
		go func(item *task.WorkItem, startStage int) {
			defer wg.Done()
			status := r.eng.RunPipeline(ctx, stages, item, startStage, engine.PipelineHooks{
				StageInput: func(i int, t task.Task) (task.Payload, error) {
					return r.assembleInput(item, stages[:i], t)
				},
				StageDone: func(i int, t task.Task, output task.Payload) error {
					return r.stageDone(item, i, t, output)
				},
			})
			if err := r.sess.SetItemStatus(item.ID, status); err != nil {
				log.WarningLog.Printf("item %s: checkpoint status: %v", item.ID, err)
			}
		}(item, startStage)
	}
	wg.Wait()

	status := RunCompleted
	if r.sess.Cancelled() {
		status = RunCancelled
	}
	result := r.collect(status)
	r.finishSession()
	return result
}

// runBootstrap drives the bootstrap pipeline as a single pseudo work item,
// sequentially and without consuming a concurrency slot. Its outputs become
// the bank's bootstrap-scoped keys.
func (r *run) runBootstrap(ctx context.Context, sources []string) bool {
	stages := r.orchestrator.bootstrap.Tasks()
	item := task.NewWorkItem(bootstrapItemID, "")
	start := r.sess.LastCompletedStage(bootstrapItemID) + 1

	for i := start; i < len(stages); i++ {
		t := stages[i]
		input := task.Payload{"pages": sources}
		mergeMemory(input, r.globalSnapshot(), r.bank.RecencyRanks())
		for j := 0; j < i; j++ {
			if msg, ok := r.bus.Latest(stages[j].Name, bootstrapItemID); ok {
				for key, value := range msg.Payload {
					input[key] = value
				}
			}
		}

		input, err := compact.Compact(input, r.orchestrator.cfg.ContextBudget)
		if err != nil {
			log.ErrorLog.Printf("bootstrap stage %s: %v", t.Name, err)
			return false
		}

		outcome := r.eng.Execute(ctx, t, item, input)
		if outcome.Kind != task.OutcomeSuccess {
			log.ErrorLog.Printf("bootstrap stage %s: %s: %s", t.Name, outcome.Kind, outcome.Reason)
			return false
		}

		if _, err := r.bus.Publish(t.Name, t.Name, bootstrapItemID, outcome.Output); err != nil {
			log.ErrorLog.Printf("bootstrap stage %s: publish: %v", t.Name, err)
			return false
		}
		for key, value := range outcome.Output {
			if err := r.bank.Put(key, value, t.Name); err != nil {
				log.ErrorLog.Printf("bootstrap stage %s: memory write: %v", t.Name, err)
				return false
			}
		}
		if err := r.sess.RecordCompletion(bootstrapItemID, i, task.StatusRunning); err != nil {
			log.WarningLog.Printf("bootstrap checkpoint: %v", err)
		}
	}

	if err := r.bank.Flush(); err != nil {
		log.ErrorLog.Printf("bootstrap: flush memory: %v", err)
		return false
	}
	return true
}

// assembleInput builds a stage payload from the item itself, the shared
// memory snapshot and the latest upstream stage outputs, then compacts it to
// the context budget.
func (r *run) assembleInput(item *task.WorkItem, upstream []task.Task, t task.Task) (task.Payload, error) {
	input := task.Payload{"file_path": item.Source}
	mergeMemory(input, r.globalSnapshot(), r.bank.RecencyRanks())

	// A resumed run starts with an empty bus; the item-scoped memory mirror
	// carries the upstream outputs across processes. Live messages, when
	// present, override the mirrored values.
	for key, value := range r.bank.ItemSnapshot(item.ID) {
		input[key] = value
	}
	for _, up := range upstream {
		if msg, ok := r.bus.Latest(up.Name, item.ID); ok {
			for key, value := range msg.Payload {
				input[key] = value
			}
		}
	}

	if len(t.InputKeys) > 0 {
		filtered := task.Payload{}
		for _, key := range t.InputKeys {
			if value, ok := input[key]; ok {
				filtered[key] = value
			}
		}
		if _, ok := filtered[compact.MemoryKey]; ok {
			filtered[compact.RanksKey] = input[compact.RanksKey]
		}
		input = filtered
	}

	return compact.Compact(input, r.orchestrator.cfg.ContextBudget)
}

// stageDone publishes the stage output for downstream stages, mirrors it
// into item-scoped memory, and checkpoints the completion.
func (r *run) stageDone(item *task.WorkItem, stageIndex int, t task.Task, output task.Payload) error {
	if _, err := r.bus.Publish(t.Name, t.Name, item.ID, output); err != nil {
		return err
	}
	for key, value := range output {
		if err := r.bank.Put(memory.ItemKey(item.ID, key), value, t.Name); err != nil {
			return err
		}
	}
	// Persist before checkpointing: whatever the checkpoint says completed
	// must be readable from the snapshot on resume.
	if err := r.bank.Flush(); err != nil {
		return err
	}
	return r.sess.RecordCompletion(item.ID, stageIndex, task.StatusRunning)
}

// globalSnapshot returns the bank's global (non item-scoped) facts.
func (r *run) globalSnapshot() map[string]any {
	out := map[string]any{}
	for key, value := range r.bank.Snapshot() {
		if !strings.HasPrefix(key, "item/") {
			out[key] = value
		}
	}
	return out
}

func mergeMemory(input task.Payload, facts map[string]any, ranks map[string]int) {
	if len(facts) == 0 {
		return
	}
	filtered := make(map[string]int, len(facts))
	for key := range facts {
		filtered[key] = ranks[key]
	}
	input[compact.MemoryKey] = facts
	input[compact.RanksKey] = filtered
}

func (r *run) collect(status RunStatus) *RunResult {
	result := &RunResult{Status: status}
	for _, item := range r.items {
		itemStatus := item.Status()
		if !itemStatus.Terminal() {
			// The report is terminal for every item: work that never ran is
			// cancelled in a cancelled run and failed otherwise.
			if status == RunCancelled {
				item.SetStatus(task.StatusCancelled)
			} else {
				item.SetStatus(task.StatusFailed)
			}
			itemStatus = item.Status()
		}
		r.observer.RecordItem(itemStatus)
		result.Items = append(result.Items, ItemResult{
			ID:       item.ID,
			Source:   item.Source,
			Status:   itemStatus,
			StatusS:  itemStatus.String(),
			Attempts: len(item.Executions()),
		})
	}
	return result
}

// finishSession drives the session to its terminal state, tolerating the
// transitions that are legitimately impossible (for example completing an
// already cancelled session).
func (r *run) finishSession() {
	if r.sess.State() == session.Paused {
		if err := r.sess.Resume(); err != nil {
			log.DebugLog.Printf("finish: resume: %v", err)
		}
	}
	if r.sess.Cancelled() {
		if err := r.sess.FinishCancel(); err != nil {
			log.DebugLog.Printf("finish: cancel: %v", err)
		}
		return
	}
	if err := r.sess.Complete(); err != nil {
		log.DebugLog.Printf("finish: complete: %v", err)
	}
}
