// Package obs is the observability sink for a run: an append-only JSONL
// stream with one record per task attempt, and an aggregate metrics summary
// exported as JSON at teardown.
package obs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pagelift/pagelift/config"
	"github.com/pagelift/pagelift/log"
	"github.com/pagelift/pagelift/task"
)

const (
	LogFileName     = "logs.jsonl"
	MetricsFileName = "metrics.json"
)

// Record is one line of the execution log.
type Record struct {
	Timestamp  time.Time `json:"timestamp"`
	WorkItemID string    `json:"work_item_id"`
	TaskName   string    `json:"task_name"`
	Attempt    int       `json:"attempt_number"`
	Outcome    string    `json:"outcome"`
	DurationMs int64     `json:"duration_ms"`
	Reason     string    `json:"reason,omitempty"`
}

// Summary is the aggregate metrics exported at the end of a run. The
// successful-runs and pages-migrated keys predate this runtime and are kept
// stable for downstream tooling.
type Summary struct {
	TotalItems        int     `json:"total_items"`
	Succeeded         int     `json:"succeeded"`
	Failed            int     `json:"failed"`
	Cancelled         int     `json:"cancelled"`
	RetryCount        int     `json:"retry_count"`
	AverageDurationMs float64 `json:"average_duration_ms"`
	SuccessfulRuns    int     `json:"successful_runs"`
	PagesMigrated     int     `json:"pages_migrated"`
}

// Observer collects execution records and aggregates them. It satisfies the
// engine's sink interface.
type Observer struct {
	mu          sync.Mutex
	logPath     string
	metricsPath string
	logFile     *os.File

	attempts        int
	retries         int
	successAttempts int
	totalDuration   time.Duration
	itemCounts      map[task.Status]int
}

// NewObserver creates the observability directory and opens the execution
// log for appending.
func NewObserver(dir string) (*Observer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("obs: create directory: %w", err)
	}
	logPath := filepath.Join(dir, LogFileName)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("obs: open execution log: %w", err)
	}
	return &Observer{
		logPath:     logPath,
		metricsPath: filepath.Join(dir, MetricsFileName),
		logFile:     f,
		itemCounts:  make(map[task.Status]int),
	}, nil
}

// Record appends one attempt to the execution log and folds it into the
// aggregates. Log write failures are logged, never propagated: observability
// must not fail the pipeline.
func (o *Observer) Record(exec task.Execution) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.attempts++
	if exec.Attempt > 1 {
		o.retries++
	}
	if exec.Outcome == task.OutcomeSuccess.String() {
		o.successAttempts++
	}
	o.totalDuration += exec.Duration()

	record := Record{
		Timestamp:  exec.FinishedAt,
		WorkItemID: exec.WorkItemID,
		TaskName:   exec.TaskName,
		Attempt:    exec.Attempt,
		Outcome:    exec.Outcome,
		DurationMs: exec.Duration().Milliseconds(),
		Reason:     exec.Reason,
	}
	line, err := json.Marshal(record)
	if err != nil {
		log.ErrorLog.Printf("obs: marshal record: %v", err)
		return
	}
	if _, err := o.logFile.Write(append(line, '\n')); err != nil {
		log.ErrorLog.Printf("obs: append record: %v", err)
	}
}

// RecordItem folds a work item's terminal status into the aggregates.
func (o *Observer) RecordItem(status task.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.itemCounts[status]++
}

// Summary returns the current aggregate metrics.
func (o *Observer) Summary() Summary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.summaryLocked()
}

func (o *Observer) summaryLocked() Summary {
	total := 0
	for _, count := range o.itemCounts {
		total += count
	}
	s := Summary{
		TotalItems:     total,
		Succeeded:      o.itemCounts[task.StatusSucceeded],
		Failed:         o.itemCounts[task.StatusFailed],
		Cancelled:      o.itemCounts[task.StatusCancelled],
		RetryCount:     o.retries,
		SuccessfulRuns: o.successAttempts,
		PagesMigrated:  o.itemCounts[task.StatusSucceeded],
	}
	if o.attempts > 0 {
		s.AverageDurationMs = float64(o.totalDuration.Milliseconds()) / float64(o.attempts)
	}
	return s
}

// Flush syncs the execution log and exports the metrics summary.
func (o *Observer) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.logFile.Sync(); err != nil {
		return fmt.Errorf("obs: sync execution log: %w", err)
	}
	data, err := json.MarshalIndent(o.summaryLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("obs: marshal metrics: %w", err)
	}
	if err := config.AtomicWriteFile(o.metricsPath, data, 0644); err != nil {
		return fmt.Errorf("obs: write metrics: %w", err)
	}
	return nil
}

// Close flushes and closes the execution log.
func (o *Observer) Close() error {
	if err := o.Flush(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.logFile.Close()
}
