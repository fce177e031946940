// Package memory implements the run-scoped shared memory bank. The bootstrap
// pass populates it, every downstream stage reads it, and it is erased at run
// teardown. After the bootstrap barrier is sealed, global keys are
// read-mostly: a conflicting write from another writer is a contract
// violation, not a silent overwrite.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pagelift/pagelift/config"
)

// Lifecycle errors. Clearing the bank before its contents were flushed to the
// snapshot file is the bug class the lifecycle state exists to catch.
var (
	ErrNotFlushed = errors.New("memory: clear before flush")
	ErrCleared    = errors.New("memory: bank already cleared")
)

// ConflictError reports a conflicting write to a bootstrap-scoped key after
// the barrier.
type ConflictError struct {
	Key            string
	Writer         string
	ExistingWriter string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("memory: conflicting write to %q by %q (owned by %q) after bootstrap barrier",
		e.Key, e.Writer, e.ExistingWriter)
}

// Entry is one stored fact.
type Entry struct {
	Value     any       `json:"value"`
	Writer    string    `json:"writer"`
	UpdatedAt time.Time `json:"updated_at"`

	lastAccess uint64
}

// Bank is the process-scoped, run-scoped key-value store shared across
// pipeline stages and work items.
type Bank struct {
	mu        sync.RWMutex
	path      string
	entries   map[string]*Entry
	accessSeq uint64
	sealed    bool
	flushed   bool
	cleared   bool
}

// NewBank creates an empty bank persisted to the given snapshot path.
func NewBank(path string) *Bank {
	return &Bank{
		path:    path,
		entries: make(map[string]*Entry),
		// An empty bank has nothing to lose, so it starts flushed.
		flushed: true,
	}
}

// ItemKey namespaces a key by work-item id. Item-scoped keys never conflict
// across the bootstrap barrier.
func ItemKey(workItemID, key string) string {
	return "item/" + workItemID + "/" + key
}

func itemScoped(key string) bool {
	return strings.HasPrefix(key, "item/")
}

// Put stores a fact. Identical (key, value) pairs are a no-op. Before the
// barrier writes follow last-write-wins; after SealBootstrap a value-changing
// write to a global key from a different writer fails with *ConflictError.
func (b *Bank) Put(key string, value any, writer string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cleared {
		return ErrCleared
	}

	existing, ok := b.entries[key]
	if ok && reflect.DeepEqual(existing.Value, value) {
		// Idempotent put, keep the original writer and timestamp.
		return nil
	}
	if ok && b.sealed && !itemScoped(key) && existing.Writer != writer {
		return &ConflictError{Key: key, Writer: writer, ExistingWriter: existing.Writer}
	}

	b.accessSeq++
	b.entries[key] = &Entry{
		Value:      value,
		Writer:     writer,
		UpdatedAt:  time.Now(),
		lastAccess: b.accessSeq,
	}
	b.flushed = false
	return nil
}

// Get returns the value stored for key and records the access for the
// compaction recency ranking.
func (b *Bank) Get(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[key]
	if !ok {
		return nil, false
	}
	b.accessSeq++
	entry.lastAccess = b.accessSeq
	return entry.Value, true
}

// SealBootstrap marks the bootstrap barrier. No per-item task may run before
// this; after it, global keys are protected against conflicting writes.
func (b *Bank) SealBootstrap() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
}

// Sealed reports whether the bootstrap barrier has been sealed.
func (b *Bank) Sealed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sealed
}

// ItemSnapshot returns the facts stored for one work item, keyed without the
// item prefix. On a resumed run this is how upstream stage outputs reach the
// stages that still have to run.
func (b *Bank) ItemSnapshot(workItemID string) map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()

	prefix := ItemKey(workItemID, "")
	out := make(map[string]any)
	for key, entry := range b.entries {
		if strings.HasPrefix(key, prefix) {
			out[strings.TrimPrefix(key, prefix)] = entry.Value
		}
	}
	return out
}

// Snapshot returns a serializable copy of the stored key-value map.
func (b *Bank) Snapshot() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]any, len(b.entries))
	for key, entry := range b.entries {
		out[key] = entry.Value
	}
	return out
}

// RecencyRanks returns each key's access rank: 0 is the least recently
// referenced key. The ranks feed payload compaction so the stalest facts are
// dropped first.
func (b *Bank) RecencyRanks() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, c := b.entries[keys[i]], b.entries[keys[j]]
		if a.lastAccess != c.lastAccess {
			return a.lastAccess < c.lastAccess
		}
		return keys[i] < keys[j]
	})

	ranks := make(map[string]int, len(keys))
	for i, key := range keys {
		ranks[key] = i
	}
	return ranks
}

// Load restores the bank from its snapshot file. A missing file leaves the
// bank empty; that is the normal first-run case.
func (b *Bank) Load() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cleared {
		return ErrCleared
	}

	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("memory: read snapshot: %w", err)
	}

	var snapshot map[string]*Entry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("memory: parse snapshot: %w", err)
	}

	b.entries = make(map[string]*Entry, len(snapshot))
	for key, entry := range snapshot {
		b.accessSeq++
		entry.lastAccess = b.accessSeq
		b.entries[key] = entry
	}
	b.flushed = true
	return nil
}

// Flush persists the snapshot to disk. Clear refuses to run until the latest
// writes have been flushed.
func (b *Bank) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cleared {
		return ErrCleared
	}

	if err := os.MkdirAll(filepath.Dir(b.path), 0755); err != nil {
		return fmt.Errorf("memory: create snapshot directory: %w", err)
	}
	data, err := json.MarshalIndent(b.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: marshal snapshot: %w", err)
	}
	if err := config.AtomicWriteFile(b.path, data, 0644); err != nil {
		return fmt.Errorf("memory: write snapshot: %w", err)
	}
	b.flushed = true
	return nil
}

// Clear erases the bank and removes the snapshot file. It runs at most once,
// at the teardown of a fully successful run, after all snapshots and logs are
// flushed; clearing an unflushed bank is a lifecycle violation.
func (b *Bank) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cleared {
		return ErrCleared
	}
	if !b.flushed {
		return ErrNotFlushed
	}

	b.entries = make(map[string]*Entry)
	b.cleared = true
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("memory: remove snapshot: %w", err)
	}
	return nil
}
