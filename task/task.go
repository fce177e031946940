// Package task defines the vocabulary of the migration pipeline: stage
// descriptors, the external capability boundary, work items, attempt records
// and the failure taxonomy shared by the engine and the orchestrator.
package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Payload is the structured input/output of a capability invocation.
type Payload = map[string]any

// Capability performs the actual transformation behind a pipeline stage: an
// LLM call, an external search, a file emitter. Implementations report
// failures as coded *Error values so the engine can classify them.
type Capability interface {
	Invoke(ctx context.Context, input Payload) (Payload, error)
}

// CapabilityFunc adapts a function to the Capability interface.
type CapabilityFunc func(ctx context.Context, input Payload) (Payload, error)

func (f CapabilityFunc) Invoke(ctx context.Context, input Payload) (Payload, error) {
	return f(ctx, input)
}

// RetryPolicy overrides the engine retry budget for a single stage.
// A zero value means "use the run configuration".
type RetryPolicy struct {
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// Task is a named, reusable pipeline stage descriptor. Tasks are stateless;
// the same descriptor runs against every work item.
type Task struct {
	// Name identifies the stage and doubles as its messenger topic.
	Name string
	// InputKeys are the payload fields the stage consumes.
	InputKeys []string
	// OutputKeys are the payload fields the stage is expected to produce.
	OutputKeys []string
	// CapabilityName resolves the external capability through the registry.
	CapabilityName string
	// Retry optionally overrides the run-level retry budget.
	Retry RetryPolicy
}

// Registry maps capability names to implementations. Concrete stage behavior
// is supplied by registration, not by subclassing stage types.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register binds a capability implementation to a name. Re-registering a name
// replaces the previous binding.
func (r *Registry) Register(name string, cap Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[name] = cap
}

// Resolve returns the capability bound to name.
func (r *Registry) Resolve(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.caps[name]
	if !ok {
		return nil, fmt.Errorf("no capability registered for %q", name)
	}
	return cap, nil
}

// Names returns the registered capability names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
