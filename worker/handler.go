// Package worker runs step handlers against the task queue: a poll loop
// acquires batches, a bounded executor invokes handlers, and a second
// executor concludes tasks asynchronously so handler slots free up
// immediately. Any number of workers can run against the same database.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360studio/semflow/store"
)

// Handler executes one workflow step. Implementations must be safe for
// concurrent calls; the same handler serves every task referencing it.
type Handler interface {
	Execute(ctx context.Context, hc *Context) (any, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, hc *Context) (any, error)

// Execute calls the function.
func (f HandlerFunc) Execute(ctx context.Context, hc *Context) (any, error) {
	return f(ctx, hc)
}

// Registry maps handler references from step definitions to implementations.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler reference to an implementation.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("handler name is required")
	}
	if h == nil {
		return fmt.Errorf("handler %q: implementation is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[name]; dup {
		return fmt.Errorf("handler %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// RegisterFunc binds a handler reference to a function.
func (r *Registry) RegisterFunc(name string, fn HandlerFunc) error {
	return r.Register(name, fn)
}

// MustRegister is Register that panics on error, for wiring at startup.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Get looks up a handler by reference.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names lists the registered handler references.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Context is what a handler sees about its task. Input is the previous
// step's output, or the execution input for the workflow's first element.
// Metadata written through SetMetadata is persisted back onto the task row
// before completion, so a retried handler can pick up where it left off.
type Context struct {
	// ExecutionID identifies the owning execution.
	ExecutionID string

	// WorkflowName names the workflow being run.
	WorkflowName string

	// StepName names the step this task was dispatched from.
	StepName string

	// Attempt is the 1-based number of the current run.
	Attempt int

	// Input is the payload for this step.
	Input store.JSONMap

	// ExecutionInput is the payload the execution was triggered with.
	ExecutionInput store.JSONMap

	// ParallelOutputs holds the merged sibling outputs, keyed by step name,
	// when this task directly follows a parallel block. Nil otherwise.
	ParallelOutputs store.JSONMap

	mu       sync.Mutex
	metadata store.JSONMap
	dirty    bool
}

// Metadata reads a metadata value persisted on the task row.
func (c *Context) Metadata(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.metadata[key]
	return v, ok
}

// SetMetadata records a metadata value to persist back onto the task row.
func (c *Context) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metadata == nil {
		c.metadata = store.JSONMap{}
	}
	c.metadata[key] = value
	c.dirty = true
}

// metadataSnapshot returns a copy of the metadata and whether it changed.
func (c *Context) metadataSnapshot() (store.JSONMap, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil, false
	}
	cp := make(store.JSONMap, len(c.metadata))
	for k, v := range c.metadata {
		cp[k] = v
	}
	return cp, true
}
