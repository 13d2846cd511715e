package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuongbtq/taskrelay/internal/task"
)

// Job is a fetched task handed to a Handler. PayloadPath is removed after the
// handler returns.
type Job struct {
	Message     task.Message
	PayloadPath string
	Size        int64
}

// Handler processes one task type. It must be safe to run again for the same
// task_id, because a crash before the ack leads to redelivery.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Registry maps task_type_id to its handler
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register sets the handler for taskTypeID, replacing any previous one
func (r *Registry) Register(taskTypeID string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskTypeID] = h
}

// Lookup returns the handler for taskTypeID or ErrUnknownTaskType
func (r *Registry) Lookup(taskTypeID string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[taskTypeID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskTypeID)
	}
	return h, nil
}

// TaskTypes returns the registered task type ids in order
func (r *Registry) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
