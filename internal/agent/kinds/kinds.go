// Package kinds manages the task kinds an agent can execute and their
// handlers.
package kinds

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/cnapi/cnapi/internal/common/logger"
)

// Params are the task parameters as dispatched.
type Params map[string]interface{}

// EmitFunc reports one intermediate progress event while a handler
// runs.
type EmitFunc func(event string, detail map[string]interface{})

// Handler runs one task kind to completion. The returned detail map is
// attached to the terminal history entry.
type Handler func(ctx context.Context, params Params, emit EmitFunc) (map[string]interface{}, error)

// Registry manages the handlers for the task kinds an agent accepts.
type Registry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
	logger   *logger.Logger
}

// NewRegistry creates an empty kind registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   log,
	}
}

// Register adds a handler for a kind.
func (r *Registry) Register(kind string, handler Handler) error {
	if kind == "" || handler == nil {
		return fmt.Errorf("kind and handler are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("kind %q already registered", kind)
	}
	r.handlers[kind] = handler
	r.logger.Debug("registered task kind", zap.String("kind", kind))
	return nil
}

// Get returns the handler for a kind.
func (r *Registry) Get(kind string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, exists := r.handlers[kind]
	if !exists {
		return nil, fmt.Errorf("unknown task kind %q", kind)
	}
	return handler, nil
}

// Exists reports whether a kind is registered.
func (r *Registry) Exists(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[kind]
	return exists
}

// List returns the registered kinds, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
