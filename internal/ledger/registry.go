package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/types"
)

// HandlerFunc executes one named command against its serialized arguments.
type HandlerFunc func(ctx context.Context, args map[string]any) error

// Registry maps command names to handlers. Rollback and retry actions are
// stored on ledger entries as data and dispatched through here, so entries
// never hold opaque executable state.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register installs a handler. Re-registering a name replaces the handler.
func (r *Registry) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Dispatch runs the handler registered under cmd.Name.
func (r *Registry) Dispatch(ctx context.Context, cmd types.Command) error {
	r.mu.RLock()
	fn, ok := r.handlers[cmd.Name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler registered for command %q", cmd.Name)
	}
	return fn(ctx, cmd.Args)
}
