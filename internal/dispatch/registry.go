package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/dagflow/pkg/schema"
)

// Registry is a thread-safe set of named handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler. Returns CONFLICT on a duplicate name.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	name := h.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler %q already registered", name)
	}

	r.handlers[name] = h
	return nil
}

// Get retrieves a handler by name.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "handler %q not registered", name)
	}
	return h, nil
}

// List returns info for all registered handlers, sorted by name.
func (r *Registry) List() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]HandlerInfo, 0, len(r.handlers))
	for _, h := range r.handlers {
		infos = append(infos, HandlerInfo{
			Name:        h.Name(),
			Description: h.Schema().Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// RegisterNamespace bulk-registers handlers under a prefix.
// Each name becomes "prefix.originalName" (e.g. "billing.charge").
// Registration stops at the first conflict; earlier handlers stay registered.
func (r *Registry) RegisterNamespace(prefix string, hs []Handler) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "namespace prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, h := range hs {
		prefixed := fmt.Sprintf("%s.%s", prefix, h.Name())
		if _, exists := r.handlers[prefixed]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "handler %q already registered", prefixed)
		}
		r.handlers[prefixed] = &prefixedHandler{inner: h, name: prefixed}
		registered++
	}
	return registered, nil
}

// Has reports whether a handler is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

type prefixedHandler struct {
	inner Handler
	name  string
}

func (p *prefixedHandler) Name() string                         { return p.name }
func (p *prefixedHandler) Schema() HandlerSchema                { return p.inner.Schema() }
func (p *prefixedHandler) Validate(params map[string]any) error { return p.inner.Validate(params) }

func (p *prefixedHandler) Execute(ctx context.Context, input Input) (*Output, error) {
	return p.inner.Execute(ctx, input)
}
