package crawler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrDuplicateLabel is returned when a label is registered twice.
	ErrDuplicateLabel = errors.New("duplicate handler label")
	// ErrNoHandlers is returned when a router has no default handler.
	ErrNoHandlers = errors.New("router has no default handler")
	// ErrUnknownLabel aborts a session that dispatches an unregistered label.
	ErrUnknownLabel = errors.New("unknown handler label")
)

// Handler processes one loaded page.
type Handler interface {
	Handle(ctx context.Context, c *Context) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, c *Context) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, c *Context) error {
	return f(ctx, c)
}

// Router maps request labels to handlers. Registration happens at startup;
// lookups are safe for concurrent use afterwards.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register binds label to h. An empty label registers the default handler.
func (r *Router) Register(label string, h Handler) error {
	if h == nil {
		return fmt.Errorf("register %q: nil handler", label)
	}
	if label == "" {
		label = DefaultLabel
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[label]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateLabel, label)
	}
	r.handlers[label] = h
	return nil
}

// Validate reports ErrNoHandlers unless a default handler is registered.
func (r *Router) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.handlers[DefaultLabel]; !ok {
		return ErrNoHandlers
	}
	return nil
}

// Labels lists the registered labels in sorted order.
func (r *Router) Labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	labels := make([]string, 0, len(r.handlers))
	for label := range r.handlers {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Dispatch runs the handler registered for the context's request label.
func (r *Router) Dispatch(ctx context.Context, c *Context) error {
	h, err := r.lookup(c.Request.LabelOrDefault())
	if err != nil {
		return err
	}
	return h.Handle(ctx, c)
}

func (r *Router) lookup(label string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[label]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	return h, nil
}
