// Package memory keeps records in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/congreso-crawler/internal/store"
)

// Backend stores values in a map guarded by a RWMutex.
type Backend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{data: make(map[string][]byte)}
}

// Has implements store.Backend.
func (b *Backend) Has(_ context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.data[key]
	return ok, nil
}

// Get implements store.Backend.
func (b *Backend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.data[key]
	if !ok {
		return nil, fmt.Errorf("memory get %s: %w", key, store.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Put implements store.Backend.
func (b *Backend) Put(_ context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = append([]byte(nil), data...)
	return nil
}

