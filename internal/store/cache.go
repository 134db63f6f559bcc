package store

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached is a write-through LRU cache in front of a Backend. Only successful
// writes and reads populate the cache, so a failed Put never leaves a value
// visible that the backend does not hold.
//
// A read that misses only fills the cache when no Put completed while it was
// reading the backend; otherwise it could replace a newer value with the
// bytes it read before that Put.
type Cached struct {
	backend Backend
	cache   *lru.Cache[string, []byte]

	mu  sync.Mutex
	gen uint64
}

// NewCached wraps backend with a cache holding up to size entries.
func NewCached(backend Backend, size int) (*Cached, error) {
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("create record cache: %w", err)
	}
	return &Cached{backend: backend, cache: cache}, nil
}

// Has implements Backend.
func (c *Cached) Has(ctx context.Context, key string) (bool, error) {
	if c.cache.Contains(key) {
		return true, nil
	}
	return c.backend.Has(ctx, key)
}

// Get implements Backend.
func (c *Cached) Get(ctx context.Context, key string) ([]byte, error) {
	if data, ok := c.cache.Get(key); ok {
		return clone(data), nil
	}
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	data, err := c.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.gen == gen {
		c.cache.Add(key, clone(data))
	}
	c.mu.Unlock()
	return data, nil
}

// Put implements Backend.
func (c *Cached) Put(ctx context.Context, key string, data []byte) error {
	err := c.backend.Put(ctx, key, data)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if err != nil {
		c.cache.Remove(key)
		return err
	}
	c.cache.Add(key, clone(data))
	return nil
}

// Len reports the number of cached entries.
func (c *Cached) Len() int {
	return c.cache.Len()
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
