package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get and Read for unknown keys.
var ErrNotFound = errors.New("record not found")

// Backend is the raw key-value contract implemented by each storage engine.
type Backend interface {
	Has(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// Store reads and writes JSON values on a Backend.
type Store struct {
	backend Backend
}

// New wraps backend with the JSON codec.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// Exists reports whether key has a stored value.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	ok, err := s.backend.Has(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", key, err)
	}
	return ok, nil
}

// Read decodes the value stored under key into out.
func (s *Store) Read(ctx context.Context, key string, out any) error {
	if err := validateKey(key); err != nil {
		return err
	}
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// Write encodes value and stores it under key, replacing any previous value.
func (s *Store) Write(ctx context.Context, key string, value any) error {
	if err := validateKey(key); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.backend.Put(ctx, key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	return nil
}

// Prefixed scopes every key of backend under namespace.
type Prefixed struct {
	backend   Backend
	namespace string
}

// WithPrefix returns backend with keys stored as "<namespace>/<key>".
func WithPrefix(backend Backend, namespace string) *Prefixed {
	return &Prefixed{backend: backend, namespace: strings.Trim(namespace, "/")}
}

func (p *Prefixed) key(key string) string {
	if p.namespace == "" {
		return key
	}
	return p.namespace + "/" + key
}

// Has implements Backend.
func (p *Prefixed) Has(ctx context.Context, key string) (bool, error) {
	return p.backend.Has(ctx, p.key(key))
}

// Get implements Backend.
func (p *Prefixed) Get(ctx context.Context, key string) ([]byte, error) {
	return p.backend.Get(ctx, p.key(key))
}

// Put implements Backend.
func (p *Prefixed) Put(ctx context.Context, key string, data []byte) error {
	return p.backend.Put(ctx, p.key(key), data)
}
