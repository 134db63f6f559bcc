// Package reconcile merges freshly observed entities into persisted records.
//
// Observations from the current legislature replace the record value under
// the observed id and update the name index. Observations from earlier
// legislatures are filed into the history of whichever record the index maps
// their natural key to, or into the sentinel record when the person is not
// indexed yet.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/congreso-crawler/internal/metrics"
	"github.com/JakeFAU/congreso-crawler/internal/store"
)

const (
	// IndexKey is the reserved store key of the natural key to id index.
	IndexKey = "index"
	// SentinelID collects historical observations with no indexed owner.
	SentinelID = "0"
)

// Observation is an entity the reconciler can merge.
type Observation interface {
	// Term is the legislature the observation belongs to.
	Term() int
	// NaturalKey identifies the entity across legislatures, e.g. "name lastname".
	NaturalKey() string
}

// Record is the persisted form of an entity.
type Record[T any] struct {
	// Value is the latest current-legislature observation.
	Value *T `json:"value,omitempty"`
	// History holds earlier-legislature snapshots, newest legislature first.
	History []T `json:"history,omitempty"`
}

// Store is the persistence the reconciler needs.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Read(ctx context.Context, key string, out any) error
	Write(ctx context.Context, key string, value any) error
}

// Config configures a Reconciler.
type Config struct {
	// Source names the event source whose entities are reconciled.
	Source             string
	CurrentLegislature int
	Logger             *zap.Logger
}

// Reconciler merges observations of T into Store.
type Reconciler[T Observation] struct {
	store   Store
	source  string
	current int
	locks   *keyedMutex
	logger  *zap.Logger
}

// New builds a Reconciler.
func New[T Observation](st Store, cfg Config) (*Reconciler[T], error) {
	if st == nil {
		return nil, errors.New("reconciler requires a store")
	}
	if cfg.CurrentLegislature <= 0 {
		return nil, fmt.Errorf("current legislature must be > 0, got %d", cfg.CurrentLegislature)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler[T]{
		store:   st,
		source:  cfg.Source,
		current: cfg.CurrentLegislature,
		locks:   newKeyedMutex(),
		logger:  logger.Named("reconcile").With(zap.String("source", cfg.Source)),
	}, nil
}

// Seed writes an empty index unless one already exists.
func (r *Reconciler[T]) Seed(ctx context.Context) error {
	unlock := r.locks.Lock(IndexKey)
	defer unlock()
	ok, err := r.store.Exists(ctx, IndexKey)
	if err != nil {
		return fmt.Errorf("check index: %w", err)
	}
	if ok {
		return nil
	}
	if err := r.store.Write(ctx, IndexKey, map[string]string{}); err != nil {
		return fmt.Errorf("seed index: %w", err)
	}
	r.logger.Info("seeded empty index")
	return nil
}

// Reconcile merges value, observed under id, and returns the id of the record
// it was written to.
func (r *Reconciler[T]) Reconcile(ctx context.Context, id string, value T) (string, error) {
	if value.Term() == r.current {
		if id == "" || id == IndexKey {
			return "", fmt.Errorf("reconcile: invalid id %q", id)
		}
		return id, r.mergeCurrent(ctx, id, value)
	}
	return r.mergeHistorical(ctx, value)
}

func (r *Reconciler[T]) mergeCurrent(ctx context.Context, id string, value T) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	rec, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	v := value
	rec.Value = &v
	if err := r.store.Write(ctx, id, rec); err != nil {
		return fmt.Errorf("write record %s: %w", id, err)
	}

	unlockIndex := r.locks.Lock(IndexKey)
	defer unlockIndex()
	index, err := r.readIndex(ctx)
	if err != nil {
		return err
	}
	index[value.NaturalKey()] = id
	if err := r.store.Write(ctx, IndexKey, index); err != nil {
		// The record is stored but unreachable by name until the next
		// current observation of id rewrites the entry.
		r.logger.Error("record written without index entry",
			zap.String("entity_id", id),
			zap.String("natural_key", value.NaturalKey()),
			zap.Error(err))
		return fmt.Errorf("write index: %w", err)
	}
	metrics.ObserveReconcile(r.source, "current")
	return nil
}

func (r *Reconciler[T]) mergeHistorical(ctx context.Context, value T) (string, error) {
	id, err := r.resolve(ctx, value.NaturalKey())
	if err != nil {
		return "", err
	}
	kind := "historical"
	if id == SentinelID {
		kind = "sentinel"
		r.logger.Warn("historical observation has no indexed owner",
			zap.String("natural_key", value.NaturalKey()),
			zap.Int("legislature", value.Term()))
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	rec, err := r.load(ctx, id)
	if err != nil {
		return "", err
	}
	rec.History = insertHistory(rec.History, value)
	if err := r.store.Write(ctx, id, rec); err != nil {
		return "", fmt.Errorf("write record %s: %w", id, err)
	}
	metrics.ObserveReconcile(r.source, kind)
	return id, nil
}

func (r *Reconciler[T]) resolve(ctx context.Context, key string) (string, error) {
	unlock := r.locks.Lock(IndexKey)
	defer unlock()
	index, err := r.readIndex(ctx)
	if err != nil {
		return "", err
	}
	if id, ok := index[key]; ok {
		return id, nil
	}
	return SentinelID, nil
}

// insertHistory adds value, replacing any snapshot of the same legislature,
// and keeps the slice ordered by legislature descending.
func insertHistory[T Observation](history []T, value T) []T {
	out := make([]T, 0, len(history)+1)
	for _, h := range history {
		if h.Term() != value.Term() {
			out = append(out, h)
		}
	}
	out = append(out, value)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Term() > out[j].Term() })
	return out
}

func (r *Reconciler[T]) load(ctx context.Context, id string) (Record[T], error) {
	var rec Record[T]
	ok, err := r.store.Exists(ctx, id)
	if err != nil {
		return rec, fmt.Errorf("check record %s: %w", id, err)
	}
	if !ok {
		return rec, nil
	}
	if err := r.store.Read(ctx, id, &rec); err != nil {
		return rec, fmt.Errorf("read record %s: %w", id, err)
	}
	return rec, nil
}

// readIndex must be called with the index lock held.
func (r *Reconciler[T]) readIndex(ctx context.Context) (map[string]string, error) {
	index := map[string]string{}
	err := r.store.Read(ctx, IndexKey, &index)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return map[string]string{}, nil
	case err != nil:
		return nil, fmt.Errorf("read index: %w", err)
	}
	if index == nil {
		index = map[string]string{}
	}
	return index, nil
}

// Get returns the record stored under id or store.ErrNotFound.
func (r *Reconciler[T]) Get(ctx context.Context, id string) (Record[T], error) {
	if id == IndexKey {
		return Record[T]{}, fmt.Errorf("get %q: %w", id, store.ErrNotFound)
	}
	var rec Record[T]
	if err := r.store.Read(ctx, id, &rec); err != nil {
		return Record[T]{}, fmt.Errorf("get %s: %w", id, err)
	}
	return rec, nil
}

// Index returns a copy of the natural key index.
func (r *Reconciler[T]) Index(ctx context.Context) (map[string]string, error) {
	unlock := r.locks.Lock(IndexKey)
	defer unlock()
	return r.readIndex(ctx)
}

// Match pairs an indexed natural key with its record.
type Match[T any] struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Record Record[T] `json:"record"`
}

// FindByName returns the records whose natural key contains needle, ordered
// by natural key.
func (r *Reconciler[T]) FindByName(ctx context.Context, needle string) ([]Match[T], error) {
	index, err := r.Index(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(index))
	for key := range index {
		if strings.Contains(key, needle) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := make([]Match[T], 0, len(keys))
	for _, key := range keys {
		rec, err := r.Get(ctx, index[key])
		if err != nil {
			return nil, err
		}
		out = append(out, Match[T]{ID: index[key], Name: key, Record: rec})
	}
	return out, nil
}
