package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned by Publish once the Hub has begun shutting down.
var ErrClosed = errors.New("event hub closed")

// Config controls buffering and batching for the Hub.
type Config struct {
	// BufferSize is the number of events Publish can queue before it blocks
	// (default 1024).
	BufferSize int
	// MaxBatchEvents flushes a batch once it holds this many events (default 64).
	MaxBatchEvents int
	// MaxBatchWait flushes a non-empty batch after this long (default 100ms).
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call (default 30s).
	SinkTimeout time.Duration
	// BaseContext is the parent of every Consume context.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 64
	defaultMaxBatchWait   = 100 * time.Millisecond
	defaultSinkTimeout    = 30 * time.Second
)

// Hub delivers events to its sinks in publish order. A full buffer blocks
// the publisher instead of dropping, so lifecycle events are never lost to a
// burst of entities.
type Hub struct {
	cfg    Config
	sinks  []Sink
	queue  chan Event
	quit   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	closing   atomic.Bool
	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		queue:  make(chan Event, cfg.BufferSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go h.run()
	return h
}

// Publish queues evt, waiting for buffer space until ctx is done.
func (h *Hub) Publish(ctx context.Context, evt Event) error {
	if h == nil {
		return nil
	}
	if h.closing.Load() {
		return ErrClosed
	}
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	select {
	case h.queue <- evt:
		return nil
	default:
	}

	waitStart := time.Now()
	select {
	case h.queue <- evt:
		if evt.Kind != KindEntity {
			h.logger.Debug("lifecycle event waited for buffer space",
				zap.String("topic", evt.Topic()),
				zap.Duration("waited", time.Since(waitStart)))
		}
		return nil
	case <-h.quit:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", evt.Topic(), ctx.Err())
	}
}

// Close stops accepting events, delivers what is queued, closes the sinks
// and waits for all of that until ctx is done. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closing.Store(true)
		h.closeCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event hub close wait: %w", ctx.Err())
	}
}

// batch accumulates events between flushes. Its timer runs only while the
// batch is non-empty.
type batch struct {
	events []Event
	timer  *time.Timer
	expiry <-chan time.Time
}

func (b *batch) add(evt Event, wait time.Duration) {
	b.events = append(b.events, evt)
	if b.timer == nil {
		b.timer = time.NewTimer(wait)
		b.expiry = b.timer.C
	}
}

// take empties the batch and returns what it held.
func (b *batch) take() []Event {
	if b.timer != nil {
		b.timer.Stop()
		b.timer, b.expiry = nil, nil
	}
	out := b.events
	b.events = nil
	return out
}

func (h *Hub) run() {
	defer close(h.done)
	var pending batch
	for {
		select {
		case evt := <-h.queue:
			pending.add(evt, h.cfg.MaxBatchWait)
			if len(pending.events) >= h.cfg.MaxBatchEvents {
				h.deliver(pending.take())
			}
		case <-pending.expiry:
			h.deliver(pending.take())
		case <-h.quit:
			h.drain(pending.take())
			return
		}
	}
}

// drain delivers everything still queued after quit, then closes the sinks.
func (h *Hub) drain(rest []Event) {
	for {
		select {
		case evt := <-h.queue:
			rest = append(rest, evt)
			if len(rest) >= h.cfg.MaxBatchEvents {
				h.deliver(rest)
				rest = nil
			}
		default:
			h.deliver(rest)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) deliver(events []Event) {
	if len(events) == 0 {
		return
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, events); err != nil {
			h.logger.Warn("event sink consume failed", zap.Int("events", len(events)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("event sink close failed", zap.Error(err))
		}
	}
}
