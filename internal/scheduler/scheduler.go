// Package scheduler runs a callback on a cron schedule with bounded
// concurrency. Ticks that arrive while every slot is busy wait their turn in
// arrival order instead of being dropped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/congreso-crawler/internal/metrics"
)

// ErrInvalidSchedule is returned when the cron expression is missing or
// cannot be parsed.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Config describes one schedule.
type Config struct {
	// Name labels logs and metrics.
	Name string
	// Schedule is a cron expression with an optional leading seconds field,
	// or a descriptor such as "@hourly".
	Schedule string
	// Concurrency is the number of ticks allowed to run at once. Defaults to 1.
	Concurrency int
	// Timezone is an IANA zone name. Empty means the local zone.
	Timezone string
}

// TickFunc is invoked on every tick.
type TickFunc func(ctx context.Context) error

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler fires TickFunc according to Config. It is inert until Start.
type Scheduler struct {
	cfg        Config
	onTick     TickFunc
	onComplete func()
	logger     *zap.Logger

	cron  *cron.Cron
	slots *semaphore.Weighted

	// queued ticks wait on waitCtx; Stop cancels it.
	waitCtx    context.Context
	cancelWait context.CancelFunc

	mu       sync.Mutex
	started  bool
	stopped  bool
	inflight sync.WaitGroup
}

// New validates cfg and prepares a Scheduler.
func New(cfg Config, onTick TickFunc, onComplete func(), logger *zap.Logger) (*Scheduler, error) {
	if strings.TrimSpace(cfg.Schedule) == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidSchedule)
	}
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, cfg.Schedule, err)
	}
	if onTick == nil {
		return nil, errors.New("scheduler requires a tick function")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	loc := time.Local
	if cfg.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	waitCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg,
		onTick:     onTick,
		onComplete: onComplete,
		logger:     logger.Named("scheduler").With(zap.String("schedule", cfg.Name)),
		cron:       cron.New(cron.WithLocation(loc), cron.WithParser(parser)),
		slots:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		waitCtx:    waitCtx,
		cancelWait: cancel,
	}
	s.cron.Schedule(schedule, cron.FuncJob(s.tick))
	return s, nil
}

// Start begins firing ticks. Calling it more than once has no effect.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.String("expr", s.cfg.Schedule),
		zap.Int("concurrency", s.cfg.Concurrency),
		zap.Time("next", s.Next()))
}

// Next reports the next activation time, or the zero time before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Stop halts new ticks, abandons ticks still waiting for a slot and waits for
// running callbacks until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancelWait()
	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	if err := s.slots.Acquire(s.waitCtx, 1); err != nil {
		metrics.ObserveTick(s.cfg.Name, "abandoned")
		s.logger.Debug("queued tick abandoned")
		return
	}
	defer s.slots.Release(1)

	done := metrics.TrackTick(s.cfg.Name)
	defer done()

	outcome := "ok"
	if err := s.invoke(); err != nil {
		outcome = "error"
		s.logger.Error("tick failed", zap.Error(err))
	}
	metrics.ObserveTick(s.cfg.Name, outcome)
	s.complete()
}

func (s *Scheduler) invoke() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tick panic: %v", p)
			s.logger.Error("tick panicked", zap.ByteString("stack", debug.Stack()))
		}
	}()
	return s.onTick(context.Background())
}

func (s *Scheduler) complete() {
	if s.onComplete == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("completion callback panicked", zap.Any("panic", p))
		}
	}()
	s.onComplete()
}
