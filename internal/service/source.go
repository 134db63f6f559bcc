// Package service composes a crawl session, its schedule and its reconciled
// store into one runnable source.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/congreso-crawler/internal/crawler"
	"github.com/JakeFAU/congreso-crawler/internal/scheduler"
)

// Crawler is the session surface a Source drives. *crawler.Session
// implements it.
type Crawler interface {
	Start(ctx context.Context, req crawler.Request) bool
	Run(ctx context.Context, req crawler.Request) error
	Stop()
	State() crawler.SessionState
}

// Seeder prepares persisted state before the first crawl.
type Seeder interface {
	Seed(ctx context.Context) error
}

// Config describes a Source.
type Config struct {
	Name string
	// Seed is the request crawled on schedule and when Crawl gets no URL.
	Seed crawler.Request
	// Schedule enables periodic crawls when set.
	Schedule *scheduler.Config
	// Seeder runs once on Start. Optional.
	Seeder Seeder
	Logger *zap.Logger
}

// Source runs one crawl session on demand and on schedule.
type Source struct {
	name    string
	seed    crawler.Request
	crawler Crawler
	seeder  Seeder
	sched   *scheduler.Scheduler
	logger  *zap.Logger

	// ticks run under runCtx so Stop can end a scheduled crawl.
	runCtx    context.Context
	cancelRun context.CancelFunc

	mu      sync.Mutex
	started bool
}

// New builds a Source over c.
func New(cfg Config, c Crawler) (*Source, error) {
	if cfg.Name == "" {
		return nil, errors.New("source name is required")
	}
	if c == nil {
		return nil, fmt.Errorf("source %s: crawler is required", cfg.Name)
	}
	if cfg.Seed.URL == "" {
		return nil, fmt.Errorf("source %s: seed url is required", cfg.Name)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Source{
		name:      cfg.Name,
		seed:      cfg.Seed,
		crawler:   c,
		seeder:    cfg.Seeder,
		logger:    logger.Named("source").With(zap.String("source", cfg.Name)),
		runCtx:    runCtx,
		cancelRun: cancel,
	}
	if cfg.Schedule != nil {
		schedCfg := *cfg.Schedule
		if schedCfg.Name == "" {
			schedCfg.Name = cfg.Name
		}
		sched, err := scheduler.New(schedCfg, s.tick, nil, logger)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("source %s: %w", cfg.Name, err)
		}
		s.sched = sched
	}
	return s, nil
}

// Name returns the source name.
func (s *Source) Name() string { return s.name }

// Start seeds persisted state and starts the schedule.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err := s.Seed(ctx); err != nil {
		return err
	}
	if s.sched != nil {
		s.sched.Start()
	}
	s.started = true
	s.logger.Info("source started", zap.Time("next_crawl", s.Next()))
	return nil
}

// Seed runs the configured Seeder, if any.
func (s *Source) Seed(ctx context.Context) error {
	if s.seeder == nil {
		return nil
	}
	if err := s.seeder.Seed(ctx); err != nil {
		return fmt.Errorf("seed %s: %w", s.name, err)
	}
	return nil
}

// Stop halts the schedule and any running crawl. It waits for running
// ticks until ctx is done.
func (s *Source) Stop(ctx context.Context) error {
	s.cancelRun()
	s.crawler.Stop()
	if s.sched == nil {
		return nil
	}
	return s.sched.Stop(ctx)
}

// Crawl starts a crawl from url in the background and reports whether it
// started. An empty url crawls the seed. A call made while a crawl is
// running is ignored.
func (s *Source) Crawl(ctx context.Context, url, label string) bool {
	return s.crawler.Start(ctx, s.request(url, label))
}

// Run crawls from url and blocks until the crawl ends.
func (s *Source) Run(ctx context.Context, url, label string) error {
	return s.crawler.Run(ctx, s.request(url, label))
}

// StopCrawl cancels the running crawl, if any. The schedule keeps running.
func (s *Source) StopCrawl() { s.crawler.Stop() }

// State reports the session state.
func (s *Source) State() crawler.SessionState { return s.crawler.State() }

// Next reports the next scheduled crawl, or the zero time when unscheduled.
func (s *Source) Next() time.Time {
	if s.sched == nil {
		return time.Time{}
	}
	return s.sched.Next()
}

func (s *Source) request(url, label string) crawler.Request {
	if url == "" {
		req := s.seed
		if label != "" {
			req.Label = label
		}
		return req
	}
	return crawler.Request{URL: url, Label: label}
}

func (s *Source) tick(context.Context) error {
	err := s.crawler.Run(s.runCtx, s.seed)
	if errors.Is(err, crawler.ErrSessionRunning) {
		s.logger.Info("scheduled crawl skipped, session busy")
		return nil
	}
	return err
}
