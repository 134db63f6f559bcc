package crawler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/congreso-crawler/internal/events"
	"github.com/JakeFAU/congreso-crawler/internal/metrics"
	"github.com/JakeFAU/congreso-crawler/internal/query"
	"github.com/JakeFAU/congreso-crawler/internal/ratelimit"
)

// ErrSessionRunning is returned by Run while another crawl is active.
var ErrSessionRunning = errors.New("crawl session already running")

var tracer = otel.Tracer("github.com/JakeFAU/congreso-crawler/internal/crawler")

// ErrorHandler receives navigation and handler failures. The page is closed
// after it returns and the session moves on.
type ErrorHandler func(ctx context.Context, req Request, err error)

// Options configures a Session.
type Options struct {
	// Source names the session in events, logs and metrics.
	Source string
	// MaxConcurrency bounds simultaneous page visits. Defaults to 1.
	MaxConcurrency int
	// MaxRequestsPerMinute caps navigations across the session. Zero means
	// unlimited.
	MaxRequestsPerMinute int
	// SameDomainDelay spaces navigations to the same origin.
	SameDomainDelay time.Duration
	ErrorHandler    ErrorHandler
	Retry           RetryPolicy
	Emitter         events.Emitter
	// EventTimeout bounds how long a crawl:start or crawl:end publish waits
	// for a full bus. Defaults to 10s.
	EventTimeout time.Duration
	Logger       *zap.Logger
}

const defaultEventTimeout = 10 * time.Second

// Session guarantees at most one running crawl for its source.
type Session struct {
	source  string
	router  *Router
	browser Browser
	opts    Options
	emitter events.Emitter
	logger  *zap.Logger

	mu         sync.Mutex
	generation uint64
	active     *run
	currentURL string
}

// NewSession validates router and binds it to browser.
func NewSession(router *Router, browser Browser, opts Options) (*Session, error) {
	if router == nil {
		return nil, ErrNoHandlers
	}
	if err := router.Validate(); err != nil {
		return nil, err
	}
	if browser == nil {
		return nil, errors.New("session requires a browser")
	}
	if opts.Source == "" {
		return nil, errors.New("session requires a source name")
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.Retry == nil {
		opts.Retry = NewExponentialRetryPolicy()
	}
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = defaultEventTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("session").With(zap.String("source", opts.Source))
	logger.Debug("session configured",
		zap.Strings("labels", router.Labels()),
		zap.Int("max_concurrency", opts.MaxConcurrency))
	s := &Session{
		source:  opts.Source,
		router:  router,
		browser: browser,
		opts:    opts,
		emitter: opts.Emitter,
		logger:  logger,
	}
	if opts.ErrorHandler == nil {
		s.opts.ErrorHandler = s.logError
	}
	return s, nil
}

// Source returns the source name the session was created with.
func (s *Session) Source() string {
	return s.source
}

// Start begins a crawl from req in the background. It returns false, and
// does nothing, while a crawl is already running. The crawl outlives ctx
// cancellation; use Stop to end it.
func (s *Session) Start(ctx context.Context, req Request) bool {
	r, ok := s.acquire(context.WithoutCancel(ctx), req)
	if !ok {
		s.logger.Debug("crawl already running, start ignored", zap.String("url", req.URL))
		return false
	}
	go func() {
		if err := s.execute(r); err != nil {
			s.logger.Error("crawl aborted", zap.String("session_id", r.id.String()), zap.Error(err))
		}
	}()
	return true
}

// Run crawls from req and blocks until the frontier is exhausted, a fatal
// error occurs or ctx is cancelled.
func (s *Session) Run(ctx context.Context, req Request) error {
	r, ok := s.acquire(ctx, req)
	if !ok {
		return ErrSessionRunning
	}
	return s.execute(r)
}

// Stop cancels the running crawl, if any, and releases the session at once
// without waiting for in-flight navigations.
func (s *Session) Stop() {
	s.mu.Lock()
	r := s.active
	s.mu.Unlock()
	if r == nil {
		return
	}
	r.cancel()
	s.finish(r)
}

// State reports whether a crawl is running and from which URL.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionState{Running: s.active != nil, CurrentURL: s.currentURL}
}

func (s *Session) acquire(parent context.Context, req Request) (*run, bool) {
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return nil, false
	}
	s.generation++
	ctx, cancel := context.WithCancel(parent)
	r := &run{
		id:      uuid.New(),
		gen:     s.generation,
		session: s,
		seed:    req,
		ctx:     ctx,
		cancel:  cancel,
		limiter: ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.opts.MaxRequestsPerMinute,
			SameOriginDelay:   s.opts.SameDomainDelay,
		}),
		visited: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
		started: time.Now(),
	}
	s.active = r
	s.currentURL = req.URL
	s.mu.Unlock()

	s.logger.Info("crawl started",
		zap.String("session_id", r.id.String()),
		zap.String("url", req.URL),
		zap.String("label", req.LabelOrDefault()))
	s.emit(r, events.KindCrawlStart)
	return r, true
}

// finish releases the session for r's generation and emits crawl:end. Only
// the first call per run has any effect.
func (s *Session) finish(r *run) {
	r.endOnce.Do(func() {
		r.cancel()
		s.mu.Lock()
		if s.generation == r.gen && s.active == r {
			s.active = nil
			s.currentURL = ""
		}
		s.mu.Unlock()

		s.logger.Info("crawl finished",
			zap.String("session_id", r.id.String()),
			zap.String("url", r.seed.URL),
			zap.Int("visited", r.visitedCount()),
			zap.Duration("elapsed", time.Since(r.started)))
		s.emit(r, events.KindCrawlEnd)
	})
}

func (s *Session) emit(r *run, kind events.Kind) {
	if s.emitter == nil {
		return
	}
	// crawl:end is published after r.ctx is cancelled; only the timeout
	// bounds the wait.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), s.opts.EventTimeout)
	defer cancel()
	err := s.emitter.Publish(ctx, events.Event{
		Source:    s.source,
		Kind:      kind,
		SessionID: r.id,
		URL:       r.seed.URL,
		TS:        time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("lifecycle event not delivered",
			zap.String("session_id", r.id.String()),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}

func (s *Session) execute(r *run) (err error) {
	defer s.finish(r)
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("crawl panic: %v", p)
			s.logger.Error("crawl panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
		}
	}()
	if _, err := s.router.lookup(r.seed.LabelOrDefault()); err != nil {
		return err
	}
	r.enqueue(r.seed)
	return r.crawl(s.opts.MaxConcurrency)
}

func (s *Session) logError(_ context.Context, req Request, err error) {
	s.logger.Error("request failed",
		zap.String("url", req.URL),
		zap.String("label", req.LabelOrDefault()),
		zap.Error(err))
}

// visit loads one request and dispatches it. Only ErrUnknownLabel is returned;
// every other failure goes to the error handler.
func (s *Session) visit(ctx context.Context, r *run, req Request) error {
	if ctx.Err() != nil {
		return nil
	}
	label := req.LabelOrDefault()
	if _, err := s.router.lookup(label); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "crawler.visit", trace.WithAttributes(
		attribute.String("crawler.source", s.source),
		attribute.String("crawler.label", label),
		attribute.String("url.full", req.URL),
	))
	start := time.Now()
	outcome := "ok"
	defer func() {
		metrics.ObservePage(s.source, label, outcome, time.Since(start))
		span.SetAttributes(attribute.String("crawler.outcome", outcome))
		if outcome == "error" || outcome == "fatal" {
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
	}()

	page, err := s.browser.NewPage(ctx)
	if err != nil {
		outcome = "error"
		s.fail(ctx, req, fmt.Errorf("open page: %w", err))
		return nil
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			s.logger.Debug("close page", zap.String("url", req.URL), zap.Error(cerr))
		}
	}()

	err = withRetry(ctx, s.opts.Retry,
		func(ctx context.Context) error { return r.limiter.Wait(ctx, req.URL) },
		func(ctx context.Context) error { return page.Navigate(ctx, req.URL) })
	if err != nil {
		outcome = "error"
		if ctx.Err() != nil {
			outcome = "cancelled"
			return nil
		}
		s.fail(ctx, req, fmt.Errorf("navigate %s: %w", req.URL, err))
		return nil
	}

	hctx := &Context{
		Request: req,
		Page:    page,
		Query:   query.New(page),
		Logger:  s.logger.With(zap.String("url", req.URL), zap.String("label", label)),
		run:     r,
	}
	if err := s.dispatch(ctx, hctx); err != nil {
		if errors.Is(err, ErrUnknownLabel) {
			outcome = "fatal"
			return err
		}
		outcome = "error"
		if ctx.Err() != nil {
			outcome = "cancelled"
			return nil
		}
		s.fail(ctx, req, err)
	}
	return nil
}

func (s *Session) dispatch(ctx context.Context, c *Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return s.router.Dispatch(ctx, c)
}

func (s *Session) fail(ctx context.Context, req Request, err error) {
	s.opts.ErrorHandler(ctx, req, err)
}

// run is the state of one crawl. It is discarded when the crawl ends.
type run struct {
	id      uuid.UUID
	gen     uint64
	session *Session
	seed    Request
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *ratelimit.Limiter
	started time.Time
	endOnce sync.Once

	mu       sync.Mutex
	visited  map[string]struct{}
	frontier []Request
	inflight int
	wake     chan struct{}
}

// enqueue adds req unless its normalised URL was seen before in this run.
func (r *run) enqueue(req Request) bool {
	key, err := NormalizeURL(req.URL)
	if err != nil {
		return false
	}
	r.mu.Lock()
	if _, seen := r.visited[key]; seen {
		r.mu.Unlock()
		return false
	}
	r.visited[key] = struct{}{}
	r.frontier = append(r.frontier, req)
	r.mu.Unlock()
	r.signal()
	return true
}

// next pops the oldest queued request. done is true once the frontier is
// empty and nothing is in flight.
func (r *run) next() (req Request, ok, done bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frontier) == 0 {
		return Request{}, false, r.inflight == 0
	}
	req = r.frontier[0]
	r.frontier[0] = Request{}
	r.frontier = r.frontier[1:]
	r.inflight++
	return req, true, false
}

func (r *run) taskDone() {
	r.mu.Lock()
	r.inflight--
	r.mu.Unlock()
	r.signal()
}

func (r *run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *run) visitedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.visited)
}

// crawl visits the frontier with up to workers concurrent pages.
func (r *run) crawl(workers int) error {
	g, ctx := errgroup.WithContext(r.ctx)
	g.SetLimit(workers)
loop:
	for ctx.Err() == nil {
		req, ok, done := r.next()
		if done {
			break
		}
		if !ok {
			select {
			case <-r.wake:
				continue
			case <-ctx.Done():
				break loop
			}
		}
		g.Go(func() error {
			defer r.taskDone()
			return r.session.visit(ctx, r, req)
		})
	}
	return g.Wait()
}
