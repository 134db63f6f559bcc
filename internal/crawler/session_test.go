package crawler

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/congreso-crawler/internal/events"
	"github.com/JakeFAU/congreso-crawler/internal/query"
)

const (
	listURL  = "https://www.congreso.es/list"
	list2URL = "https://www.congreso.es/list2"
	profile1 = "https://www.congreso.es/p?codParlamentario=1"
	profile2 = "https://www.congreso.es/p?codParlamentario=2"
	profile3 = "https://www.congreso.es/p?codParlamentario=3"
)

var profileGlob = []string{"https://www.congreso.es/p*codParlamentario=*"}

func sitePages() map[string]string {
	return map[string]string{
		listURL: `<html><body>
			<a href="/p?codParlamentario=1">One</a>
			<a href="/p?codParlamentario=2#bio">Two</a>
			<a href="/about">About</a>
		</body></html>`,
		list2URL: `<html><body>
			<a href="https://www.congreso.es/p?codParlamentario=1">One again</a>
			<a href="/p?codParlamentario=3">Three</a>
		</body></html>`,
		profile1: `<html><body><h1 class="nombre">Uno</h1></body></html>`,
		profile2: `<html><body><h1 class="nombre">Dos</h1></body></html>`,
		profile3: `<html><body><h1 class="nombre">Tres</h1></body></html>`,
	}
}

var codRe = regexp.MustCompile(`codParlamentario=(\d+)`)

func reportProfile(ctx context.Context, c *Context) error {
	name, err := c.Query.Text(ctx, ".nombre")
	if err != nil {
		return err
	}
	id := query.Group(codRe.FindStringSubmatch(c.Request.URL), 1)
	return c.Report(ctx, id, map[string]string{"name": query.Deref(name)})
}

func siteRouter(t *testing.T) *Router {
	t.Helper()
	r := NewRouter()
	require.NoError(t, r.Register(DefaultLabel, HandlerFunc(func(ctx context.Context, c *Context) error {
		if _, err := c.EnqueueLinks(ctx, EnqueueOptions{Label: "profile", Globs: profileGlob}); err != nil {
			return err
		}
		_, err := c.EnqueueLinks(ctx, EnqueueOptions{Label: "list", URLs: []string{list2URL}})
		return err
	})))
	require.NoError(t, r.Register("list", HandlerFunc(func(ctx context.Context, c *Context) error {
		_, err := c.EnqueueLinks(ctx, EnqueueOptions{Label: "profile", Globs: profileGlob})
		return err
	})))
	require.NoError(t, r.Register("profile", HandlerFunc(reportProfile)))
	return r
}

func newTestSession(t *testing.T, r *Router, b Browser, mutate func(*Options)) (*Session, *recordingEmitter) {
	t.Helper()
	emitter := &recordingEmitter{}
	opts := Options{
		Source:         "person",
		MaxConcurrency: 2,
		Retry:          fastRetry(),
		Emitter:        emitter,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewSession(r, b, opts)
	require.NoError(t, err)
	return s, emitter
}

func TestNewSessionRequiresDefaultHandler(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	require.NoError(t, r.Register("profile", HandlerFunc(noop)))
	_, err := NewSession(r, newFakeBrowser(nil), Options{Source: "person"})
	require.ErrorIs(t, err, ErrNoHandlers)

	_, err = NewSession(nil, newFakeBrowser(nil), Options{Source: "person"})
	require.ErrorIs(t, err, ErrNoHandlers)
}

func TestSessionVisitsEnqueuedLinksOnce(t *testing.T) {
	t.Parallel()

	browser := newFakeBrowser(sitePages())
	s, emitter := newTestSession(t, siteRouter(t), browser, nil)

	require.NoError(t, s.Run(context.Background(), Request{URL: listURL}))

	// profile1 is linked from both list pages.
	require.Equal(t, 1, browser.navigationsTo(profile1))
	require.Equal(t, 1, browser.navigationsTo(profile2))
	require.Equal(t, 1, browser.navigationsTo(profile3))
	require.Equal(t, 0, browser.navigationsTo("https://www.congreso.es/about"))
	require.Equal(t, 5, browser.totalNavigations())
	require.Equal(t, browser.opened.Load(), browser.closed.Load())

	entities := emitter.ofKind(events.KindEntity)
	require.Len(t, entities, 3)
	ids := map[string]bool{}
	for _, evt := range entities {
		ids[evt.EntityID] = true
		require.Equal(t, "person", evt.Source)
	}
	require.Equal(t, map[string]bool{"1": true, "2": true, "3": true}, ids)

	kinds := emitter.kinds()
	require.Equal(t, events.KindCrawlStart, kinds[0])
	require.Equal(t, events.KindCrawlEnd, kinds[len(kinds)-1])
	require.Equal(t, 1, emitter.count(events.KindCrawlEnd))

	start := emitter.ofKind(events.KindCrawlStart)[0]
	require.Equal(t, listURL, start.URL)
	require.Equal(t, start.SessionID, entities[0].SessionID)
	require.False(t, s.State().Running)
}

func TestSessionSingleFlight(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var calls atomic.Int32
	r := NewRouter()
	require.NoError(t, r.Register(DefaultLabel, HandlerFunc(func(ctx context.Context, _ *Context) error {
		if calls.Add(1) == 1 {
			<-release
		}
		return nil
	})))
	s, emitter := newTestSession(t, r, newFakeBrowser(sitePages()), nil)

	require.True(t, s.Start(context.Background(), Request{URL: listURL}))
	require.False(t, s.Start(context.Background(), Request{URL: list2URL}))
	require.ErrorIs(t, s.Run(context.Background(), Request{URL: list2URL}), ErrSessionRunning)
	require.Equal(t, SessionState{Running: true, CurrentURL: listURL}, s.State())

	close(release)
	require.Eventually(t, func() bool { return !s.State().Running }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, emitter.count(events.KindCrawlStart))
	require.Equal(t, 1, emitter.count(events.KindCrawlEnd))

	// The session is reusable once released.
	require.True(t, s.Start(context.Background(), Request{URL: list2URL}))
	require.Eventually(t, func() bool { return emitter.count(events.KindCrawlEnd) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(2), calls.Load())
}

func TestSessionStartSurvivesCallerCancel(t *testing.T) {
	t.Parallel()

	browser := newFakeBrowser(sitePages())
	s, emitter := newTestSession(t, siteRouter(t), browser, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, s.Start(ctx, Request{URL: listURL}))
	cancel()

	require.Eventually(t, func() bool { return emitter.count(events.KindCrawlEnd) == 1 }, time.Second, 5*time.Millisecond)
	require.Len(t, emitter.ofKind(events.KindEntity), 3)
}

func TestSessionUnknownLabelAborts(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	require.NoError(t, r.Register(DefaultLabel, HandlerFunc(func(ctx context.Context, c *Context) error {
		_, err := c.EnqueueLinks(ctx, EnqueueOptions{Label: "missing", Globs: profileGlob})
		return err
	})))
	browser := newFakeBrowser(sitePages())
	s, emitter := newTestSession(t, r, browser, func(o *Options) { o.MaxConcurrency = 1 })

	err := s.Run(context.Background(), Request{URL: listURL})
	require.ErrorIs(t, err, ErrUnknownLabel)
	require.Equal(t, 0, browser.navigationsTo(profile1))
	require.Equal(t, 1, emitter.count(events.KindCrawlEnd))
	require.False(t, s.State().Running)

	err = s.Run(context.Background(), Request{URL: listURL, Label: "nope"})
	require.ErrorIs(t, err, ErrUnknownLabel)
	require.Equal(t, 2, emitter.count(events.KindCrawlEnd))
}

func TestSessionHandlerErrorContinues(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	require.NoError(t, r.Register(DefaultLabel, HandlerFunc(func(ctx context.Context, c *Context) error {
		_, err := c.EnqueueLinks(ctx, EnqueueOptions{Label: "profile", Globs: profileGlob})
		return err
	})))
	require.NoError(t, r.Register("profile", HandlerFunc(func(ctx context.Context, c *Context) error {
		switch c.Request.URL {
		case profile1:
			return errors.New("layout changed")
		case profile2:
			panic("nil selector")
		}
		return nil
	})))

	var (
		mu     sync.Mutex
		failed = map[string]string{}
	)
	s, emitter := newTestSession(t, r, newFakeBrowser(sitePages()), func(o *Options) {
		o.ErrorHandler = func(_ context.Context, req Request, err error) {
			mu.Lock()
			defer mu.Unlock()
			failed[req.URL] = err.Error()
		}
	})

	require.NoError(t, s.Run(context.Background(), Request{URL: listURL}))
	require.Equal(t, "layout changed", failed[profile1])
	require.Contains(t, failed[profile2], "handler panic")
	require.Equal(t, 1, emitter.count(events.KindCrawlEnd))
}

func TestSessionRetriesNavigation(t *testing.T) {
	t.Parallel()

	var handled atomic.Int32
	r := NewRouter()
	require.NoError(t, r.Register(DefaultLabel, HandlerFunc(func(context.Context, *Context) error {
		handled.Add(1)
		return nil
	})))

	browser := newFakeBrowser(sitePages())
	browser.failNext(listURL, 2)
	s, _ := newTestSession(t, r, browser, nil)
	require.NoError(t, s.Run(context.Background(), Request{URL: listURL}))
	require.Equal(t, 3, browser.navigationsTo(listURL))
	require.Equal(t, int32(1), handled.Load())

	var failure error
	browser = newFakeBrowser(sitePages())
	browser.failNext(listURL, 10)
	s, emitter := newTestSession(t, r, browser, func(o *Options) {
		o.ErrorHandler = func(_ context.Context, _ Request, err error) { failure = err }
	})
	require.NoError(t, s.Run(context.Background(), Request{URL: listURL}))
	require.Equal(t, 3, browser.navigationsTo(listURL))
	require.ErrorContains(t, failure, "after 3 attempts")
	require.Equal(t, int32(1), handled.Load())
	require.Equal(t, 1, emitter.count(events.KindCrawlEnd))
}

func TestSessionStopReleasesImmediately(t *testing.T) {
	t.Parallel()

	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	entered := make(chan struct{})

	var calls atomic.Int32
	r := NewRouter()
	require.NoError(t, r.Register(DefaultLabel, HandlerFunc(func(context.Context, *Context) error {
		if calls.Add(1) == 1 {
			close(entered)
			<-hang // ignores cancellation, like a stuck navigation
		}
		return nil
	})))
	s, emitter := newTestSession(t, r, newFakeBrowser(sitePages()), nil)

	require.True(t, s.Start(context.Background(), Request{URL: listURL}))
	<-entered

	s.Stop()
	require.False(t, s.State().Running)
	require.Equal(t, 1, emitter.count(events.KindCrawlEnd))

	s.Stop()
	require.Equal(t, 1, emitter.count(events.KindCrawlEnd))

	require.True(t, s.Start(context.Background(), Request{URL: list2URL}))
	require.Eventually(t, func() bool { return emitter.count(events.KindCrawlEnd) == 2 }, time.Second, 5*time.Millisecond)
	require.False(t, s.State().Running)
}

func TestSessionRespectsRequestsPerMinute(t *testing.T) {
	t.Parallel()

	browser := newFakeBrowser(sitePages())
	// 600 rpm spaces navigations 100ms apart regardless of worker count.
	s, _ := newTestSession(t, siteRouter(t), browser, func(o *Options) {
		o.MaxConcurrency = 4
		o.MaxRequestsPerMinute = 600
	})

	start := time.Now()
	require.NoError(t, s.Run(context.Background(), Request{URL: listURL}))
	require.Equal(t, 5, browser.totalNavigations())
	require.GreaterOrEqual(t, time.Since(start), 350*time.Millisecond)
}

func TestSessionBoundsConcurrency(t *testing.T) {
	t.Parallel()

	pages := map[string]string{}
	links := ""
	for i := range 8 {
		u := fmt.Sprintf("https://www.congreso.es/p?codParlamentario=%d", i)
		pages[u] = "<html></html>"
		links += fmt.Sprintf(`<a href="%s">%d</a>`, u, i)
	}
	pages[listURL] = "<html><body>" + links + "</body></html>"

	var current, peak atomic.Int32
	r := NewRouter()
	require.NoError(t, r.Register(DefaultLabel, HandlerFunc(func(ctx context.Context, c *Context) error {
		_, err := c.EnqueueLinks(ctx, EnqueueOptions{Label: "profile", Globs: profileGlob})
		return err
	})))
	require.NoError(t, r.Register("profile", HandlerFunc(func(context.Context, *Context) error {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	})))

	s, _ := newTestSession(t, r, newFakeBrowser(pages), func(o *Options) { o.MaxConcurrency = 2 })
	require.NoError(t, s.Run(context.Background(), Request{URL: listURL}))
	require.LessOrEqual(t, peak.Load(), int32(2))
	require.Equal(t, int32(2), peak.Load())
}

func TestReportWithoutEmitter(t *testing.T) {
	t.Parallel()

	browser := newFakeBrowser(sitePages())
	s, err := NewSession(siteRouter(t), browser, Options{Source: "person", Retry: fastRetry()})
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background(), Request{URL: listURL}))
	require.Equal(t, 5, browser.totalNavigations())
}

func TestEnqueuedRequestsCarryReferrer(t *testing.T) {
	t.Parallel()

	var referrers sync.Map
	r := NewRouter()
	require.NoError(t, r.Register(DefaultLabel, HandlerFunc(func(ctx context.Context, c *Context) error {
		referrers.Store(c.Request.URL, c.Request.Referrer)
		_, err := c.EnqueueLinks(ctx, EnqueueOptions{Label: "profile", Globs: profileGlob})
		return err
	})))
	require.NoError(t, r.Register("profile", HandlerFunc(func(_ context.Context, c *Context) error {
		referrers.Store(c.Request.URL, c.Request.Referrer)
		return nil
	})))

	s, _ := newTestSession(t, r, newFakeBrowser(sitePages()), nil)
	require.NoError(t, s.Run(context.Background(), Request{URL: listURL}))

	got, ok := referrers.Load(profile1)
	require.True(t, ok)
	require.Equal(t, listURL, got)
	seed, _ := referrers.Load(listURL)
	require.Equal(t, "", seed)
}

// gatedSink holds every Consume until open is closed.
type gatedSink struct {
	open chan struct{}
	mu   sync.Mutex
	got  []events.Kind
}

func (g *gatedSink) Consume(ctx context.Context, batch []events.Event) error {
	select {
	case <-g.open:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, evt := range batch {
		g.got = append(g.got, evt.Kind)
	}
	return nil
}

func (g *gatedSink) Close(context.Context) error { return nil }

func (g *gatedSink) kinds() []events.Kind {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]events.Kind(nil), g.got...)
}

func TestSessionCrawlEndSurvivesFullBus(t *testing.T) {
	t.Parallel()

	sink := &gatedSink{open: make(chan struct{})}
	hub := events.NewHub(events.Config{BufferSize: 1, MaxBatchEvents: 1}, sink)
	s, err := NewSession(siteRouter(t), newFakeBrowser(sitePages()), Options{
		Source:         "person",
		MaxConcurrency: 2,
		Retry:          fastRetry(),
		Emitter:        hub,
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(sink.open)
	}()
	require.NoError(t, s.Run(context.Background(), Request{URL: listURL}))
	require.NoError(t, hub.Close(context.Background()))

	kinds := sink.kinds()
	require.Len(t, kinds, 5)
	require.Equal(t, events.KindCrawlStart, kinds[0])
	require.Equal(t, events.KindCrawlEnd, kinds[len(kinds)-1])
}

type stalledEmitter struct{}

func (stalledEmitter) Publish(ctx context.Context, _ events.Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSessionEventTimeoutBoundsLifecyclePublish(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	require.NoError(t, r.Register(DefaultLabel, HandlerFunc(noop)))
	s, err := NewSession(r, newFakeBrowser(sitePages()), Options{
		Source:       "person",
		Emitter:      stalledEmitter{},
		EventTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Run(context.Background(), Request{URL: listURL}))
	require.Less(t, time.Since(start), time.Second)
	require.False(t, s.State().Running)
}

func TestNewSessionLogsRegisteredLabels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	_, err := NewSession(siteRouter(t), newFakeBrowser(nil), Options{
		Source:         "person",
		MaxConcurrency: 2,
		Logger:         zap.New(core),
	})
	require.NoError(t, err)

	entries := logs.FilterMessage("session configured").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, []interface{}{"default", "list", "profile"}, fields["labels"])
	require.EqualValues(t, 2, fields["max_concurrency"])
}
