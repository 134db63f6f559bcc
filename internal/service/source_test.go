package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/congreso-crawler/internal/crawler"
	"github.com/JakeFAU/congreso-crawler/internal/crawler/crawlertest"
	"github.com/JakeFAU/congreso-crawler/internal/reconcile"
	"github.com/JakeFAU/congreso-crawler/internal/scheduler"
	"github.com/JakeFAU/congreso-crawler/internal/store"
	"github.com/JakeFAU/congreso-crawler/internal/store/memory"
)

const (
	seedURL  = "https://www.congreso.es/seed"
	otherURL = "https://www.congreso.es/other"
)

type blockingCrawl struct {
	session *crawler.Session
	browser *crawlertest.Browser
	release chan struct{}
	visits  atomic.Int32
}

func newBlockingCrawl(t *testing.T) *blockingCrawl {
	t.Helper()
	b := &blockingCrawl{
		browser: crawlertest.NewBrowser(map[string]string{
			seedURL:  "<html><body>seed</body></html>",
			otherURL: "<html><body>other</body></html>",
		}),
		release: make(chan struct{}),
	}
	router := crawler.NewRouter()
	require.NoError(t, router.Register(crawler.DefaultLabel, crawler.HandlerFunc(
		func(ctx context.Context, _ *crawler.Context) error {
			b.visits.Add(1)
			select {
			case <-b.release:
			case <-ctx.Done():
			}
			return nil
		})))
	session, err := crawler.NewSession(router, b.browser, crawler.Options{Source: "test"})
	require.NoError(t, err)
	b.session = session
	return b
}

type countingSeeder struct {
	calls atomic.Int32
	err   error
}

func (s *countingSeeder) Seed(context.Context) error {
	s.calls.Add(1)
	return s.err
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	crawl := newBlockingCrawl(t)
	_, err := New(Config{Seed: crawler.Request{URL: seedURL}}, crawl.session)
	require.Error(t, err)

	_, err = New(Config{Name: "test"}, crawl.session)
	require.Error(t, err)

	_, err = New(Config{Name: "test", Seed: crawler.Request{URL: seedURL}}, nil)
	require.Error(t, err)

	_, err = New(Config{
		Name:     "test",
		Seed:     crawler.Request{URL: seedURL},
		Schedule: &scheduler.Config{Schedule: "every day"},
	}, crawl.session)
	require.ErrorIs(t, err, scheduler.ErrInvalidSchedule)
}

func TestCrawlIsFireAndForget(t *testing.T) {
	t.Parallel()

	crawl := newBlockingCrawl(t)
	src, err := New(Config{Name: "test", Seed: crawler.Request{URL: seedURL}}, crawl.session)
	require.NoError(t, err)

	require.True(t, src.Crawl(context.Background(), "", ""))
	require.Eventually(t, func() bool { return crawl.visits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, src.State().Running)
	require.Equal(t, seedURL, src.State().CurrentURL)

	require.False(t, src.Crawl(context.Background(), otherURL, ""))

	close(crawl.release)
	require.Eventually(t, func() bool { return !src.State().Running }, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, crawl.browser.Navigations(otherURL))

	require.True(t, src.Crawl(context.Background(), otherURL, ""))
	require.Eventually(t, func() bool { return !src.State().Running }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, crawl.browser.Navigations(otherURL))
}

func TestStopCrawl(t *testing.T) {
	t.Parallel()

	crawl := newBlockingCrawl(t)
	src, err := New(Config{Name: "test", Seed: crawler.Request{URL: seedURL}}, crawl.session)
	require.NoError(t, err)

	require.True(t, src.Crawl(context.Background(), "", ""))
	require.Eventually(t, func() bool { return crawl.visits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	src.StopCrawl()
	require.False(t, src.State().Running)
}

func TestStartSeedsAndSchedules(t *testing.T) {
	t.Parallel()

	crawl := newBlockingCrawl(t)
	close(crawl.release)
	seeder := &countingSeeder{}
	src, err := New(Config{
		Name:     "test",
		Seed:     crawler.Request{URL: seedURL},
		Schedule: &scheduler.Config{Schedule: "* * * * * *"},
		Seeder:   seeder,
	}, crawl.session)
	require.NoError(t, err)
	require.True(t, src.Next().IsZero())

	require.NoError(t, src.Start(context.Background()))
	require.NoError(t, src.Start(context.Background()))
	require.Equal(t, int32(1), seeder.calls.Load())
	require.False(t, src.Next().IsZero())

	require.Eventually(t, func() bool { return crawl.browser.Navigations(seedURL) >= 1 }, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, src.Stop(ctx))
}

func TestStartSeedFailure(t *testing.T) {
	t.Parallel()

	crawl := newBlockingCrawl(t)
	src, err := New(Config{
		Name:   "test",
		Seed:   crawler.Request{URL: seedURL},
		Seeder: &countingSeeder{err: errors.New("store down")},
	}, crawl.session)
	require.NoError(t, err)
	require.ErrorContains(t, src.Start(context.Background()), "store down")
}

func TestStartSeedsReconcilerIndex(t *testing.T) {
	t.Parallel()

	st := store.New(memory.New())
	r, err := reconcile.New[observation](st, reconcile.Config{Source: "test", CurrentLegislature: 15})
	require.NoError(t, err)

	crawl := newBlockingCrawl(t)
	src, err := New(Config{Name: "test", Seed: crawler.Request{URL: seedURL}, Seeder: r}, crawl.session)
	require.NoError(t, err)
	require.NoError(t, src.Start(context.Background()))

	ok, err := st.Exists(context.Background(), reconcile.IndexKey)
	require.NoError(t, err)
	require.True(t, ok)
}

type observation struct {
	Name string `json:"name"`
	Leg  int    `json:"leg"`
}

func (o observation) Term() int          { return o.Leg }
func (o observation) NaturalKey() string { return o.Name }
