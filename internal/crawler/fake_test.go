package crawler

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/congreso-crawler/internal/events"
	"github.com/JakeFAU/congreso-crawler/internal/query"
)

// fakeBrowser serves canned HTML keyed by URL.
type fakeBrowser struct {
	mu          sync.Mutex
	pages       map[string]string
	failures    map[string]int
	navigations map[string]int
	opened      atomic.Int32
	closed      atomic.Int32
}

func newFakeBrowser(pages map[string]string) *fakeBrowser {
	return &fakeBrowser{
		pages:       pages,
		failures:    make(map[string]int),
		navigations: make(map[string]int),
	}
}

func (b *fakeBrowser) NewPage(context.Context) (Page, error) {
	b.opened.Add(1)
	return &fakePage{browser: b}, nil
}

func (b *fakeBrowser) Close() error { return nil }

func (b *fakeBrowser) failNext(url string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[url] = n
}

func (b *fakeBrowser) navigationsTo(url string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.navigations[url]
}

func (b *fakeBrowser) totalNavigations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.navigations {
		total += n
	}
	return total
}

type fakePage struct {
	browser *fakeBrowser
	url     string
	doc     *query.HTMLDocument
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := p.browser
	b.mu.Lock()
	b.navigations[url]++
	if b.failures[url] > 0 {
		b.failures[url]--
		b.mu.Unlock()
		return fmt.Errorf("net::ERR_CONNECTION_RESET at %s", url)
	}
	html, ok := b.pages[url]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no page for %s", url)
	}
	doc, err := query.ParseHTML(html)
	if err != nil {
		return err
	}
	p.url = url
	p.doc = doc
	return nil
}

func (p *fakePage) URL(context.Context) (string, error) { return p.url, nil }

func (p *fakePage) QueryAll(ctx context.Context, selector string) ([]query.Element, error) {
	if p.doc == nil {
		return nil, nil
	}
	return p.doc.QueryAll(ctx, selector)
}

func (p *fakePage) Evaluate(ctx context.Context, selector, script string, arg, out any) error {
	if p.doc == nil {
		return query.ErrNoElement
	}
	return p.doc.Evaluate(ctx, selector, script, arg, out)
}

func (p *fakePage) Click(context.Context, string) error { return nil }
func (p *fakePage) SelectOption(context.Context, string, string) error { return nil }
func (p *fakePage) WaitVisible(context.Context, string) error { return nil }
func (p *fakePage) WaitURL(context.Context, *regexp.Regexp) error { return nil }
func (p *fakePage) Close() error {
	p.browser.closed.Add(1)
	return nil
}

// recordingEmitter keeps every event it receives.
type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *recordingEmitter) Publish(_ context.Context, evt events.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
	return nil
}

func (e *recordingEmitter) kinds() []events.Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]events.Kind, len(e.events))
	for i, evt := range e.events {
		out[i] = evt.Kind
	}
	return out
}

func (e *recordingEmitter) count(kind events.Kind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, evt := range e.events {
		if evt.Kind == kind {
			n++
		}
	}
	return n
}

func (e *recordingEmitter) ofKind(kind events.Kind) []events.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []events.Event
	for _, evt := range e.events {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

func fastRetry() *ExponentialRetryPolicy {
	return &ExponentialRetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}
