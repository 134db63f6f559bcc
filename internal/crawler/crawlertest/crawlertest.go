// Package crawlertest provides an in-memory Browser and event recorder for
// testing crawl handlers against canned HTML.
package crawlertest

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/JakeFAU/congreso-crawler/internal/crawler"
	"github.com/JakeFAU/congreso-crawler/internal/events"
	"github.com/JakeFAU/congreso-crawler/internal/query"
)

// Browser serves HTML by URL. Clicks can be scripted to load other URLs.
type Browser struct {
	mu          sync.Mutex
	pages       map[string]string
	clicks      map[string][]string
	selected    map[string]string
	navigations map[string]int
}

// NewBrowser returns a Browser serving pages.
func NewBrowser(pages map[string]string) *Browser {
	return &Browser{
		pages:       pages,
		clicks:      make(map[string][]string),
		selected:    make(map[string]string),
		navigations: make(map[string]int),
	}
}

// OnClick scripts selector: the n-th click loads urls[n]. Clicks past the
// end of urls keep loading the last one.
func (b *Browser) OnClick(selector string, urls ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clicks[selector] = append(b.clicks[selector], urls...)
}

// Navigations reports how many times url was loaded.
func (b *Browser) Navigations(url string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.navigations[url]
}

// Selected returns the last value set on selector.
func (b *Browser) Selected(selector string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selected[selector]
}

// NewPage implements crawler.Browser.
func (b *Browser) NewPage(context.Context) (crawler.Page, error) {
	return &Page{browser: b}, nil
}

// Close implements crawler.Browser.
func (b *Browser) Close() error { return nil }

func (b *Browser) load(url string) (*query.HTMLDocument, error) {
	b.mu.Lock()
	b.navigations[url]++
	html, ok := b.pages[url]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("crawlertest: no page for %s", url)
	}
	return query.ParseHTML(html)
}

func (b *Browser) nextClick(selector string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	urls := b.clicks[selector]
	switch len(urls) {
	case 0:
		return "", false
	case 1:
		return urls[0], true
	}
	b.clicks[selector] = urls[1:]
	return urls[0], true
}

// Page is a Browser tab.
type Page struct {
	browser *Browser
	mu      sync.Mutex
	url     string
	doc     *query.HTMLDocument
}

func (p *Page) set(url string, doc *query.HTMLDocument) {
	p.mu.Lock()
	p.url, p.doc = url, doc
	p.mu.Unlock()
}

func (p *Page) document() *query.HTMLDocument {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc
}

// Navigate implements crawler.Page.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc, err := p.browser.load(url)
	if err != nil {
		return err
	}
	p.set(url, doc)
	return nil
}

// URL implements crawler.Page.
func (p *Page) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

// Click loads the next scripted URL for selector.
func (p *Page) Click(ctx context.Context, selector string) error {
	target, ok := p.browser.nextClick(selector)
	if !ok {
		return fmt.Errorf("crawlertest: click %s: %w", selector, query.ErrNoElement)
	}
	return p.Navigate(ctx, target)
}

// SelectOption records value for selector.
func (p *Page) SelectOption(_ context.Context, selector, value string) error {
	p.browser.mu.Lock()
	defer p.browser.mu.Unlock()
	p.browser.selected[selector] = value
	return nil
}

// WaitVisible fails unless selector matches the current document.
func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	elements, err := p.QueryAll(ctx, selector)
	if err != nil {
		return err
	}
	if len(elements) == 0 {
		return fmt.Errorf("crawlertest: wait %s: %w", selector, query.ErrNoElement)
	}
	return nil
}

// WaitURL fails unless the current URL matches pattern.
func (p *Page) WaitURL(ctx context.Context, pattern *regexp.Regexp) error {
	current, _ := p.URL(ctx)
	if !pattern.MatchString(current) {
		return fmt.Errorf("crawlertest: url %q does not match %s", current, pattern)
	}
	return nil
}

// QueryAll implements query.Document.
func (p *Page) QueryAll(ctx context.Context, selector string) ([]query.Element, error) {
	doc := p.document()
	if doc == nil {
		return nil, nil
	}
	return doc.QueryAll(ctx, selector)
}

// Evaluate implements query.Document. Scripts are not supported.
func (p *Page) Evaluate(ctx context.Context, selector, script string, arg, out any) error {
	doc := p.document()
	if doc == nil {
		return query.ErrNoElement
	}
	return doc.Evaluate(ctx, selector, script, arg, out)
}

// Close implements crawler.Page.
func (p *Page) Close() error { return nil }

// Recorder is an events.Emitter that keeps every event.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

// Publish implements events.Emitter.
func (r *Recorder) Publish(_ context.Context, evt events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// Entities returns the recorded entity events keyed by entity id. Later
// reports of the same id are appended in order.
func (r *Recorder) Entities() map[string][]any {
	out := map[string][]any{}
	for _, evt := range r.Events() {
		if evt.Kind == events.KindEntity {
			out[evt.EntityID] = append(out[evt.EntityID], evt.Value)
		}
	}
	return out
}
