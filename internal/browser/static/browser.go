// Package static loads pages over plain HTTP with colly and queries them with
// goquery. It cannot run scripts, so interactive page operations fail with
// query.ErrUnsupported.
package static

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/congreso-crawler/internal/crawler"
	"github.com/JakeFAU/congreso-crawler/internal/query"
)

// Config controls the HTTP collector.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Browser hands out pages backed by one shared collector.
type Browser struct {
	base *colly.Collector
}

// New builds a Browser.
func New(cfg Config) *Browser {
	c := colly.NewCollector(colly.Async(false))
	// The crawl session keeps its own visited set and retries failed URLs.
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c.SetRequestTimeout(timeout)
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	c.WithTransport(transport)
	return &Browser{base: c}
}

// NewPage implements crawler.Browser.
func (b *Browser) NewPage(context.Context) (crawler.Page, error) {
	return &Page{base: b.base}, nil
}

// Close implements crawler.Browser.
func (b *Browser) Close() error {
	return nil
}

// Page holds the last document loaded through it.
type Page struct {
	base *colly.Collector

	mu  sync.RWMutex
	url string
	doc *query.HTMLDocument
}

// Navigate fetches url and parses the response body.
func (p *Page) Navigate(ctx context.Context, url string) error {
	var (
		body     []byte
		finalURL string
		fetchErr error
	)
	c := p.base.Clone()
	c.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
		finalURL = r.Request.URL.String()
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("%s returned %d: %w", url, r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("static navigate canceled: %w", err)
	}
	done := make(chan error, 1)
	go func() { done <- c.Visit(url) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("static navigate canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return fmt.Errorf("static navigate: %w", fetchErr)
		}
		if err != nil {
			return fmt.Errorf("static navigate: %w", err)
		}
	}

	doc, err := query.NewHTMLDocument(bytes.NewReader(body))
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.url = finalURL
	p.doc = doc
	p.mu.Unlock()
	return nil
}

func (p *Page) document() *query.HTMLDocument {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.doc
}

// URL implements crawler.Page.
func (p *Page) URL(context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url, nil
}

// QueryAll implements query.Document.
func (p *Page) QueryAll(ctx context.Context, selector string) ([]query.Element, error) {
	doc := p.document()
	if doc == nil {
		return nil, nil
	}
	return doc.QueryAll(ctx, selector)
}

// Evaluate implements query.Document.
func (p *Page) Evaluate(ctx context.Context, selector, script string, arg, out any) error {
	doc := p.document()
	if doc == nil {
		return query.ErrNoElement
	}
	return doc.Evaluate(ctx, selector, script, arg, out)
}

// Click is not supported without a script engine.
func (p *Page) Click(context.Context, string) error {
	return fmt.Errorf("click: %w", query.ErrUnsupported)
}

// SelectOption is not supported without a script engine.
func (p *Page) SelectOption(context.Context, string, string) error {
	return fmt.Errorf("select option: %w", query.ErrUnsupported)
}

// WaitVisible succeeds when selector matches the loaded document.
func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	elements, err := p.QueryAll(ctx, selector)
	if err != nil {
		return err
	}
	if len(elements) == 0 {
		return fmt.Errorf("wait %s: %w", selector, query.ErrNoElement)
	}
	return nil
}

// WaitURL succeeds when the loaded document address matches pattern.
func (p *Page) WaitURL(ctx context.Context, pattern *regexp.Regexp) error {
	current, _ := p.URL(ctx)
	if !pattern.MatchString(current) {
		return fmt.Errorf("wait for url %s: page is at %q", pattern, current)
	}
	return nil
}

// Close implements crawler.Page.
func (p *Page) Close() error {
	p.mu.Lock()
	p.doc = nil
	p.mu.Unlock()
	return nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
