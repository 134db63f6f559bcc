package headless

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/congreso-crawler/internal/query"
)

// Page is one Chrome tab.
type Page struct {
	tabCtx  context.Context
	cancel  context.CancelFunc
	stop    func() bool
	timeout time.Duration
	status  *documentStatus
}

// run executes actions in the tab, bounded by both ctx and the navigation
// timeout.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(p.tabCtx, p.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// Navigate implements crawler.Page. HTTP error statuses on the main document
// are reported as errors so they can be retried.
func (p *Page) Navigate(ctx context.Context, url string) error {
	p.status.reset()
	err := p.run(ctx,
		network.Enable(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if code := p.status.code(); code >= http.StatusBadRequest {
		return fmt.Errorf("navigate: %s returned %d", url, code)
	}
	return nil
}

// URL implements crawler.Page.
func (p *Page) URL(ctx context.Context) (string, error) {
	var location string
	if err := p.run(ctx, chromedp.Location(&location)); err != nil {
		return "", fmt.Errorf("location: %w", err)
	}
	return location, nil
}

// Click implements crawler.Page.
func (p *Page) Click(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

// SelectOption implements crawler.Page. A change event is dispatched so
// listeners on the form see the new value.
func (p *Page) SelectOption(ctx context.Context, selector, value string) error {
	sel, err := json.Marshal(selector)
	if err != nil {
		return fmt.Errorf("encode selector: %w", err)
	}
	notify := fmt.Sprintf(`document.querySelector(%s).dispatchEvent(new Event("change", { bubbles: true }))`, sel)
	err = p.run(ctx,
		chromedp.SetValue(selector, value, chromedp.ByQuery),
		chromedp.Evaluate(notify, nil),
	)
	if err != nil {
		return fmt.Errorf("select %s: %w", selector, err)
	}
	return nil
}

// WaitVisible implements crawler.Page.
func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait %s: %w", selector, err)
	}
	return nil
}

// WaitURL implements crawler.Page by polling the tab location.
func (p *Page) WaitURL(ctx context.Context, pattern *regexp.Regexp) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		location, err := p.URL(ctx)
		if err != nil {
			return err
		}
		if pattern.MatchString(location) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for url %s: %w", pattern, ctx.Err())
		case <-ticker.C:
		}
	}
}

// QueryAll implements query.Document.
func (p *Page) QueryAll(ctx context.Context, selector string) ([]query.Element, error) {
	script, err := queryAllScript(selector)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Text  string            `json:"text"`
		Attrs map[string]string `json:"attrs"`
	}
	if err := p.run(ctx, chromedp.Evaluate(script, &raw)); err != nil {
		return nil, fmt.Errorf("query %s: %w", selector, err)
	}
	out := make([]query.Element, len(raw))
	for i, el := range raw {
		out[i] = query.Element{Text: el.Text, Attrs: el.Attrs}
	}
	return out, nil
}

// Evaluate implements query.Document.
func (p *Page) Evaluate(ctx context.Context, selector, script string, arg, out any) error {
	expr, err := evaluateScript(selector, script, arg)
	if err != nil {
		return err
	}
	var res evalResult
	if err := p.run(ctx, chromedp.Evaluate(expr, &res)); err != nil {
		return fmt.Errorf("evaluate %s: %w", selector, err)
	}
	return res.decode(out)
}

// Close closes the tab.
func (p *Page) Close() error {
	p.stop()
	p.cancel()
	return nil
}

func queryAllScript(selector string) (string, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return "", fmt.Errorf("encode selector: %w", err)
	}
	return fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map((el) => ({
  text: el.textContent || "",
  attrs: Object.fromEntries(Array.from(el.attributes).map((a) => [a.name, a.value])),
}))`, sel), nil
}

func evaluateScript(selector, script string, arg any) (string, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return "", fmt.Errorf("encode selector: %w", err)
	}
	argJSON, err := json.Marshal(arg)
	if err != nil {
		return "", fmt.Errorf("encode argument: %w", err)
	}
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) return { found: false };
  const value = (%s)(el, %s);
  return { found: true, value: value === undefined ? null : value };
})()`, sel, script, argJSON), nil
}

type evalResult struct {
	Found bool            `json:"found"`
	Value json.RawMessage `json:"value"`
}

func (r evalResult) decode(out any) error {
	if !r.Found {
		return query.ErrNoElement
	}
	if out == nil || len(r.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Value, out); err != nil {
		return fmt.Errorf("decode evaluation result: %w", err)
	}
	return nil
}

// documentStatus records the status of the last main-document response.
type documentStatus struct {
	mu     sync.Mutex
	status int
}

func (s *documentStatus) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	s.mu.Lock()
	s.status = int(resp.Response.Status)
	s.mu.Unlock()
}

func (s *documentStatus) reset() {
	s.mu.Lock()
	s.status = 0
	s.mu.Unlock()
}

func (s *documentStatus) code() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
