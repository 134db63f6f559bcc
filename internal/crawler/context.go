package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/congreso-crawler/internal/events"
	"github.com/JakeFAU/congreso-crawler/internal/query"
)

// Context is what a Handler sees for one visited page.
type Context struct {
	Request Request
	Page    Page
	Query   *query.Query
	Logger  *zap.Logger

	run *run
}

// EnqueueLinks adds the links selected by opts to the session frontier and
// returns how many were new.
func (c *Context) EnqueueLinks(ctx context.Context, opts EnqueueOptions) (int, error) {
	links, err := collectLinks(ctx, c, opts)
	if err != nil {
		return 0, err
	}
	referrer := c.Request.URL
	if current, err := c.Page.URL(ctx); err == nil && current != "" {
		referrer = current
	}
	added := 0
	for _, link := range links {
		if c.run.enqueue(Request{URL: link, Label: opts.Label, Referrer: referrer}) {
			added++
		}
	}
	c.Logger.Debug("links enqueued",
		zap.String("target_label", opts.Label),
		zap.Int("candidates", len(links)),
		zap.Int("added", added))
	return added, nil
}

// Report publishes an observed entity on the event bus. It blocks while the
// bus is full.
func (c *Context) Report(ctx context.Context, id string, value any) error {
	if id == "" {
		return errors.New("report: empty entity id")
	}
	s := c.run.session
	if s.emitter == nil {
		return nil
	}
	pageURL := c.Request.URL
	if current, err := c.Page.URL(ctx); err == nil && current != "" {
		pageURL = current
	}
	err := s.emitter.Publish(ctx, events.Event{
		Source:    s.source,
		Kind:      events.KindEntity,
		SessionID: c.run.id,
		URL:       pageURL,
		EntityID:  id,
		Value:     value,
		TS:        time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("report %s: %w", id, err)
	}
	return nil
}

func (c *Context) pageURL(ctx context.Context) (*url.URL, error) {
	raw, err := c.Page.URL(ctx)
	if err != nil || raw == "" {
		raw = c.Request.URL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	return u, nil
}
