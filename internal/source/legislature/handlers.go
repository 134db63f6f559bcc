package legislature

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/congreso-crawler/internal/crawler"
	"github.com/JakeFAU/congreso-crawler/internal/query"
)

// Crawl labels and page selectors.
const (
	LabelLegislature = "legislature"
	LabelPresident   = "president"

	legislatureGlob   = "https://www.congreso.es/es/cem/*leg"
	presidentGlob     = "*/web/guest/presidentes-del-congreso-de-los-diputados*"
	titleSelector     = ".inplacedisplayid1siteid73"
	presidentSelector = "h1"
)

// Register adds the legislature handlers to r.
func Register(r *crawler.Router) error {
	handlers := map[string]crawler.HandlerFunc{
		crawler.DefaultLabel: handleIndex,
		LabelLegislature:     handleLegislature,
		LabelPresident:       handlePresident,
	}
	for label, h := range handlers {
		if err := r.Register(label, h); err != nil {
			return err
		}
	}
	return nil
}

// NewRouter returns a validated router with the legislature handlers.
func NewRouter() (*crawler.Router, error) {
	r := crawler.NewRouter()
	if err := Register(r); err != nil {
		return nil, err
	}
	return r, r.Validate()
}

func handleIndex(ctx context.Context, c *crawler.Context) error {
	_, err := c.EnqueueLinks(ctx, crawler.EnqueueOptions{
		Label: LabelLegislature,
		Globs: []string{legislatureGlob},
	})
	return err
}

func handleLegislature(ctx context.Context, c *crawler.Context) error {
	title, err := c.Query.Text(ctx, titleSelector)
	if err != nil {
		return fmt.Errorf("read title: %w", err)
	}
	pageURL := currentURL(ctx, c)
	if err := c.Report(ctx, pageURL, Entry{URL: pageURL, Title: query.Deref(title)}); err != nil {
		return err
	}
	_, err = c.EnqueueLinks(ctx, crawler.EnqueueOptions{
		Label: LabelPresident,
		Globs: []string{presidentGlob},
	})
	return err
}

func handlePresident(ctx context.Context, c *crawler.Context) error {
	name, err := c.Query.Text(ctx, presidentSelector)
	if err != nil {
		return fmt.Errorf("read president: %w", err)
	}
	if name == nil || *name == "" || c.Request.Referrer == "" {
		c.Logger.Debug("president page without name or referrer", zap.String("referrer", c.Request.Referrer))
		return nil
	}
	return c.Report(ctx, c.Request.Referrer, Entry{URL: c.Request.Referrer, President: *name})
}

func currentURL(ctx context.Context, c *crawler.Context) string {
	if u, err := c.Page.URL(ctx); err == nil && u != "" {
		return u
	}
	return c.Request.URL
}
