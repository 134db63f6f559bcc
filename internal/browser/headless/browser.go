// Package headless drives pages in headless Chrome through chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/congreso-crawler/internal/crawler"
)

const defaultNavigationTimeout = 45 * time.Second

var errClosed = errors.New("headless browser closed")

// launcher starts a Chrome process under parent and returns its context.
type launcher func(parent context.Context) (context.Context, context.CancelFunc, error)

// Config controls the Chrome process shared by all pages.
type Config struct {
	Headless          bool
	UserAgent         string
	ExecPath          string
	NavigationTimeout time.Duration
	Logger            *zap.Logger
}

// Browser owns one Chrome process. Each page is a tab inside it. A process
// that exits or fails to launch is replaced on the next NewPage.
type Browser struct {
	cfg    Config
	logger *zap.Logger
	launch launcher

	allocCtx    context.Context
	allocCancel context.CancelFunc

	mu            sync.Mutex
	browserCtx    context.Context
	browserCancel context.CancelFunc
	closed        bool
}

// New prepares the allocator. Chrome is launched on the first NewPage.
func New(cfg Config) (*Browser, error) {
	if cfg.NavigationTimeout < 0 {
		return nil, fmt.Errorf("navigation timeout must be >= 0")
	}
	if cfg.NavigationTimeout == 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	b := &Browser{
		cfg:         cfg,
		logger:      logger.Named("headless"),
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
	}
	b.launch = b.launchChrome
	return b, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

func (b *Browser) launchChrome(parent context.Context) (context.Context, context.CancelFunc, error) {
	ctx, cancel := chromedp.NewContext(parent,
		chromedp.WithLogf(b.logger.Sugar().Debugf),
		chromedp.WithErrorf(b.logger.Sugar().Warnf))
	// An empty Run launches the process and opens the first tab.
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("launch chrome: %w", err)
	}
	return ctx, cancel, nil
}

// browser returns the live Chrome context, launching a new process when
// there is none or the previous one has gone away.
func (b *Browser) browser() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errClosed
	}
	if b.browserCtx != nil {
		if b.browserCtx.Err() == nil {
			return b.browserCtx, nil
		}
		b.logger.Warn("chrome is gone, relaunching", zap.Error(context.Cause(b.browserCtx)))
		b.browserCancel()
		b.browserCtx, b.browserCancel = nil, nil
	}
	ctx, cancel, err := b.launch(b.allocCtx)
	if err != nil {
		return nil, err
	}
	b.browserCtx, b.browserCancel = ctx, cancel
	return ctx, nil
}

// NewPage opens a new tab. The tab closes when ctx is cancelled or the page
// is closed, whichever comes first.
func (b *Browser) NewPage(ctx context.Context) (crawler.Page, error) {
	browserCtx, err := b.browser()
	if err != nil {
		return nil, err
	}
	tabCtx, cancel := chromedp.NewContext(browserCtx)
	stop := context.AfterFunc(ctx, cancel)
	p := &Page{
		tabCtx:  tabCtx,
		cancel:  cancel,
		stop:    stop,
		timeout: b.cfg.NavigationTimeout,
		status:  &documentStatus{},
	}
	chromedp.ListenTarget(tabCtx, p.status.captureEvent)
	return p, nil
}

// Close shuts down Chrome.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.browserCancel != nil {
		b.browserCancel()
		b.browserCtx, b.browserCancel = nil, nil
	}
	b.allocCancel()
	return nil
}
