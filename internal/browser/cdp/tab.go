// internal/browser/cdp/tab.go
package cdp

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chromedp/cdproto/domsnapshot"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/browser/dom"
	"github.com/xkilldash9x/pagepilot/internal/config"
)

// ErrRestrictedPage is dom.ErrRestrictedPage, returned by Document on
// browser-internal pages.
var ErrRestrictedPage = dom.ErrRestrictedPage

const screenshotQuality = 70

// Tab is one Chromium tab driven over the DevTools protocol. It implements
// dom.Page: Document captures the live DOM and Commit replays a document's
// mutation journal onto it. Calls are serialized.
type Tab struct {
	logger  *zap.Logger
	cfg     config.BrowserConfig
	ctx     context.Context
	cancel  context.CancelFunc
	watcher *watcher

	mu sync.Mutex
}

var _ dom.Page = (*Tab)(nil)

// Launch starts a local browser, or attaches to cfg.RemoteURL when set, and
// opens a tab on cfg.StartURL. The tab lives until Close.
func Launch(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Tab, error) {
	log := logger.Named("cdp")

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.WithoutCancel(ctx), cfg.RemoteURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.WithoutCancel(ctx), AllocatorOptions(cfg)...)
	}
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(log.Sugar().Debugf), chromedp.WithErrorf(log.Sugar().Debugf))
	cancel := func() {
		tabCancel()
		allocCancel()
	}

	t := &Tab{logger: log, cfg: cfg, ctx: tabCtx, cancel: cancel, watcher: newWatcher(log)}

	connect := func() error {
		err := chromedp.Run(tabCtx)
		if err != nil {
			log.Debug("Browser not ready yet.", zap.Error(err))
		}
		return err
	}
	if cfg.RemoteURL != "" {
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(max(cfg.ConnectRetries, 0))), ctx)
		if err := backoff.Retry(connect, policy); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to attach to browser at %s: %w", cfg.RemoteURL, err)
		}
	} else if err := connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	if err := t.watcher.start(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to enable page events: %w", err)
	}
	if cfg.Viewport.Width > 0 && cfg.Viewport.Height > 0 {
		if err := chromedp.Run(tabCtx, chromedp.EmulateViewport(int64(cfg.Viewport.Width), int64(cfg.Viewport.Height))); err != nil {
			log.Warn("Could not set viewport size.", zap.Error(err))
		}
	}
	if cfg.StartURL != "" {
		if err := t.Navigate(ctx, cfg.StartURL); err != nil {
			cancel()
			return nil, err
		}
	}

	log.Info("Browser tab ready.", zap.Bool("remote", cfg.RemoteURL != ""), zap.Bool("headless", cfg.Headless))
	return t, nil
}

// Close shuts the tab and, for launched browsers, the browser process.
func (t *Tab) Close() {
	t.cancel()
}

// run executes actions on the tab, bounded by both ctx and the action timeout.
func (t *Tab) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	opCtx, cancel := combineContext(t.ctx, ctx)
	defer cancel()
	if timeout > 0 {
		var tcancel context.CancelFunc
		opCtx, tcancel = context.WithTimeout(opCtx, timeout)
		defer tcancel()
	}
	return chromedp.Run(opCtx, actions...)
}

// combineContext derives from the tab context, which carries the chromedp
// target, and also ends when the caller's context does.
func combineContext(tabCtx, callerCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(tabCtx)
	stop := context.AfterFunc(callerCtx, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}

// Navigate loads u and waits for the body to be ready.
func (t *Tab) Navigate(ctx context.Context, u string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.run(ctx, t.cfg.NavigationTimeout, chromedp.Navigate(u), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", u, err)
	}
	return nil
}

// URL returns the tab's current location.
func (t *Tab) URL(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.location(ctx)
}

func (t *Tab) location(ctx context.Context) (string, error) {
	var loc string
	if err := t.run(ctx, t.cfg.ActionTimeout, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("failed to read tab location: %w", err)
	}
	return loc, nil
}

// Document captures the live DOM with layout and computed style.
func (t *Tab) Document(ctx context.Context) (*dom.Document, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	loc, err := t.location(ctx)
	if err != nil {
		return nil, err
	}
	if IsRestrictedURL(loc) {
		return nil, fmt.Errorf("%w: %s", ErrRestrictedPage, loc)
	}

	var (
		docs []*domsnapshot.DocumentSnapshot
		strs []string
		size []int
	)
	capture := chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		docs, strs, err = domsnapshot.CaptureSnapshot(dom.CapturedProperties).WithIncludeDOMRects(true).Do(ctx)
		return err
	})
	if err := t.run(ctx, t.cfg.ActionTimeout, capture, chromedp.Evaluate(`[window.innerWidth, window.innerHeight]`, &size)); err != nil {
		return nil, fmt.Errorf("failed to capture page snapshot: %w", err)
	}

	viewport := dom.DefaultViewport
	if len(size) == 2 && size[0] > 0 && size[1] > 0 {
		viewport = schemas.Viewport{Width: size[0], Height: size[1]}
	}
	doc, err := BuildDocument(docs, strs, dom.CapturedProperties, viewport)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild captured document: %w", err)
	}
	return doc, nil
}

// Commit replays the document's pending mutations on the live page.
func (t *Tab) Commit(ctx context.Context, doc *dom.Document) error {
	muts := doc.TakeJournal()
	if len(muts) == 0 {
		return nil
	}
	script, err := replayScript(muts)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var failed int
	if err := t.run(ctx, t.cfg.ActionTimeout, chromedp.Evaluate(script, &failed)); err != nil {
		return fmt.Errorf("failed to apply page changes: %w", err)
	}
	if failed > 0 {
		t.logger.Warn("Some page changes could not be applied.", zap.Int("failed", failed), zap.Int("total", len(muts)))
	}
	return nil
}

// Screenshot captures the visible viewport as a JPEG data URL.
func (t *Tab) Screenshot(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var buf []byte
	shot := chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatJpeg).WithQuality(screenshotQuality).Do(ctx)
		return err
	})
	if err := t.run(ctx, t.cfg.ActionTimeout, shot); err != nil {
		return "", fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf), nil
}

// Settle waits for network activity to quiet down, up to the navigation timeout.
func (t *Tab) Settle(ctx context.Context, quiet time.Duration) error {
	limit := t.cfg.NavigationTimeout
	if limit <= 0 {
		limit = 10 * time.Second
	}
	return t.watcher.waitIdle(ctx, quiet, limit)
}

// PageErrors returns the most recent script errors the page reported.
func (t *Tab) PageErrors() []string {
	return t.watcher.Errors()
}
