// internal/browser/cdp/watcher.go
package cdp

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const maxPageErrors = 20

// watcher listens to tab events. It tracks in-flight requests so the agent
// can wait for the page to settle after acting, and keeps the latest script
// errors for diagnostics.
type watcher struct {
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[network.RequestID]struct{}
	activity time.Time
	errors   []string
}

func newWatcher(logger *zap.Logger) *watcher {
	return &watcher{
		logger:   logger.Named("watcher"),
		inflight: make(map[network.RequestID]struct{}),
		activity: time.Now(),
	}
}

// start enables the domains it listens to. Listening stops with tabCtx.
func (w *watcher) start(tabCtx context.Context) error {
	chromedp.ListenTarget(tabCtx, w.handle)
	return chromedp.Run(tabCtx, network.Enable(), runtime.Enable())
}

func (w *watcher) handle(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		w.begin(e.RequestID)
	case *network.EventLoadingFinished:
		w.finish(e.RequestID)
	case *network.EventLoadingFailed:
		w.finish(e.RequestID)
	case *runtime.EventExceptionThrown:
		if e.ExceptionDetails != nil {
			w.pageError(e.ExceptionDetails.Text)
		}
	case *runtime.EventConsoleAPICalled:
		if e.Type == runtime.APITypeError {
			parts := make([]string, 0, len(e.Args))
			for _, arg := range e.Args {
				if arg.Description != "" {
					parts = append(parts, arg.Description)
				} else if len(arg.Value) > 0 {
					parts = append(parts, string(arg.Value))
				}
			}
			w.pageError(strings.Join(parts, " "))
		}
	}
}

func (w *watcher) begin(id network.RequestID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inflight[id] = struct{}{}
	w.activity = time.Now()
}

func (w *watcher) finish(id network.RequestID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, id)
	w.activity = time.Now()
}

func (w *watcher) pageError(msg string) {
	if msg == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errors = append(w.errors, msg)
	if len(w.errors) > maxPageErrors {
		w.errors = w.errors[len(w.errors)-maxPageErrors:]
	}
	w.logger.Debug("Page reported an error.", zap.String("message", msg))
}

// Errors returns a copy of the most recent page errors.
func (w *watcher) Errors() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.errors...)
}

// waitIdle polls until no request has been in flight for quiet, or until
// limit elapses. Hitting the limit is not an error; busy pages still get observed.
func (w *watcher) waitIdle(ctx context.Context, quiet, limit time.Duration) error {
	if quiet <= 0 {
		return nil
	}
	deadline := time.Now().Add(limit)
	ticker := time.NewTicker(max(quiet/4, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.mu.Lock()
			busy := len(w.inflight)
			last := w.activity
			w.mu.Unlock()

			if busy == 0 && time.Since(last) >= quiet {
				return nil
			}
			if time.Now().After(deadline) {
				w.logger.Debug("Page did not go idle before the settle limit.", zap.Int("inflight_requests", busy))
				return nil
			}
		}
	}
}
