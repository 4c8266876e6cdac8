// internal/relay/observer.go
package relay

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/browser/distill"
	"github.com/xkilldash9x/pagepilot/internal/browser/dom"
)

// Tab is a page that can also report its URL and take screenshots. *cdp.Tab satisfies it.
type Tab interface {
	dom.Page
	URL(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) (string, error)
}

// TabCapturer serves capture-all from a tab and the page serializer.
type TabCapturer struct {
	tab        Tab
	serializer *distill.Serializer
}

// NewTabCapturer creates a TabCapturer.
func NewTabCapturer(tab Tab, serializer *distill.Serializer) *TabCapturer {
	return &TabCapturer{tab: tab, serializer: serializer}
}

func (c *TabCapturer) URL(ctx context.Context) (string, error) { return c.tab.URL(ctx) }

func (c *TabCapturer) Screenshot(ctx context.Context) (string, error) { return c.tab.Screenshot(ctx) }

func (c *TabCapturer) Snapshot(ctx context.Context) (*schemas.PageSnapshot, error) {
	return c.serializer.Capture(ctx, c.tab)
}

// Observer gathers page state for the agent loop through capture-all.
type Observer struct {
	hub    *Hub
	logger *zap.Logger
}

// NewObserver creates an Observer.
func NewObserver(hub *Hub, logger *zap.Logger) *Observer {
	return &Observer{hub: hub, logger: logger.Named("observer")}
}

// Observe leaves missing parts of the page state null. The only error is one
// wrapping dom.ErrRestrictedPage, for pages the agent must not work on.
func (o *Observer) Observe(ctx context.Context) (schemas.PageState, error) {
	reply, err := Call[CaptureAllReply](ctx, o.hub, CaptureAll{})
	if err != nil {
		o.logger.Warn("Page capture failed.", zap.Error(err))
		return schemas.PageState{}, nil
	}
	state := schemas.PageState{
		URL:          reply.URL,
		DistilledDOM: reply.DistilledDOM,
		Screenshot:   reply.Screenshot,
	}
	if reply.Restricted {
		return state, fmt.Errorf("%w: %s", dom.ErrRestrictedPage, reply.URL)
	}
	return state, nil
}
