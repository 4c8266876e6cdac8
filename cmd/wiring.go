// cmd/wiring.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/internal/agent"
	"github.com/xkilldash9x/pagepilot/internal/backend"
	"github.com/xkilldash9x/pagepilot/internal/browser/cdp"
	"github.com/xkilldash9x/pagepilot/internal/browser/distill"
	"github.com/xkilldash9x/pagepilot/internal/browser/interact"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/llmclient"
	"github.com/xkilldash9x/pagepilot/internal/recording"
	"github.com/xkilldash9x/pagepilot/internal/relay"
	"github.com/xkilldash9x/pagepilot/internal/store"
)

const closeTimeout = 5 * time.Second

// appRuntime holds the components shared by serve and ask.
type appRuntime struct {
	cfg        config.Interface
	logger     *zap.Logger
	store      *store.Store
	backend    *backend.Client
	conv       llmclient.Conversation
	tab        *cdp.Tab
	hub        *relay.Hub
	recorder   *recording.Recorder
	executor   *interact.Executor
	observer   *relay.Observer
	controller *agent.Controller
}

// buildRuntime wires storage, the conversation client, the browser tab, the
// relay hub and the agent loop. withMic adds the microphone recorder.
func buildRuntime(ctx context.Context, cfg config.Interface, logger *zap.Logger, withMic bool) (rt *appRuntime, err error) {
	rt = &appRuntime{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	path, err := cfg.Store().ResolvedPath()
	if err != nil {
		return rt, fmt.Errorf("failed to resolve store path: %w", err)
	}
	if rt.store, err = store.Open(ctx, path, logger); err != nil {
		return rt, err
	}
	if rt.backend, err = backend.NewClient(cfg.Backend(), rt.store, logger); err != nil {
		return rt, err
	}
	if rt.conv, err = llmclient.NewConversation(ctx, cfg, rt.backend, logger); err != nil {
		return rt, err
	}
	if rt.tab, err = cdp.Launch(ctx, cfg.Browser(), logger); err != nil {
		return rt, fmt.Errorf("failed to start browser: %w", err)
	}

	rt.hub = relay.NewHub(logger, relay.NewBus(logger, 0))
	services := relay.Services{
		Transcriber:       rt.backend,
		Page:              relay.NewTabCapturer(rt.tab, distill.NewSerializer(logger)),
		API:               rt.backend,
		IncludeScreenshot: cfg.Agent().IncludeScreenshot,
	}
	if withMic {
		hub := rt.hub
		rt.recorder = recording.NewRecorder(cfg.Recording(),
			recording.NewCommandSource(cfg.Recording().Command, logger),
			logger,
			recording.WithAutoStopHandler(func(ev recording.AutoStop) {
				if err := hub.Notify(context.Background(), relay.AutoStopRequest{RecordingID: ev.RecordingID}); err != nil {
					logger.Debug("Auto-stop request not delivered.", zap.Error(err))
				}
			}))
		services.Recorder = rt.recorder
	}
	if err = relay.Register(rt.hub, services); err != nil {
		return rt, err
	}

	rt.executor = interact.NewExecutor(logger, rt.tab, cfg.Agent())
	dispatcher := agent.NewDispatcher(logger, rt.executor, cfg.Agent())
	rt.observer = relay.NewObserver(rt.hub, logger)
	rt.controller = agent.NewController(logger, rt.conv, rt.observer, dispatcher, cfg.Agent())
	return rt, nil
}

// Close releases everything buildRuntime acquired, in reverse order.
func (rt *appRuntime) Close() {
	if rt.recorder != nil {
		if err := rt.recorder.Close(); err != nil {
			rt.logger.Warn("Failed to release the microphone.", zap.Error(err))
		}
	}
	if rt.hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := rt.hub.Close(ctx); err != nil {
			rt.logger.Warn("Relay did not drain before shutdown.", zap.Error(err))
		}
		cancel()
	}
	if rt.executor != nil {
		rt.executor.Wait()
	}
	if rt.tab != nil {
		rt.tab.Close()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn("Failed to close the state store.", zap.Error(err))
		}
	}
}

// openPage navigates the tab to u, when given, and waits for it to settle.
func (rt *appRuntime) openPage(ctx context.Context, u string) error {
	if u == "" {
		return nil
	}
	if err := rt.tab.Navigate(ctx, u); err != nil {
		return err
	}
	return rt.tab.Settle(ctx, rt.cfg.Agent().SettleDelay)
}
