// cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/chat"
	"github.com/xkilldash9x/pagepilot/internal/observability"
	"github.com/xkilldash9x/pagepilot/internal/relay"
	"github.com/xkilldash9x/pagepilot/internal/server"
)

func newServeCmd() *cobra.Command {
	var startURL string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Drive a browser tab and serve the side panel bridge",
		Long: `Launches (or attaches to) a browser, then serves the websocket bridge the
side panel connects to. Chat, hands-free voice and page capture all go through it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			defer observability.Sync()
			logger := observability.GetLogger()

			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			rt, err := buildRuntime(ctx, cfg, logger, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.openPage(ctx, startURL); err != nil {
				logger.Warn("Could not open the start page.", zap.String("url", startURL), zap.Error(err))
			}

			manager := server.NewManager(logger, cfg.Server().AllowedOrigins)
			// The server is the thread's listener and the thread is the server's
			// command target, so the server receives it after construction.
			bridge := &listenerRelay{}
			thread := chat.NewThread(logger, rt.controller, rt.conv, rt.store, rt.hub,
				chat.Config{SegmentDuration: cfg.Recording().SegmentDuration}, bridge)
			srv := server.NewServer(cfg.Server(), logger, manager, thread, rt.observer)
			bridge.set(srv)

			if ok, err := thread.Hydrate(ctx); err != nil {
				logger.Warn("Could not restore the pending conversation.", zap.Error(err))
			} else if ok {
				logger.Info("Restored the pending conversation.", zap.String("session_id", thread.State().SessionID))
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				thread.Listen(gctx)
				return nil
			})
			g.Go(func() error {
				return srv.Run(gctx)
			})
			err = g.Wait()
			thread.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&startURL, "url", "", "page to open before serving")
	return cmd
}

// listenerRelay forwards thread updates to a listener installed after the
// thread was built. Updates before then are dropped.
type listenerRelay struct {
	mu     sync.RWMutex
	target chat.Listener
}

func (l *listenerRelay) set(target chat.Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.target = target
}

func (l *listenerRelay) get() chat.Listener {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.target
}

func (l *listenerRelay) OnMessage(msg schemas.ChatMessage) {
	if t := l.get(); t != nil {
		t.OnMessage(msg)
	}
}

func (l *listenerRelay) OnState(state chat.State) {
	if t := l.get(); t != nil {
		t.OnState(state)
	}
}

func (l *listenerRelay) OnTranscription(res relay.TranscriptionResult) {
	if t := l.get(); t != nil {
		t.OnTranscription(res)
	}
}
