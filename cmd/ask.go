// cmd/ask.go
package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/agent"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

func newAskCmd() *cobra.Command {
	var (
		pageURL   string
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   `ask "<request>"`,
		Short: "Run one request against a page and print the conversation",
		Example: `  pagepilot ask "find the pricing page" --url https://example.com
  pagepilot ask "make the text bigger" --remote-url ws://127.0.0.1:9222/devtools/browser/<id>`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			defer observability.Sync()
			logger := observability.GetLogger()

			utterance := strings.TrimSpace(strings.Join(args, " "))
			if utterance == "" {
				return fmt.Errorf("request is empty")
			}

			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			rt, err := buildRuntime(ctx, cfg, logger, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.openPage(ctx, pageURL); err != nil {
				return fmt.Errorf("failed to open %s: %w", pageURL, err)
			}

			out := cmd.OutOrStdout()
			printMessage(out, schemas.ChatMessage{Role: schemas.RoleUser, Content: utterance})
			res := rt.controller.Run(ctx, agent.Request{
				Utterance: utterance,
				SessionID: sessionID,
				OnMessage: func(m schemas.ChatMessage) { printMessage(out, m) },
			})

			logger.Info("Request finished.",
				zap.String("session_id", res.SessionID),
				zap.Int("iterations", res.Iterations),
				zap.Bool("complete", res.Complete))
			if res.SessionID != "" && !res.Complete {
				fmt.Fprintf(out, "\n(session %s; continue with --session %s)\n", res.SessionID, res.SessionID)
			}
			if res.Err != nil {
				return res.Err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pageURL, "url", "", "page to open first")
	cmd.Flags().StringVar(&sessionID, "session", "", "continue an existing conversation")
	return cmd
}

func printMessage(w io.Writer, m schemas.ChatMessage) {
	prefix := "assistant"
	switch {
	case m.Role == schemas.RoleUser:
		prefix = "you"
	case m.IsError:
		prefix = "error"
	}
	fmt.Fprintf(w, "%s> %s\n", prefix, m.Content)
}
