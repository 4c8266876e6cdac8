// cmd/snapshot.go
package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/browser/cdp"
	"github.com/xkilldash9x/pagepilot/internal/browser/distill"
	"github.com/xkilldash9x/pagepilot/internal/browser/dom"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

func newSnapshotCmd() *cobra.Command {
	var (
		pageURL  string
		file     string
		baseURL  string
		asPrompt bool
	)

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the serialized view of a page",
		Long: `Prints the snapshot the agent sends with each turn: page text, viewport,
summary and the indexed interactive elements. Use --file for a saved HTML page
(no browser needed) or --url to capture a live one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			defer observability.Sync()
			logger := observability.GetLogger()

			if (pageURL == "") == (file == "") {
				return errors.New("exactly one of --url or --file is required")
			}
			serializer := distill.NewSerializer(logger)

			var snap *schemas.PageSnapshot
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				doc, err := dom.Parse(f, dom.WithURL(baseURL))
				if err != nil {
					return fmt.Errorf("failed to parse %s: %w", file, err)
				}
				if snap, err = serializer.Snapshot(doc); err != nil {
					return err
				}
			} else {
				cfg, err := configFromContext(ctx)
				if err != nil {
					return err
				}
				tab, err := cdp.Launch(ctx, cfg.Browser(), logger)
				if err != nil {
					return fmt.Errorf("failed to start browser: %w", err)
				}
				defer tab.Close()
				if err := tab.Navigate(ctx, pageURL); err != nil {
					return err
				}
				if err := tab.Settle(ctx, cfg.Agent().SettleDelay); err != nil {
					return err
				}
				if snap, err = serializer.Capture(ctx, tab); err != nil {
					return err
				}
			}
			return writeSnapshot(cmd.OutOrStdout(), snap, asPrompt)
		},
	}
	cmd.Flags().StringVar(&pageURL, "url", "", "capture a live page")
	cmd.Flags().StringVar(&file, "file", "", "serialize a saved HTML file")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "URL to report for --file")
	cmd.Flags().BoolVar(&asPrompt, "text", false, "print the plain-text rendering instead of JSON")
	return cmd
}

func writeSnapshot(w io.Writer, snap *schemas.PageSnapshot, asText bool) error {
	if asText {
		_, err := io.WriteString(w, distill.Render(snap, 0))
		return err
	}
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", out)
	return err
}
