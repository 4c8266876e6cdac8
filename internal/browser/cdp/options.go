// internal/browser/cdp/options.go
package cdp

import (
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/pagepilot/internal/config"
)

// AllocatorOptions builds the exec allocator options for a locally launched browser.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("enable-automation", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-popup-blocking", true),
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless, chromedp.NoSandbox)
	}
	if cfg.DisableGPU {
		opts = append(opts, chromedp.DisableGPU)
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.Viewport.Width > 0 && cfg.Viewport.Height > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.Viewport.Width, cfg.Viewport.Height))
	}
	return append(opts, parseArgs(cfg.Args)...)
}

// parseArgs turns "--name=value" and "--name" strings into allocator flags.
func parseArgs(args []string) []chromedp.ExecAllocatorOption {
	var opts []chromedp.ExecAllocatorOption
	for _, arg := range args {
		arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
		if arg == "" {
			continue
		}
		if key, value, found := strings.Cut(arg, "="); found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(arg, true))
		}
	}
	return opts
}

// restrictedPrefixes are pages the browser refuses to script.
var restrictedPrefixes = []string{
	"chrome://", "chrome-extension://", "chrome-search://", "chrome-untrusted://",
	"edge://", "devtools://", "view-source:", "about:",
}

// IsRestrictedURL reports whether the agent must not touch the page at u.
func IsRestrictedURL(u string) bool {
	lower := strings.ToLower(strings.TrimSpace(u))
	if lower == "about:blank" {
		return false
	}
	for _, p := range restrictedPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
