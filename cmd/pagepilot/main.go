// cmd/pagepilot/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/pagepilot/cmd"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

// osExit is swapped in tests.
var osExit = os.Exit

func main() {
	// Cancelled on SIGINT or SIGTERM so the browser, microphone and server shut down cleanly.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	osExit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
}
