// cmd/webspark/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/slotheather55/webspark/cmd"
)

func main() {
	// Ctrl+C cancels the context; commands unwind and save what they can
	// before the process exits.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			// Interrupted on purpose; not a failure.
			os.Exit(0)
		}
		os.Exit(1)
	}
}
