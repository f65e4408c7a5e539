// Command proofline runs the task lifecycle engine: a local CLI over the
// task store and an HTTP/websocket server for remote clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/basket/proofline/internal/lifecycle"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "proofline: %v\n", err)
		stop()
		os.Exit(exitCode(err))
	}
}

// exitCode maps lifecycle error kinds onto distinct process exit codes so
// scripts can tell a lost race from a bad request.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, lifecycle.ErrConflict):
		return 3
	case errors.Is(err, lifecycle.ErrForbidden):
		return 4
	case errors.Is(err, lifecycle.ErrNotFound):
		return 5
	default:
		return 1
	}
}
