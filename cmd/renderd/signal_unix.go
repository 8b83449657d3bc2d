//go:build !windows

package main

import (
	"context"
	"os/signal"
	"syscall"
)

// notifyShutdown returns a context cancelled on SIGINT or SIGTERM.
func notifyShutdown(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}
