//go:build windows

package main

import (
	"context"
	"os"
	"os/signal"
)

// notifyShutdown returns a context cancelled on os.Interrupt; SIGTERM has no
// Windows equivalent that os/signal can observe.
func notifyShutdown(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt)
}
