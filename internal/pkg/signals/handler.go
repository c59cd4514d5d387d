// Package signals turns SIGINT, SIGTERM and SIGHUP into context cancellation
// for long-running CLI commands.
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/endorses/wdpool/internal/pkg/constants"
	"github.com/endorses/wdpool/internal/pkg/logger"
)

var shutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}

// SetupHandler cancels ctx through cancel on the first shutdown signal.
// The returned cleanup stops signal delivery and waits for the watcher to
// exit.
func SetupHandler(ctx context.Context, cancel context.CancelFunc) (cleanup func()) {
	sigCh := make(chan os.Signal, constants.SignalChannelBuffer)
	signal.Notify(sigCh, shutdownSignals...)

	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case sig := <-sigCh:
			logger.Info("Received signal, stopping dissection", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		case <-stop:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(stop)
		<-done
	}
}

// WithShutdown derives a context from parent that is cancelled on a shutdown
// signal. The returned function releases the handler and the context.
func WithShutdown(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	cleanup := SetupHandler(ctx, cancel)
	return ctx, func() {
		cleanup()
		cancel()
	}
}
