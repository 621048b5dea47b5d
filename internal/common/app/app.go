package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pulto/streampipe/internal/common/streamcontext"
)

// CreateContextWithShutdown returns a context that will report done when a SIGINT or SIGTERM is received
func CreateContextWithShutdown() *streamcontext.Context {
	ctx, cancel := streamcontext.WithCancel(streamcontext.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-c:
			ctx.Log.Infof("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(c)
	}()
	return ctx
}

// WithOptionalDeadline bounds ctx by d, or leaves it unbounded if d is zero.
func WithOptionalDeadline(ctx *streamcontext.Context, d time.Duration) (*streamcontext.Context, context.CancelFunc) {
	if d <= 0 {
		return streamcontext.WithCancel(ctx)
	}
	return streamcontext.WithTimeout(ctx, d)
}
