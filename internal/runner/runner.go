// Package runner provides the shared tick-loop shape used by every worker
// process: install SIGINT/SIGTERM handlers, run a sequential loop at a
// fixed cadence, trigger a broker background-save and release every
// handle on stop. Grounded on a signal-handling/graceful shutdown idiom
// common to long-running session entry points.
package runner

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aau-zid/schedulight-go/internal/broker"
	"github.com/aau-zid/schedulight-go/internal/logging"
	"go.uber.org/zap"
)

// Closer is any resource that must be released on shutdown.
type Closer interface {
	Close() error
}

// Loop drives fn once per tick until a SIGINT/SIGTERM is observed, then
// triggers a background save on b (if non-nil) and closes every closer in
// order. tick is the sleep between passes, mirroring the original's
// sleep(1) cadence.
func Loop(ctx context.Context, b *broker.Service, tick time.Duration, fn func(ctx context.Context), closers ...Closer) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	logging.Info(ctx, "worker loop starting", zap.Duration("tick", tick))

	for {
		fn(ctx)

		select {
		case sig := <-sigCh:
			logging.Info(ctx, "worker loop stopping", zap.String("signal", sig.String()))
			shutdown(ctx, b, closers)
			return
		case <-ctx.Done():
			logging.Info(ctx, "worker loop stopping", zap.Error(ctx.Err()))
			shutdown(ctx, b, closers)
			return
		case <-ticker.C:
		}
	}
}

func shutdown(ctx context.Context, b *broker.Service, closers []Closer) {
	if b != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.BGSave(saveCtx); err != nil {
			logging.Error(ctx, "background save failed during shutdown", zap.Error(err))
		}
	}
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			logging.Error(ctx, "close resource failed during shutdown", zap.Error(err))
		}
	}
}
