package helpers

// Random synchronisation util stash

import (
	"context"
	"time"

	"github.com/temoto/alive/v2"
)

// AliveContext returns ctx cancelled when a stops.
func AliveContext(ctx context.Context, a *alive.Alive) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-a.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// SleepCtx returns ctx.Err() if ctx is done before d passes.
func SleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
