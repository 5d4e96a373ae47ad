package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ClaimFunc attempts one round of claim-and-process. It returns the number
// of jobs it claimed so the loop can decide whether to immediately try
// again (there may be more eligible rows) or go back to waiting.
type ClaimFunc func(ctx context.Context) (claimed int, err error)

// RunLoop drives a worker's claim loop for the process lifetime of ctx. If
// notifier is non-nil it subscribes to channel and wakes on NOTIFY;
// whether or not a notification fired, every wake-up (including the
// pollInterval timer) triggers another claim attempt — the claim is always
// the source of truth, notifications are purely a latency optimization.
// If subscribing fails, RunLoop transparently falls back to polling alone.
func RunLoop(ctx context.Context, notifier *Notifier, channel string, pollInterval time.Duration, claim ClaimFunc, log *zap.Logger) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	var listener *Listener
	if notifier != nil {
		l, err := notifier.Listen(ctx, channel)
		if err != nil {
			log.Warn("queue: listen failed, falling back to polling only", zap.String("channel", channel), zap.Error(err))
		} else {
			listener = l
			defer listener.Close()
		}
	}

	wake := make(chan struct{}, 1)
	if listener != nil {
		go func() {
			for {
				if err := listener.Wait(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Warn("queue: listen wait error, continuing on poll fallback", zap.Error(err))
					return
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		drainLoop(ctx, claim, log)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// drainLoop calls claim repeatedly until it returns zero claimed rows or an
// error, so a single wake-up processes an entire backlog before the worker
// goes back to waiting.
func drainLoop(ctx context.Context, claim ClaimFunc, log *zap.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := claim(ctx)
		if err != nil {
			log.Warn("queue: claim round failed", zap.Error(err))
			return
		}
		if n == 0 {
			return
		}
	}
}
