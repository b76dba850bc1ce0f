package main

import (
	"context"
	"log/slog"
	"time"
)

const restartDelay = time.Second

// loopSafely calls f until ctx is done, restarting it after a panic.
func loopSafely(ctx context.Context, logger *slog.Logger, f func()) {
	for ctx.Err() == nil {
		runRecovered(logger, f)

		select {
		case <-ctx.Done():
		case <-time.After(restartDelay):
		}
	}
}

func runRecovered(logger *slog.Logger, f func()) {
	defer func() {
		if v := recover(); v != nil {
			logger.Error("panic, restarting", "panic", v)
		}
	}()

	f()
}
