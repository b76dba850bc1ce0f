package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestLoopSafelyRestartsAfterPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		loopSafely(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)), func() {
			calls++
			if calls == 1 {
				panic("boom")
			}
			cancel()
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loopSafely did not return")
	}

	if calls != 2 {
		t.Errorf("calls = %v, want 2", calls)
	}
}

func TestLoopSafelyStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	loopSafely(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)), func() { called = true })

	if called {
		t.Error("f called after cancellation")
	}
}
