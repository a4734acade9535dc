package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type blockingRunner struct {
	started *atomic.Int32
}

func (r blockingRunner) Run(ctx context.Context) {
	r.started.Add(1)
	<-ctx.Done()
}

// flakyRunner panics for its first r.panics runs, then blocks like a worker.
type flakyRunner struct {
	runs   atomic.Int32
	panics int32
}

func (r *flakyRunner) Run(ctx context.Context) {
	if r.runs.Add(1) <= r.panics {
		panic("boom")
	}
	<-ctx.Done()
}

func TestDispatcherRunsPoolUntilCanceled(t *testing.T) {
	t.Parallel()

	var started atomic.Int32
	d := NewPool(3, func(int) Runner { return blockingRunner{started: &started} }, zap.NewNop())
	require.Equal(t, 3, d.Size())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return started.Load() == 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcherRestartsPanickingRunner(t *testing.T) {
	t.Parallel()

	flaky := &flakyRunner{panics: 2}
	var started atomic.Int32
	d := New([]Runner{flaky, blockingRunner{started: &started}}, nil)
	d.SetRestartDelay(time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return flaky.runs.Load() == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), started.Load(), "healthy runner is left alone")
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	require.Equal(t, int32(3), flaky.runs.Load())
}

func TestDispatcherStopsRestartingOnCancel(t *testing.T) {
	t.Parallel()

	flaky := &flakyRunner{panics: 1 << 30}
	d := New([]Runner{flaky}, nil)
	d.SetRestartDelay(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return flaky.runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not return while waiting to restart")
	}
}

func TestNewPoolHasAtLeastOneRunner(t *testing.T) {
	t.Parallel()

	var started atomic.Int32
	d := NewPool(0, func(int) Runner { return blockingRunner{started: &started} }, nil)
	require.Equal(t, 1, d.Size())
}
