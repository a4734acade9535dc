// Package dispatcher runs a fixed pool of queue workers.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runner is a long-lived consumer that returns once ctx is done.
type Runner interface {
	Run(ctx context.Context)
}

// DefaultRestartDelay is the pause before a panicked runner is restarted.
const DefaultRestartDelay = time.Second

// Dispatcher fans queue work out to a pool of runners.
type Dispatcher struct {
	runners      []Runner
	logger       *zap.Logger
	restartDelay time.Duration
}

// New creates a Dispatcher over runners.
func New(runners []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{runners: runners, logger: logger, restartDelay: DefaultRestartDelay}
}

// SetRestartDelay overrides DefaultRestartDelay.
func (d *Dispatcher) SetRestartDelay(delay time.Duration) {
	d.restartDelay = delay
}

// NewPool builds n runners with build. n below 1 yields a single runner.
func NewPool(n int, build func(i int) Runner, logger *zap.Logger) *Dispatcher {
	n = max(n, 1)
	runners := make([]Runner, 0, n)
	for i := range n {
		runners = append(runners, build(i))
	}
	return New(runners, logger)
}

// Size reports the number of runners.
func (d *Dispatcher) Size() int {
	return len(d.runners)
}

// Run starts every runner and blocks until all of them have returned,
// which happens after ctx is done. A runner that panics is restarted after
// the restart delay so the pool keeps its size.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("starting workers", zap.Int("count", len(d.runners)))
	var wg sync.WaitGroup
	for i, r := range d.runners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.supervise(ctx, i, r)
		}()
	}
	wg.Wait()
	d.logger.Info("workers stopped")
}

func (d *Dispatcher) supervise(ctx context.Context, i int, r Runner) {
	for d.runOnce(ctx, i, r) {
		timer := time.NewTimer(d.restartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		d.logger.Warn("restarting worker", zap.Int("worker", i))
	}
}

// runOnce runs r and reports whether it panicked.
func (d *Dispatcher) runOnce(ctx context.Context, i int, r Runner) (panicked bool) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("worker panicked", zap.Int("worker", i), zap.Any("panic", p))
			panicked = true
		}
	}()
	r.Run(ctx)
	return false
}
