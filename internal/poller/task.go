// Package poller drives the per-provider polling loop that only runs while a
// provider has subscribers.
package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task runs fn every interval on a single goroutine until stopped. Each Start
// begins a new generation identified by the context passed to fn.
type Task struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
	logger   *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTask(name string, interval time.Duration, fn func(ctx context.Context), logger *zap.Logger) *Task {
	return &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger,
	}
}

// Start schedules the task. It reports false when the task is already running.
func (t *Task) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.ctx, t.cancel, t.done = ctx, cancel, done

	go t.run(ctx, done)
	return true
}

// Stop cancels the running generation. It reports false when nothing was
// running. An in-flight fn call is not waited for; use Wait for that.
func (t *Task) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopLocked()
}

// StopIf stops the generation identified by ctx when cond holds. cond runs
// under the task lock, so a concurrent Start cannot interleave with it.
func (t *Task) StopIf(ctx context.Context, cond func() bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx != ctx || !cond() {
		return false
	}
	return t.stopLocked()
}

func (t *Task) stopLocked() bool {
	if t.cancel == nil {
		return false
	}
	t.cancel()
	t.ctx, t.cancel = nil, nil
	return true
}

// Running reports whether a generation is scheduled.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

// Wait blocks until the most recent generation's goroutine has returned or
// ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			t.invoke(ctx)
		}
	}
}

func (t *Task) invoke(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("task panicked",
				zap.String("task", t.name),
				zap.Any("panic", r),
			)
		}
	}()
	t.fn(ctx)
}
