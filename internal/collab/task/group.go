// Package task runs fire-and-forget work whose failures are logged, never returned.
package task

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultTimeout = 10 * time.Second

// Group tracks background tasks so shutdown can wait for them to drain.
type Group struct {
	logger  *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewGroup builds a group; each task gets its own timeout (default 10s).
func NewGroup(logger *zap.Logger, timeout time.Duration) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Group{logger: logger, timeout: timeout}
}

// Go runs fn detached from the caller's cancellation. A returned error is
// logged with name and fields and then discarded.
func (g *Group) Go(ctx context.Context, name string, fn func(ctx context.Context) error, fields ...zap.Field) {
	g.wg.Add(1)
	taskCtx := context.WithoutCancel(ctx)
	go func() {
		defer g.wg.Done()
		runCtx, cancel := context.WithTimeout(taskCtx, g.timeout)
		defer cancel()
		if err := fn(runCtx); err != nil {
			attrs := append([]zap.Field{zap.String("task", name), zap.Error(err)}, fields...)
			g.logger.Error("background task failed", attrs...)
		}
	}()
}

// Wait blocks until every started task finished.
func (g *Group) Wait() {
	g.wg.Wait()
}

// WaitContext waits for tasks or returns ctx.Err() when ctx ends first.
func (g *Group) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
