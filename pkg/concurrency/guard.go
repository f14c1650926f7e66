// Package concurrency holds small helpers for serialising user-triggered work.
package concurrency

import (
	"context"
	"errors"
	"sync"
)

// ErrBusy is returned when a guarded task is already running.
var ErrBusy = errors.New("system is busy")

// ConcurrencyGuard lets at most one task run at a time. Callers that arrive
// while a task is running are rejected instead of queued.
type ConcurrencyGuard struct {
	mu     sync.Mutex
	isBusy bool
}

func NewConcurrencyGuard() *ConcurrencyGuard {
	return &ConcurrencyGuard{}
}

// Busy reports whether a task is running.
func (g *ConcurrencyGuard) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isBusy
}

func (g *ConcurrencyGuard) Execute(task func() error) error {
	g.mu.Lock()
	if g.isBusy {
		g.mu.Unlock()
		return ErrBusy
	}
	g.isBusy = true
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.isBusy = false
		g.mu.Unlock()
	}()
	return task()
}

// ExecuteWithContext is Execute for tasks that take a context. A task is not
// started once ctx is done.
func (g *ConcurrencyGuard) ExecuteWithContext(ctx context.Context, task func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.Execute(func() error {
		return task(ctx)
	})
}
