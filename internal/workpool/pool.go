// Package workpool bounds CPU-bound work such as CRDT decoding and compression so that it
// cannot starve the goroutines serving network I/O.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// ErrPanic indicates that offloaded work panicked.
var ErrPanic = errors.New("workpool: task panicked")

// Pool admits at most size concurrent tasks.
type Pool struct {
	slots *semaphore.Weighted
	size  int64
}

// New returns a pool with size slots. A non-positive size uses GOMAXPROCS.
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Pool{slots: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return int(p.size)
}

// Do waits for a slot, honouring ctx while waiting, and runs fn in the calling goroutine.
// Once fn starts it runs to completion. A panic inside fn is returned as ErrPanic.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if p == nil {
		return runTask(fn)
	}
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.slots.Release(1)
	return runTask(fn)
}

func runTask(fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, recovered)
		}
	}()
	return fn()
}

// Run executes fn on pool and returns its value.
func Run[T any](ctx context.Context, pool *Pool, fn func() (T, error)) (T, error) {
	var result T
	err := pool.Do(ctx, func() error {
		value, err := fn()
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	return result, err
}
