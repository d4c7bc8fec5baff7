package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ParallelExecutor bounds how many attempts run concurrently. It is a
// standalone, reusable primitive any caller can submit work to, built on
// golang.org/x/sync/semaphore so Go can respect context cancellation while
// waiting for a slot, instead of hand-rolling that over a buffered channel.
type ParallelExecutor struct {
	sem      *semaphore.Weighted
	max      int64
	acquired int64 // atomic, for AvailableSlots; semaphore.Weighted exposes no introspection
	wg       sync.WaitGroup
}

// NewParallelExecutor returns an executor that runs at most max tasks at
// once. max <= 0 is treated as 1.
func NewParallelExecutor(max int) *ParallelExecutor {
	if max <= 0 {
		max = 1
	}
	return &ParallelExecutor{sem: semaphore.NewWeighted(int64(max)), max: int64(max)}
}

// TryGo attempts to start fn without blocking. It returns false, without
// running fn, if the executor is already at capacity.
func (e *ParallelExecutor) TryGo(ctx context.Context, fn func(ctx context.Context)) bool {
	if !e.sem.TryAcquire(1) {
		return false
	}
	e.run(ctx, fn)
	return true
}

// Go blocks until a slot is free (or ctx is done) and then starts fn.
// Returns false if ctx was cancelled before a slot became free.
func (e *ParallelExecutor) Go(ctx context.Context, fn func(ctx context.Context)) bool {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	e.run(ctx, fn)
	return true
}

func (e *ParallelExecutor) run(ctx context.Context, fn func(ctx context.Context)) {
	atomic.AddInt64(&e.acquired, 1)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer atomic.AddInt64(&e.acquired, -1)
		defer e.sem.Release(1)
		fn(ctx)
	}()
}

// AvailableSlots reports how many more tasks could start right now.
func (e *ParallelExecutor) AvailableSlots() int {
	return int(e.max - atomic.LoadInt64(&e.acquired))
}

// Wait blocks until every started task has returned.
func (e *ParallelExecutor) Wait() {
	e.wg.Wait()
}
