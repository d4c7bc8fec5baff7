package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParallelExecutor_TryGoRespectsCapacity(t *testing.T) {
	e := NewParallelExecutor(2)
	release := make(chan struct{})
	var running int32

	for i := 0; i < 2; i++ {
		started := e.TryGo(context.Background(), func(ctx context.Context) {
			atomic.AddInt32(&running, 1)
			<-release
		})
		assert.True(t, started)
	}

	assert.False(t, e.TryGo(context.Background(), func(ctx context.Context) {}))
	assert.Equal(t, 0, e.AvailableSlots())

	close(release)
	e.Wait()
	assert.Equal(t, 2, e.AvailableSlots())
}

func TestParallelExecutor_GoBlocksUntilSlotFree(t *testing.T) {
	e := NewParallelExecutor(1)
	release := make(chan struct{})
	started := e.TryGo(context.Background(), func(ctx context.Context) { <-release })
	assert.True(t, started)

	done := make(chan struct{})
	go func() {
		e.Go(context.Background(), func(ctx context.Context) {})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Go should not have returned before a slot freed up")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Go did not unblock after a slot freed up")
	}
	e.Wait()
}

func TestParallelExecutor_GoReturnsFalseOnCancelledContext(t *testing.T) {
	e := NewParallelExecutor(1)
	release := make(chan struct{})
	e.TryGo(context.Background(), func(ctx context.Context) { <-release })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok := e.Go(ctx, func(ctx context.Context) {})
	assert.False(t, ok)

	close(release)
	e.Wait()
}
