// Package inprocess is the required default NotifyAdapter: an in-process
// fan-out over Go channels, with no external dependency, for a single
// worker process (or several worker goroutines sharing one notify.Adapter
// instance).
package inprocess

import (
	"context"
	"sync"

	"github.com/rezkam/jobchain/internal/notify"
)

// Adapter fans published events out to every currently registered listener.
// Job-scheduled wake-ups are delivered as a non-blocking best-effort signal:
// a slow or absent listener never blocks the publisher, matching the port's
// "must not block on slow subscribers" contract.
type Adapter struct {
	mu sync.Mutex

	scheduled  map[int]chan notify.JobScheduledPayload
	completed  map[int]chan notify.ChainCompletedPayload
	lost       map[int]chan notify.OwnershipLostPayload
	nextHandle int
}

// New returns an empty in-process Adapter.
func New() *Adapter {
	return &Adapter{
		scheduled: make(map[int]chan notify.JobScheduledPayload),
		completed: make(map[int]chan notify.ChainCompletedPayload),
		lost:      make(map[int]chan notify.OwnershipLostPayload),
	}
}

var _ notify.Adapter = (*Adapter)(nil)

func (a *Adapter) PublishJobScheduled(ctx context.Context, typeName string, count int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	payload := notify.JobScheduledPayload{TypeName: typeName, Count: count}
	for _, ch := range a.scheduled {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (a *Adapter) PublishChainCompleted(ctx context.Context, payload notify.ChainCompletedPayload) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range a.completed {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (a *Adapter) PublishJobOwnershipLost(ctx context.Context, payload notify.OwnershipLostPayload) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range a.lost {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (a *Adapter) ListenJobScheduled(ctx context.Context) (<-chan notify.JobScheduledPayload, func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan notify.JobScheduledPayload, 8)
	handle := a.nextHandle
	a.nextHandle++
	a.scheduled[handle] = ch
	dispose := func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.scheduled, handle)
	}
	return ch, dispose, nil
}

func (a *Adapter) ListenChainCompleted(ctx context.Context) (<-chan notify.ChainCompletedPayload, func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan notify.ChainCompletedPayload, 8)
	handle := a.nextHandle
	a.nextHandle++
	a.completed[handle] = ch
	dispose := func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.completed, handle)
	}
	return ch, dispose, nil
}

func (a *Adapter) ListenJobOwnershipLost(ctx context.Context) (<-chan notify.OwnershipLostPayload, func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan notify.OwnershipLostPayload, 8)
	handle := a.nextHandle
	a.nextHandle++
	a.lost[handle] = ch
	dispose := func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.lost, handle)
	}
	return ch, dispose, nil
}
