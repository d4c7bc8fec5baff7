// Package notify defines the pub/sub port the worker uses to wake up
// instead of polling on a fixed interval, and the three channel names the
// engine publishes to.
package notify

import "context"

// Event names published by the engine. A NotifyAdapter implementation may
// treat JobScheduled as either a queue (one consumer wakes per publish) or a
// broadcast (every listener wakes); AcquireJob's atomicity makes either
// choice correct, only the wake-up latency differs.
const (
	EventJobScheduled      = "job-scheduled"
	EventJobChainCompleted = "job-chain-completed"
	EventJobOwnershipLost  = "job-ownership-lost"
)

// JobScheduledPayload is published on EventJobScheduled when one or more
// jobs of TypeName became newly eligible to run. TypeName is empty only when
// a publisher does not attribute the wake-up to a type (the engine's own
// paths, reap passes included, always name it); listeners should treat an
// empty TypeName as "check every type you handle".
type JobScheduledPayload struct {
	TypeName string
	Count    int
}

// ChainCompletedPayload is published on EventJobChainCompleted.
type ChainCompletedPayload struct {
	RootChainID string
}

// OwnershipLostPayload is published on EventJobOwnershipLost when a lease
// renewal discovers another worker now holds the job, or when
// Client.CompleteJobChain force-completes a job that was still running.
type OwnershipLostPayload struct {
	JobID string
}

// Adapter is the pub/sub port. Publish calls must not block on slow
// subscribers; Listen returns a dispose func that stops delivery to that
// specific listener.
type Adapter interface {
	// PublishJobScheduled wakes workers watching for typeName (or every
	// worker, if typeName is empty). count is informational, reported for
	// observability; it does not change delivery semantics.
	PublishJobScheduled(ctx context.Context, typeName string, count int) error
	PublishChainCompleted(ctx context.Context, payload ChainCompletedPayload) error
	PublishJobOwnershipLost(ctx context.Context, payload OwnershipLostPayload) error

	ListenJobScheduled(ctx context.Context) (ch <-chan JobScheduledPayload, dispose func(), err error)
	ListenChainCompleted(ctx context.Context) (ch <-chan ChainCompletedPayload, dispose func(), err error)
	ListenJobOwnershipLost(ctx context.Context) (ch <-chan OwnershipLostPayload, dispose func(), err error)
}

// NoOp returns an Adapter whose Publish calls do nothing and whose Listen
// calls return channels that never fire. Useful when a worker is configured
// to run on poll interval alone, with no NotifyAdapter wired.
func NoOp() Adapter { return noop{} }

type noop struct{}

func (noop) PublishJobScheduled(ctx context.Context, _ string, _ int) error { return nil }
func (noop) PublishChainCompleted(ctx context.Context, _ ChainCompletedPayload) error {
	return nil
}
func (noop) PublishJobOwnershipLost(ctx context.Context, _ OwnershipLostPayload) error {
	return nil
}

func (noop) ListenJobScheduled(ctx context.Context) (<-chan JobScheduledPayload, func(), error) {
	return make(chan JobScheduledPayload), func() {}, nil
}

func (noop) ListenChainCompleted(ctx context.Context) (<-chan ChainCompletedPayload, func(), error) {
	return make(chan ChainCompletedPayload), func() {}, nil
}

func (noop) ListenJobOwnershipLost(ctx context.Context) (<-chan OwnershipLostPayload, func(), error) {
	return make(chan OwnershipLostPayload), func() {}, nil
}
