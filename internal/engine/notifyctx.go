package engine

import (
	"context"

	"github.com/rezkam/jobchain/internal/notify"
)

// notifyCtxKey is the context.Context key a notifyBuffer is stored under.
type notifyCtxKey struct{}

// notifyBuffer accumulates notifications raised while a StateAdapter
// transaction is in flight. Go has no task-local storage, so it is carried
// explicitly on ctx (installed by WithNotify) instead of being recovered
// from ambient per-task state. flush is called once after the surrounding
// transaction commits; the buffer is discarded, never flushed, if the
// transaction rolls back.
type notifyBuffer struct {
	// scheduled accumulates how many jobs became newly eligible per type
	// name, so flush can publish one job-scheduled(typeName, count) event
	// per type instead of one undifferentiated wake-up. The "" key records
	// wake-ups buffered without a type name (BufferJobScheduled with an
	// empty typeName); reap passes buffer per type.
	scheduled     map[string]int
	completed     []notify.ChainCompletedPayload
	ownershipLost []notify.OwnershipLostPayload
}

// WithNotify installs a fresh notification buffer on ctx and returns a ctx
// carrying it. Call flushNotify after the work wrapped by this ctx commits
// successfully; simply discard ctx (do not call flushNotify) on rollback.
func WithNotify(ctx context.Context) context.Context {
	return context.WithValue(ctx, notifyCtxKey{}, &notifyBuffer{})
}

func bufferFromContext(ctx context.Context) *notifyBuffer {
	buf, _ := ctx.Value(notifyCtxKey{}).(*notifyBuffer)
	return buf
}

// BufferJobScheduled records that count jobs of typeName (or, if typeName is
// empty, jobs of unknown/mixed types) became newly eligible to run during
// the current unit of work. Exported for callers outside this package (e.g.
// internal/attempt, internal/worker) that write to the state adapter
// directly inside an engine-managed transaction.
func BufferJobScheduled(ctx context.Context, typeName string, count int) {
	bufferJobScheduled(ctx, typeName, count)
}

// FlushNotify publishes everything buffered on ctx via adapter. Exported so
// internal/attempt and internal/worker can flush after their own
// RunInTransaction calls.
func FlushNotify(ctx context.Context, adapter notify.Adapter) error {
	return flushNotify(ctx, adapter)
}

// bufferJobScheduled records that count jobs of typeName became newly
// eligible to run during the current unit of work.
func bufferJobScheduled(ctx context.Context, typeName string, count int) {
	if buf := bufferFromContext(ctx); buf != nil {
		if buf.scheduled == nil {
			buf.scheduled = make(map[string]int)
		}
		buf.scheduled[typeName] += count
	}
	// No buffer installed: caller did not opt into deferred notification, so
	// there is nothing to flush later. Callers that mutate state outside a
	// WithNotify-wrapped transaction (tests, ad hoc scripts) simply forgo
	// the wake-up signal.
}

func bufferChainCompleted(ctx context.Context, payload notify.ChainCompletedPayload) {
	if buf := bufferFromContext(ctx); buf != nil {
		buf.completed = append(buf.completed, payload)
	}
}

// BufferJobOwnershipLost records that jobID's in-flight attempt was
// forcibly completed out from under its worker, so flush publishes a
// job-ownership-lost event once the surrounding transaction commits.
// Exported for internal/client, which forces completion without going
// through Runtime.Complete.
func BufferJobOwnershipLost(ctx context.Context, payload notify.OwnershipLostPayload) {
	if buf := bufferFromContext(ctx); buf != nil {
		buf.ownershipLost = append(buf.ownershipLost, payload)
	}
}

// flushNotify publishes everything buffered on ctx via adapter. It is safe
// to call on a ctx with no buffer installed (a no-op).
func flushNotify(ctx context.Context, adapter notify.Adapter) error {
	buf := bufferFromContext(ctx)
	if buf == nil {
		return nil
	}
	for typeName, count := range buf.scheduled {
		if err := adapter.PublishJobScheduled(ctx, typeName, count); err != nil {
			return err
		}
	}
	for _, payload := range buf.completed {
		if err := adapter.PublishChainCompleted(ctx, payload); err != nil {
			return err
		}
	}
	for _, payload := range buf.ownershipLost {
		if err := adapter.PublishJobOwnershipLost(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}
