package attempt

import (
	"context"
	"errors"
	"sync"

	"github.com/rezkam/jobchain/internal/stateadapter"
)

// ErrTransactionContextClosed is returned by Run when called after a
// terminal Resolve or Reject.
var ErrTransactionContextClosed = errors.New("attempt: TransactionContext already resolved or rejected")

// TransactionContext serializes a sequence of callbacks against one
// underlying transaction, in the order they are submitted, completing with
// an explicit terminal Resolve or Reject that commits or rolls back the
// transaction. It exists for Runtime.Complete, which needs the ownership
// refetch and the caller's own finalization write (continuation insert,
// reschedule, or completion) to land in a single transaction even though
// they are two logically separate calls.
type TransactionContext struct {
	calls    chan txCall
	terminal chan error
	done     chan struct{}

	mu       sync.Mutex
	closed   bool
	txErr    error
}

type txCall struct {
	fn   func(ctx context.Context, tx stateadapter.Tx) error
	resp chan error
}

// NewTransactionContext opens a transaction on state and starts serializing
// Run calls against it. The transaction stays open until Resolve or Reject
// is called.
func NewTransactionContext(state stateadapter.StateAdapter) *TransactionContext {
	tc := &TransactionContext{
		calls:    make(chan txCall),
		terminal: make(chan error, 1),
		done:     make(chan struct{}),
	}
	go tc.loop(state)
	return tc
}

func (tc *TransactionContext) loop(state stateadapter.StateAdapter) {
	defer close(tc.done)
	tc.txErr = state.RunInTransaction(context.Background(), func(ctx context.Context, tx stateadapter.Tx) error {
		for {
			select {
			case call := <-tc.calls:
				call.resp <- call.fn(ctx, tx)
			case err := <-tc.terminal:
				return err
			}
		}
	})
}

// Run submits fn to execute inside the shared transaction, blocking until it
// has run (in submission order relative to other Run calls) and returning
// its error. Run after Resolve or Reject returns
// ErrTransactionContextClosed without running fn.
func (tc *TransactionContext) Run(ctx context.Context, fn func(ctx context.Context, tx stateadapter.Tx) error) error {
	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return ErrTransactionContextClosed
	}
	tc.mu.Unlock()

	resp := make(chan error, 1)
	select {
	case tc.calls <- txCall{fn: fn, resp: resp}:
	case <-ctx.Done():
		return ctx.Err()
	case <-tc.done:
		return ErrTransactionContextClosed
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolve commits the underlying transaction. Idempotent: a second call
// (Resolve or Reject) just returns the same terminal result without
// re-running RunInTransaction's callback.
func (tc *TransactionContext) Resolve() error {
	return tc.terminate(nil)
}

// Reject rolls back the underlying transaction with err as the cause.
// Idempotent like Resolve.
func (tc *TransactionContext) Reject(err error) error {
	if err == nil {
		err = errors.New("attempt: TransactionContext rejected with no error")
	}
	return tc.terminate(err)
}

func (tc *TransactionContext) terminate(err error) error {
	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		<-tc.done
		return tc.txErr
	}
	tc.closed = true
	tc.mu.Unlock()

	tc.terminal <- err
	<-tc.done
	return tc.txErr
}
