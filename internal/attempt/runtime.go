package attempt

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rezkam/jobchain/internal/domain"
	"github.com/rezkam/jobchain/internal/engine"
	"github.com/rezkam/jobchain/internal/jobtype"
	"github.com/rezkam/jobchain/internal/observability"
	"github.com/rezkam/jobchain/internal/stateadapter"
)

// RetryPolicy is the default exponential-backoff-with-cap retry decision
// used when the caller does not supply one of its own.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelayMs  int64
	MaxDelayMs   int64
}

// DefaultRetryPolicy is the handler retry policy used when none is
// configured: up to 5 attempts, doubling from one second, capped at a minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelayMs: 1000, MaxDelayMs: 60_000}
}

// NextDelay implements engine.RetryPolicy with exponential backoff,
// jittered by up to ±10% to avoid synchronized retries across workers.
func (p RetryPolicy) NextDelay(attempt int) (int64, bool) {
	if attempt >= p.MaxAttempts {
		return 0, false
	}
	delay := p.BaseDelayMs << uint(attempt-1)
	if delay > p.MaxDelayMs || delay <= 0 {
		delay = p.MaxDelayMs
	}
	jitter := delay / 5
	if jitter > 0 {
		delay = delay - jitter/2 + int64(time.Now().UnixNano()%jitter)
	}
	return delay, true
}

// Runtime drives one attempt at one job: acquire already happened (the
// Worker's job), Runtime owns everything from "handler starts" to "attempt
// finalized" — lease renewal, cooperative cancellation, and the
// success/reschedule/fail decision.
type Runtime struct {
	Engine       *engine.Engine
	Job          *domain.Job
	WorkerID     string
	LeaseMs      int64
	RenewEvery   time.Duration
	RetryPolicy  engine.RetryPolicy

	mu        sync.Mutex
	completed bool
}

// Run executes the attempt to completion: starts the lease-renewal
// goroutine, invokes the registered handler with a cancellable context, and
// finalizes the job based on the outcome. Run itself never returns an error
// for an ordinary handler failure — that is fully handled internally (the
// job is rescheduled or permanently failed); it only returns an error for
// failures in the finalization write path itself.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, span := r.Engine.Observability.StartSpan(ctx, "attempt.run")
	defer span.End()

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	lm := NewLeaseManager(r.Engine, r.Job.ID, r.WorkerID, r.LeaseMs, r.RenewEvery)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		lm.Run(attemptCtx, cancel)
	}()

	r.Engine.Observability.Event(ctx, observability.EventJobAttemptStarted, observability.Fields{
		"job_id": r.Job.ID, "type": r.Job.TypeName, "attempt": r.Job.AttemptCount,
	})

	output, continuation, handlerErr := r.invokeHandler(attemptCtx)
	cancel(nil)
	wg.Wait()

	if handlerErr == nil {
		return r.finalizeSuccess(ctx, output, continuation)
	}
	return r.finalizeFailure(ctx, handlerErr)
}

func (r *Runtime) invokeHandler(ctx context.Context) (out json.RawMessage, continuation *jobtype.ContinuationSpec, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &engine.PanicError{Value: p, StackTrace: string(debug.Stack())}
		}
	}()

	if cause := context.Cause(ctx); cause != nil && ctx.Err() != nil {
		return nil, nil, cause
	}
	return r.Engine.Types.Handle(ctx, r.Job.TypeName, r.Job.Input)
}

// Complete is the single-use terminal primitive: it marks the attempt
// completed and runs fn against the engine to perform the actual state
// write. Calling Complete twice returns ErrAlreadyCompleted instead of
// writing again, mirroring the "second invocation throws" contract for the
// reference runtime's callback-based finalize.
//
// Before running fn, Complete refetches and row-locks the job and asserts
// this runtime's WorkerID still holds its lease, closing the race where a
// lease was reaped and reassigned to another worker while this attempt's
// handler was still executing: without this check that stale attempt could
// overwrite the new owner's in-progress work. The refetch and fn both run
// inside one TransactionContext-managed transaction, so the ownership
// assertion and the write it gates commit atomically.
func (r *Runtime) Complete(ctx context.Context, fn func(ctx context.Context, tx stateadapter.Tx) error) error {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return ErrAlreadyCompleted
	}
	r.completed = true
	r.mu.Unlock()

	ctx = engine.WithNotify(ctx)
	tc := NewTransactionContext(r.Engine.State)

	// The callback keeps using the outer ctx, which carries the notify
	// buffer flushed below; the ctx TransactionContext hands in does not.
	runErr := tc.Run(ctx, func(_ context.Context, tx stateadapter.Tx) error {
		job, err := r.Engine.RefetchJobForUpdate(ctx, tx, r.Job.ID)
		if err != nil {
			return err
		}
		if job.Status != domain.JobStatusRunning || job.LeasedBy == nil || *job.LeasedBy != r.WorkerID {
			return &domain.JobTakenByAnotherWorkerError{JobID: r.Job.ID}
		}
		return fn(ctx, tx)
	})

	var err error
	if runErr != nil {
		_ = tc.Reject(runErr)
		err = runErr
	} else {
		err = tc.Resolve()
	}
	if err != nil {
		return err
	}
	return engine.FlushNotify(ctx, r.Engine.Notify)
}

func (r *Runtime) finalizeSuccess(ctx context.Context, output json.RawMessage, continuation *jobtype.ContinuationSpec) error {
	return r.Complete(ctx, func(ctx context.Context, tx stateadapter.Tx) error {
		var out any = json.RawMessage(output)
		var cont *engine.ContinuationInput
		if continuation != nil {
			cont = &engine.ContinuationInput{
				TypeName:     continuation.TypeName,
				Input:        continuation.Input,
				Schedule:     continuation.Schedule,
				TraceContext: continuation.TraceContext,
			}
		}
		_, _, err := r.Engine.FinishJob(ctx, tx, r.Job.ID, out, cont, &r.WorkerID)
		return err
	})
}

func (r *Runtime) finalizeFailure(ctx context.Context, handlerErr error) error {
	if engine.IsJobCancelled(handlerErr) {
		// Ownership already changed hands or the job was deleted; another
		// attempt (or nobody) owns finalizing it now.
		return nil
	}

	decision, delayMs := r.Engine.HandleJobHandlerError(ctx, r.Job, handlerErr, r.RetryPolicy)

	return r.Complete(ctx, func(ctx context.Context, tx stateadapter.Tx) error {
		switch decision {
		case engine.DecisionReschedule:
			at := time.Now().UTC().Add(time.Duration(delayMs) * time.Millisecond)
			if err := r.Engine.State.RescheduleJob(ctx, tx, stateadapter.RescheduleJobParams{JobID: r.Job.ID, ScheduledAt: at}); err != nil {
				return err
			}
			engine.BufferJobScheduled(ctx, r.Job.TypeName, 1)
			return nil
		default: // DecisionFail
			failure := map[string]any{"error": handlerErr.Error(), "failed": true}
			_, _, err := r.Engine.FinishJob(ctx, tx, r.Job.ID, failure, nil, &r.WorkerID)
			return err
		}
	})
}
