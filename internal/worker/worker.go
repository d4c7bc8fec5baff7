// Package worker implements the Worker main loop, its bounded-concurrency
// executor, and the lease-reaping pass. Attempt finalization (including the
// transactional ownership assertion done via attempt.TransactionContext)
// lives in the attempt package, which this package drives but does not own.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rezkam/jobchain/internal/attempt"
	"github.com/rezkam/jobchain/internal/domain"
	"github.com/rezkam/jobchain/internal/engine"
	"github.com/rezkam/jobchain/internal/observability"
	"github.com/rezkam/jobchain/internal/stateadapter"
)

// Middleware wraps attempt execution, the classic Go HTTP-handler onion:
// each middleware calls Next to continue the chain, or returns early to
// short-circuit it.
type Middleware func(Next) Next

// Next runs one attempt to completion.
type Next func(ctx context.Context, runtime *attempt.Runtime) error

func chain(mw []Middleware, final Next) Next {
	next := final
	for i := len(mw) - 1; i >= 0; i-- {
		next = mw[i](next)
	}
	return next
}

// Config controls a Worker's polling cadence, concurrency, and lease
// lengths. Defaults mirror the corpus's WorkerConfig.
type Config struct {
	WorkerID     string
	Concurrency  int
	LeaseMs      int64
	RenewEvery   time.Duration
	PollInterval time.Duration
	ReapInterval time.Duration
	RetryPolicy  engine.RetryPolicy

	// TypeNames restricts AcquireJob to these job types. Empty defaults to
	// every type the Engine's jobtype.Registry knows how to handle, so a
	// worker process only ever claims work it can actually run.
	TypeNames []string
}

// DefaultConfig returns sane defaults for a single worker process,
// generating a random WorkerID.
func DefaultConfig() Config {
	return Config{
		WorkerID:     uuid.NewString(),
		Concurrency:  10,
		LeaseMs:      30_000,
		RenewEvery:   10 * time.Second,
		PollInterval: 5 * time.Second,
		ReapInterval: 30 * time.Second,
		RetryPolicy:  attempt.DefaultRetryPolicy(),
	}
}

// Worker is the main loop: it watches for job-scheduled notifications (with
// a poll-interval fallback so it is correct even with notify.NoOp()),
// acquires eligible jobs up to its concurrency limit, and runs each through
// AttemptRuntime. It also runs a Reap pass for expired leases on its own
// ticker.
type Worker struct {
	Engine *engine.Engine
	Config Config
	Middleware []Middleware

	executor *ParallelExecutor

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Worker ready to Start. If cfg.TypeNames is empty, it defaults
// to eng.Types.TypeNames() so the worker only claims job types its registry
// can actually handle.
func New(eng *engine.Engine, cfg Config, mw ...Middleware) *Worker {
	if len(cfg.TypeNames) == 0 && eng.Types != nil {
		cfg.TypeNames = eng.Types.TypeNames()
	}
	return &Worker{
		Engine:     eng,
		Config:     cfg,
		Middleware: mw,
		executor:   NewParallelExecutor(cfg.Concurrency),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start runs the worker loop until ctx is done or Stop is called, then
// drains in-flight attempts before returning.
func (w *Worker) Start(ctx context.Context) {
	defer close(w.doneCh)

	w.Engine.Observability.Event(ctx, observability.EventWorkerStarted, observability.Fields{"worker_id": w.Config.WorkerID})

	scheduled, disposeScheduled, err := w.Engine.Notify.ListenJobScheduled(ctx)
	if err != nil {
		w.Engine.Observability.Event(ctx, observability.EventWorkerError, observability.Fields{"error": err.Error()})
	}
	if disposeScheduled != nil {
		defer disposeScheduled()
	}

	poll := time.NewTicker(w.Config.PollInterval)
	defer poll.Stop()
	reap := time.NewTicker(w.Config.ReapInterval)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case <-w.stopCh:
			w.drain()
			return
		case payload := <-scheduled:
			if payload.TypeName == "" || w.handlesType(payload.TypeName) {
				w.fillSlots(ctx)
			}
		case <-poll.C:
			w.fillSlots(ctx)
		case <-reap.C:
			w.Reap(ctx)
		}
	}
}

// handlesType reports whether typeName is one this worker is configured to
// acquire, so it can skip a wakeup for a job-scheduled notification about a
// type it would never be eligible to claim anyway.
func (w *Worker) handlesType(typeName string) bool {
	if len(w.Config.TypeNames) == 0 {
		return true
	}
	for _, t := range w.Config.TypeNames {
		if t == typeName {
			return true
		}
	}
	return false
}

func (w *Worker) drain() {
	w.Engine.Observability.Event(context.Background(), observability.EventWorkerStopping, nil)
	w.executor.Wait()
	w.Engine.Observability.Event(context.Background(), observability.EventWorkerStopped, nil)
}

// Stop requests a graceful shutdown and blocks until Start has returned.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

// fillSlots acquires and dispatches jobs until either no job is eligible or
// the executor is at capacity.
func (w *Worker) fillSlots(ctx context.Context) {
	for w.executor.AvailableSlots() > 0 {
		job, err := w.Engine.State.AcquireJob(ctx, nil, stateadapter.AcquireJobParams{
			WorkerID:  w.Config.WorkerID,
			LeaseMs:   w.Config.LeaseMs,
			TypeNames: w.Config.TypeNames,
		})
		if err != nil {
			w.Engine.Observability.Event(ctx, observability.EventWorkerError, observability.Fields{"error": err.Error()})
			return
		}
		if job == nil {
			return
		}
		started := w.executor.TryGo(ctx, func(ctx context.Context) {
			w.runAttempt(ctx, job)
		})
		if !started {
			return
		}
	}
}

func (w *Worker) runAttempt(ctx context.Context, job *domain.Job) {
	runtime := &attempt.Runtime{
		Engine:      w.Engine,
		Job:         job,
		WorkerID:    w.Config.WorkerID,
		LeaseMs:     w.Config.LeaseMs,
		RenewEvery:  w.Config.RenewEvery,
		RetryPolicy: w.Config.RetryPolicy,
	}
	next := chain(w.Middleware, func(ctx context.Context, runtime *attempt.Runtime) error {
		return runtime.Run(ctx)
	})
	if err := next(ctx, runtime); err != nil {
		w.Engine.Observability.Event(ctx, observability.EventWorkerError, observability.Fields{"job_id": job.ID, "error": err.Error()})
	}
}

// Reap runs one RemoveExpiredJobLease pass, freeing jobs whose lease has
// lapsed (the worker holding it died or was partitioned away) back to
// pending.
func (w *Worker) Reap(ctx context.Context) {
	ctx = engine.WithNotify(ctx)
	var reaped []string
	err := w.Engine.State.RunInTransaction(ctx, func(ctx context.Context, tx stateadapter.Tx) error {
		var err error
		reaped, err = w.Engine.State.RemoveExpiredJobLease(ctx, tx, time.Now().UTC())
		if err != nil {
			return err
		}
		if len(reaped) > 0 {
			if err := w.Engine.BufferScheduledForJobs(ctx, tx, reaped); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		w.Engine.Observability.Event(ctx, observability.EventWorkerError, observability.Fields{"error": err.Error()})
		return
	}
	for _, id := range reaped {
		w.Engine.Observability.Event(ctx, observability.EventJobReaped, observability.Fields{"job_id": id})
	}
	if err := engine.FlushNotify(ctx, w.Engine.Notify); err != nil {
		w.Engine.Observability.Event(ctx, observability.EventWorkerError, observability.Fields{"error": err.Error()})
	}
}
