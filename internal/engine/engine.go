// Package engine is the transactional core that creates jobs, wires
// blockers, and finalizes attempts. Client and Worker are thin facades over
// one shared Engine, avoiding a three-way import cycle between them.
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rezkam/jobchain/internal/domain"
	"github.com/rezkam/jobchain/internal/jobtype"
	"github.com/rezkam/jobchain/internal/notify"
	"github.com/rezkam/jobchain/internal/observability"
	"github.com/rezkam/jobchain/internal/stateadapter"
)

// Engine holds the four ports and implements every state-mutating
// operation in terms of them. It is safe for concurrent use.
type Engine struct {
	State         stateadapter.StateAdapter
	Notify        notify.Adapter
	Observability observability.Adapter
	Types         jobtype.Registry
}

// New builds an Engine from its four ports. Notify and Observability may be
// notify.NoOp() / observability.NoOp() when not wired.
func New(state stateadapter.StateAdapter, notifyAdapter notify.Adapter, obs observability.Adapter, types jobtype.Registry) *Engine {
	return &Engine{State: state, Notify: notifyAdapter, Observability: obs, Types: types}
}

// CreateJobInput is the caller-facing parameter set for CreateJob.
type CreateJobInput struct {
	TypeName           string
	RootChainID        string // empty for a new chain (this job becomes the head)
	ContinuesFromJobID *string
	Input              any
	Schedule           domain.Schedule
	Deduplication      *domain.Deduplication
	TraceContext       json.RawMessage
}

// CreateJob validates input against the job type's schema, then inserts it
// (or returns the deduplicated existing job) through the State adapter. It
// buffers a job-scheduled notification for flushNotify unless the job was
// deduplicated against an existing one.
func (e *Engine) CreateJob(ctx context.Context, tx stateadapter.Tx, in CreateJobInput) (*domain.Job, error) {
	raw, err := json.Marshal(in.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal job input: %w", err)
	}
	if e.Types != nil && e.Types.Has(in.TypeName) {
		if err := e.Types.ValidateInput(in.TypeName, raw); err != nil {
			return nil, err
		}
	}

	params := stateadapter.CreateJobParams{
		TypeName:           in.TypeName,
		RootChainID:        in.RootChainID,
		ContinuesFromJobID: in.ContinuesFromJobID,
		Input:              raw,
		Schedule:           in.Schedule,
		Deduplication:      in.Deduplication,
		TraceContext:       in.TraceContext,
	}

	job, deduped, err := e.State.CreateJob(ctx, tx, params)
	if err != nil {
		return nil, err
	}

	if deduped {
		return job, nil
	}

	e.Observability.Event(ctx, observability.EventJobCreated, observability.Fields{
		"job_id": job.ID, "type": job.TypeName, "root_chain_id": job.RootChainID,
	})
	if job.Status == domain.JobStatusPending {
		bufferJobScheduled(ctx, job.TypeName, 1)
	}
	return job, nil
}

// AddJobBlockers gates jobID on the completion of blockedByChainIDs.
func (e *Engine) AddJobBlockers(ctx context.Context, tx stateadapter.Tx, jobID string, blockedByChainIDs []string, traceContext json.RawMessage) error {
	if err := e.State.AddJobBlockers(ctx, tx, jobID, blockedByChainIDs, traceContext); err != nil {
		return err
	}
	e.Observability.Event(ctx, observability.EventJobBlocked, observability.Fields{
		"job_id": jobID, "blocked_by": blockedByChainIDs,
	})
	return nil
}

// ScheduleBlockedJobs unblocks jobs whose blockers have all resolved and
// buffers a job-scheduled notification if any were unblocked.
func (e *Engine) ScheduleBlockedJobs(ctx context.Context, tx stateadapter.Tx) ([]string, error) {
	ids, err := e.State.ScheduleBlockedJobs(ctx, tx)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		e.Observability.Event(ctx, observability.EventJobUnblocked, observability.Fields{"job_ids": ids})
		if err := e.bufferScheduledByType(ctx, tx, ids); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// BufferScheduledForJobs buffers one job-scheduled count per distinct type
// among jobIDs. Exported for callers outside the engine package, such as
// Worker.Reap, that resurrect jobs to pending outside of CreateJob or
// ScheduleBlockedJobs.
func (e *Engine) BufferScheduledForJobs(ctx context.Context, tx stateadapter.Tx, jobIDs []string) error {
	return e.bufferScheduledByType(ctx, tx, jobIDs)
}

// bufferScheduledByType buffers one job-scheduled count per distinct type
// among jobIDs, so a batch of unblocked jobs wakes workers by type instead
// of as one undifferentiated signal.
func (e *Engine) bufferScheduledByType(ctx context.Context, tx stateadapter.Tx, jobIDs []string) error {
	counts := make(map[string]int, len(jobIDs))
	for _, id := range jobIDs {
		job, err := e.State.GetJobForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		counts[job.TypeName]++
	}
	for typeName, count := range counts {
		bufferJobScheduled(ctx, typeName, count)
	}
	return nil
}

// ContinuationInput describes the next job a completing job wants to
// enqueue in the same chain and the same transaction as its own
// completion.
type ContinuationInput struct {
	TypeName     string
	Input        any
	Schedule     domain.Schedule
	TraceContext json.RawMessage
}

// FinishJob completes jobID, validates its output against the job type
// schema, optionally enqueues a continuation atomically, and buffers the
// chain-completed notification when the chain has no continuation left.
// workerID, when non-nil, asserts the caller still holds jobID's lease
// (used by Runtime.Complete); nil permits a workerless administrative
// completion regardless of who currently holds the lease (used by
// Client.CompleteJobChain).
func (e *Engine) FinishJob(ctx context.Context, tx stateadapter.Tx, jobID string, output any, continuation *ContinuationInput, workerID *string) (completed *domain.Job, continued *domain.Job, err error) {
	outRaw, err := json.Marshal(output)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal job output: %w", err)
	}

	job, err := e.State.GetJobForUpdate(ctx, tx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if e.Types != nil && e.Types.Has(job.TypeName) {
		if err := e.Types.ValidateOutput(job.TypeName, outRaw); err != nil {
			return nil, nil, err
		}
	}

	var contParams *stateadapter.CreateJobParams
	if continuation != nil {
		inRaw, err := json.Marshal(continuation.Input)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal continuation input: %w", err)
		}
		contParams = &stateadapter.CreateJobParams{
			TypeName:     continuation.TypeName,
			Input:        inRaw,
			Schedule:     continuation.Schedule,
			TraceContext: continuation.TraceContext,
		}
	}

	completed, continued, err = e.State.CompleteJob(ctx, tx, stateadapter.CompleteJobParams{JobID: jobID, Output: outRaw, WorkerID: workerID}, contParams)
	if err != nil {
		return nil, nil, err
	}

	e.Observability.Event(ctx, observability.EventJobCompleted, observability.Fields{"job_id": jobID})

	if continued != nil {
		bufferJobScheduled(ctx, continued.TypeName, 1)
		return completed, continued, nil
	}

	unblocked, err := e.State.ScheduleBlockedJobs(ctx, tx)
	if err != nil {
		return nil, nil, err
	}
	e.Observability.Event(ctx, observability.EventJobChainCompleted, observability.Fields{"root_chain_id": completed.RootChainID})
	bufferChainCompleted(ctx, notify.ChainCompletedPayload{RootChainID: completed.RootChainID})
	if len(unblocked) > 0 {
		if err := e.bufferScheduledByType(ctx, tx, unblocked); err != nil {
			return nil, nil, err
		}
	}
	return completed, nil, nil
}

// RefetchJobForUpdate re-reads and row-locks jobID inside the caller's
// transaction — used by AttemptRuntime to detect concurrent ownership
// changes (a lease steal or an out-of-band deletion) right before
// finalizing an attempt.
func (e *Engine) RefetchJobForUpdate(ctx context.Context, tx stateadapter.Tx, jobID string) (*domain.Job, error) {
	return e.State.GetJobForUpdate(ctx, tx, jobID)
}

// HandlerErrorDecision is the outcome HandleJobHandlerError recommends for
// an error a job handler returned.
type HandlerErrorDecision int

const (
	// DecisionReschedule returns the job to pending with backoff.
	DecisionReschedule HandlerErrorDecision = iota
	// DecisionFail completes the job with its error captured as output,
	// since the domain model tracks no separate failed status: a
	// permanently failed attempt is a terminal (completed) chain whose
	// output records the failure for the caller to inspect.
	DecisionFail
)

// RetryPolicy decides, given the attempt count so far, whether another
// attempt should be made and how long to wait before it.
type RetryPolicy interface {
	NextDelay(attempt int) (delay int64Ms, retry bool)
}

type int64Ms = int64

// HandleJobHandlerError classifies err (using the RetryableError-style
// taxonomy a job handler is expected to return) and decides whether the job
// should be rescheduled or permanently failed.
func (e *Engine) HandleJobHandlerError(ctx context.Context, job *domain.Job, err error, policy RetryPolicy) (HandlerErrorDecision, int64) {
	e.Observability.Event(ctx, observability.EventJobAttemptFailed, observability.Fields{
		"job_id": job.ID, "attempt": job.AttemptCount, "error": err.Error(),
	})

	if !IsRetryable(err) {
		return DecisionFail, 0
	}

	delay, retry := policy.NextDelay(job.AttemptCount)
	if !retry {
		return DecisionFail, 0
	}
	return DecisionReschedule, delay
}
